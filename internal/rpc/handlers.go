package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/internal/p2p"
	"github.com/atomicmesh/atomicmesh/internal/secret"
	"github.com/atomicmesh/atomicmesh/internal/txbuilder"
	"github.com/atomicmesh/atomicmesh/internal/wallet"
)

// Version of the daemon.
const Version = "0.1.0-dev"

var errNoWallet = errors.New("wallet not configured")

// ========================================
// Chain handlers
// ========================================

// ChainInfo describes one supported chain.
type ChainInfo struct {
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	Family     string `json:"family"`
	Decimals   uint8  `json:"decimals"`
	ExpiryKind string `json:"expiry_kind"`
	HashScheme string `json:"hash_scheme"`
}

func (s *Server) chainList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	symbols := chain.List()
	chains := make([]ChainInfo, 0, len(symbols))
	for _, symbol := range symbols {
		p, ok := chain.Get(symbol, s.network)
		if !ok {
			continue
		}
		chains = append(chains, ChainInfo{
			Symbol:     p.Symbol,
			Name:       p.Name,
			Family:     string(p.Family),
			Decimals:   p.Decimals,
			ExpiryKind: string(p.ExpiryKind),
			HashScheme: string(p.HashScheme),
		})
	}
	return map[string]interface{}{"chains": chains, "network": s.network}, nil
}

// ChainParams identifies a chain in a request.
type ChainParams struct {
	Chain string `json:"chain"`
}

func (s *Server) chainHead(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	client, ok := s.clients.Get(p.Chain)
	if !ok {
		return nil, fmt.Errorf("no client for chain %s", p.Chain)
	}
	head, err := client.Head(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"chain": p.Chain, "head": head}, nil
}

func (s *Server) chainEstimateFee(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	client, ok := s.clients.Get(p.Chain)
	if !ok {
		return nil, fmt.Errorf("no client for chain %s", p.Chain)
	}
	return client.EstimateFee(ctx)
}

// ========================================
// Secret handlers
// ========================================

// SecretGenerateParams selects the hash scheme via the chain.
type SecretGenerateParams struct {
	Chain string `json:"chain"`
}

// SecretGenerateResult carries a fresh secret and its hash.
type SecretGenerateResult struct {
	Secret     string `json:"secret"`
	SecretHash string `json:"secret_hash"`
	Scheme     string `json:"scheme"`
}

func (s *Server) secretGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SecretGenerateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	chainParams, ok := chain.Get(p.Chain, s.network)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", p.Chain)
	}

	secretBytes, err := secret.Generate(secret.DefaultLength)
	if err != nil {
		return nil, err
	}
	hash, err := secret.Hash(secretBytes, chainParams.HashScheme)
	if err != nil {
		return nil, err
	}
	return &SecretGenerateResult{
		Secret:     hex.EncodeToString(secretBytes),
		SecretHash: hex.EncodeToString(hash),
		Scheme:     string(chainParams.HashScheme),
	}, nil
}

// SecretVerifyParams checks a preimage against a hash.
type SecretVerifyParams struct {
	Chain      string `json:"chain"`
	Secret     string `json:"secret"`
	SecretHash string `json:"secret_hash"`
}

func (s *Server) secretVerify(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SecretVerifyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	chainParams, ok := chain.Get(p.Chain, s.network)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", p.Chain)
	}
	secretBytes, err := hex.DecodeString(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret hex: %w", err)
	}
	hash, err := hex.DecodeString(p.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("invalid hash hex: %w", err)
	}
	return map[string]bool{"valid": secret.Verify(secretBytes, hash, chainParams.HashScheme)}, nil
}

// ========================================
// Swap handlers
// ========================================

// SwapCreateParams is the raw proposal for one swap leg.
type SwapCreateParams struct {
	Chain      string         `json:"chain"`
	Recipient  IdentityParams `json:"recipient"`
	Sender     IdentityParams `json:"sender"`
	SecretHash string         `json:"secret_hash"`
	Expiry     uint64         `json:"expiry"`
	Amount     uint64         `json:"amount"`

	TokenAddress string `json:"token_address,omitempty"`
	AssetID      string `json:"asset_id,omitempty"`

	// Secret is set only on the leg whose caller generated it.
	Secret string `json:"secret,omitempty"`

	// Head overrides the observed chain head; fetched from the chain client
	// when zero.
	Head uint64 `json:"head,omitempty"`
}

// IdentityParams is a swap party in a request.
type IdentityParams struct {
	PubKey  string `json:"pub_key,omitempty"`
	Address string `json:"address,omitempty"`
}

// SwapResult describes one tracked swap leg.
type SwapResult struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Chain      string `json:"chain"`
	Network    string `json:"network"`
	Address    string `json:"address"`
	Program    string `json:"program"`
	LockID     string `json:"lock_id,omitempty"`
	Expiry     uint64 `json:"expiry"`
	Amount     uint64 `json:"amount"`
	FundTxID   string `json:"fund_txid,omitempty"`
	ClaimTxID  string `json:"claim_txid,omitempty"`
	RefundTxID string `json:"refund_txid,omitempty"`
}

func swapToResult(swap *coordinator.Swap) *SwapResult {
	result := &SwapResult{
		ID:         swap.ID,
		State:      string(swap.State),
		Chain:      swap.Chain,
		Network:    string(swap.Network),
		Expiry:     swap.Params.Expiry.Value,
		Amount:     swap.Params.Amount,
		FundTxID:   swap.FundTxID,
		ClaimTxID:  swap.ClaimTxID,
		RefundTxID: swap.RefundTxID,
	}
	if swap.Instance != nil {
		result.Address = swap.Instance.Address
		result.Program = hex.EncodeToString(swap.Instance.Program)
		result.LockID = hex.EncodeToString(swap.Instance.LockID)
	}
	return result
}

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	resolved, instance, err := s.resolveLeg(ctx, &p)
	if err != nil {
		return nil, err
	}

	var secretBytes []byte
	if p.Secret != "" {
		secretBytes, err = hex.DecodeString(p.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid secret hex: %w", err)
		}
		chainParams, err := resolved.ChainParams()
		if err != nil {
			return nil, err
		}
		if !secret.Verify(secretBytes, resolved.SecretHash, chainParams.HashScheme) {
			return nil, fmt.Errorf("secret does not match secret hash")
		}
	}

	swap, err := s.coordinator.Track(ctx, resolved, instance, secretBytes)
	if err != nil {
		return nil, err
	}
	return swapToResult(swap), nil
}

// resolveLeg turns raw leg parameters into resolved contract parameters and
// their materialized instance, fetching the chain head when none is given.
func (s *Server) resolveLeg(ctx context.Context, p *SwapCreateParams) (*contract.Parameters, *adapter.Instance, error) {
	secretHash, err := hex.DecodeString(p.SecretHash)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid secret hash hex: %w", err)
	}

	head := p.Head
	if head == 0 {
		client, ok := s.clients.Get(p.Chain)
		if !ok {
			return nil, nil, fmt.Errorf("no client for chain %s and no head given", p.Chain)
		}
		head, err = client.Head(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch head: %w", err)
		}
	}

	recipient, err := parseIdentity(p.Recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("recipient: %w", err)
	}
	sender, err := parseIdentity(p.Sender)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: %w", err)
	}

	asset := contract.Asset{Symbol: p.Chain, TokenAddress: p.TokenAddress, AssetID: p.AssetID}
	resolved, err := contract.Resolve(p.Chain, s.network, recipient, sender, secretHash, p.Expiry, asset, p.Amount, head)
	if err != nil {
		return nil, nil, err
	}

	chainAdapter, err := adapter.ForChain(p.Chain, s.network)
	if err != nil {
		return nil, nil, err
	}
	instance, err := chainAdapter.Materialize(resolved, head)
	if err != nil {
		return nil, nil, err
	}
	return resolved, instance, nil
}

// SwapProposeParams sends both legs of a swap to a counterparty node.
type SwapProposeParams struct {
	// Peer is the counterparty's full multiaddr including /p2p/<id>.
	Peer string `json:"peer"`

	OfferLeg   SwapCreateParams `json:"offer_leg"`
	RequestLeg SwapCreateParams `json:"request_leg"`

	// Secret is the proposer's preimage, tracked with whichever leg it
	// matches under that leg's hash scheme.
	Secret string `json:"secret,omitempty"`
}

// SwapProposeResult reports the tracked legs after acceptance.
type SwapProposeResult struct {
	OfferLeg   *SwapResult `json:"offer_leg"`
	RequestLeg *SwapResult `json:"request_leg"`
}

func (s *Server) swapPropose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.proposer == nil {
		return nil, fmt.Errorf("p2p messenger not configured")
	}
	var p SwapProposeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	offerParams, offerInstance, err := s.resolveLeg(ctx, &p.OfferLeg)
	if err != nil {
		return nil, fmt.Errorf("offer leg: %w", err)
	}
	requestParams, requestInstance, err := s.resolveLeg(ctx, &p.RequestLeg)
	if err != nil {
		return nil, fmt.Errorf("request leg: %w", err)
	}

	var secretBytes []byte
	if p.Secret != "" {
		secretBytes, err = hex.DecodeString(p.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid secret hex: %w", err)
		}
	}

	proposal := &p2p.Proposal{OfferLeg: offerParams, RequestLeg: requestParams}
	if err := s.proposer.Propose(ctx, p.Peer, proposal); err != nil {
		return nil, err
	}

	// Accepted: track both legs locally, attaching the secret to each leg it
	// matches under that leg's scheme.
	offerSwap, err := s.coordinator.Track(ctx, offerParams, offerInstance, legSecret(offerParams, secretBytes))
	if err != nil {
		return nil, err
	}
	requestSwap, err := s.coordinator.Track(ctx, requestParams, requestInstance, legSecret(requestParams, secretBytes))
	if err != nil {
		return nil, err
	}
	return &SwapProposeResult{
		OfferLeg:   swapToResult(offerSwap),
		RequestLeg: swapToResult(requestSwap),
	}, nil
}

func legSecret(params *contract.Parameters, secretBytes []byte) []byte {
	if secretBytes == nil {
		return nil
	}
	chainParams, err := params.ChainParams()
	if err != nil {
		return nil
	}
	if !secret.Verify(secretBytes, params.SecretHash, chainParams.HashScheme) {
		return nil
	}
	return secretBytes
}

func parseIdentity(p IdentityParams) (contract.Identity, error) {
	id := contract.Identity{Address: p.Address}
	if p.PubKey != "" {
		pubKey, err := hex.DecodeString(p.PubKey)
		if err != nil {
			return id, fmt.Errorf("invalid pubkey hex: %w", err)
		}
		id.PubKey = pubKey
	}
	return id, nil
}

// SwapGetParams identifies a swap.
type SwapGetParams struct {
	ID string `json:"id"`
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return swapToResult(swap), nil
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	swaps := s.coordinator.List()
	results := make([]*SwapResult, 0, len(swaps))
	for _, swap := range swaps {
		results = append(results, swapToResult(swap))
	}
	return map[string]interface{}{"swaps": results, "count": len(results)}, nil
}

// ========================================
// Transaction handlers
// ========================================

// TxDecodeParams carries a raw transaction for inspection.
type TxDecodeParams struct {
	Chain string `json:"chain"`
	Raw   string `json:"raw"`
}

func (s *Server) txDecode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxDecodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	raw, err := hex.DecodeString(p.Raw)
	if err != nil {
		return nil, fmt.Errorf("invalid raw hex: %w", err)
	}
	return txbuilder.Decode(raw, p.Chain, s.network)
}

// TxBroadcastParams carries a signed raw transaction.
type TxBroadcastParams struct {
	Chain string `json:"chain"`
	Raw   string `json:"raw"`
}

func (s *Server) txBroadcast(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxBroadcastParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	raw, err := hex.DecodeString(p.Raw)
	if err != nil {
		return nil, fmt.Errorf("invalid raw hex: %w", err)
	}
	client, ok := s.clients.Get(p.Chain)
	if !ok {
		return nil, fmt.Errorf("no client for chain %s", p.Chain)
	}
	txID, err := client.Broadcast(ctx, raw)
	if err != nil {
		return nil, err
	}
	return map[string]string{"txid": txID}, nil
}

// ========================================
// Wallet handlers
// ========================================

func (s *Server) walletGenerateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	return map[string]string{"mnemonic": mnemonic}, nil
}

// WalletValidateParams carries a mnemonic to check.
type WalletValidateParams struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletValidateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletValidateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return map[string]bool{"valid": wallet.ValidateMnemonic(p.Mnemonic)}, nil
}

// WalletAddressParams selects a derivation slot.
type WalletAddressParams struct {
	Chain   string `json:"chain"`
	Account uint32 `json:"account"`
	Index   uint32 `json:"index"`
}

func (s *Server) walletGetAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, errNoWallet
	}
	var p WalletAddressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	address, err := s.wallet.DeriveAddress(p.Chain, p.Account, p.Index)
	if err != nil {
		return nil, err
	}
	return map[string]string{"chain": p.Chain, "address": address}, nil
}
