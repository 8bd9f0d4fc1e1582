// Transaction building and chain observation reporting over JSON-RPC. Build
// handlers sign with wallet-derived keys and persist the result for the
// broadcast path; report handlers feed watcher observations into the
// coordinator state machine.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/internal/txbuilder"
)

// TxBuildParams selects a swap and carries per-family build inputs. Fields a
// chain client can observe (UTXOs, fee rates, nonces) are optional overrides.
type TxBuildParams struct {
	SwapID string `json:"swap_id"`

	// Account and Index select the wallet derivation slot.
	Account uint32 `json:"account"`
	Index   uint32 `json:"index"`

	// UTXO-script chains.
	UTXOs       []chainclient.UTXO `json:"utxos,omitempty"`
	FeeRate     uint64             `json:"fee_rate,omitempty"`
	DestAddress string             `json:"dest_address,omitempty"`
	HTLCTxID    string             `json:"htlc_txid,omitempty"`
	HTLCVout    uint32             `json:"htlc_vout,omitempty"`
	HTLCAmount  uint64             `json:"htlc_amount,omitempty"`

	// Account-contract chains.
	Nonce     *uint64 `json:"nonce,omitempty"`
	GasTipCap uint64  `json:"gas_tip_cap,omitempty"`
	GasFeeCap uint64  `json:"gas_fee_cap,omitempty"`

	// UTXO-contract chains: the node-assembled unsigned template.
	Template *txbuilder.EquityTemplate `json:"template,omitempty"`

	// Secret overrides the swap's stored preimage on claim builds.
	Secret string `json:"secret,omitempty"`
}

// TxBuildResult describes a built, signed swap transaction.
type TxBuildResult struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Chain            string `json:"chain"`
	Status           string `json:"status"`
	TxID             string `json:"txid,omitempty"`
	Raw              string `json:"raw"`
	Fee              uint64 `json:"fee"`
	MinBroadcastHead uint64 `json:"min_broadcast_head,omitempty"`
}

func txToBuildResult(tx *txbuilder.SwapTransaction) *TxBuildResult {
	return &TxBuildResult{
		ID:               tx.ID,
		Kind:             string(tx.Kind),
		Chain:            tx.Chain,
		Status:           string(tx.Status),
		TxID:             tx.TxID,
		Raw:              hex.EncodeToString(tx.Raw),
		Fee:              tx.Fee,
		MinBroadcastHead: tx.MinBroadcastHead,
	}
}

func (s *Server) txBuildFund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, swap, err := s.txBuildSetup(params)
	if err != nil {
		return nil, err
	}

	var tx *txbuilder.SwapTransaction
	switch swap.Instance.Family {
	case chain.FamilyUTXOScript:
		utxos, feeRate, err := s.utxoFundInputs(ctx, p, swap)
		if err != nil {
			return nil, err
		}
		senderKey, err := s.wallet.DerivePrivateKey(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.BuildUTXOFund(swap.Instance, utxos, senderKey, feeRate)
		if err != nil {
			return nil, err
		}

	case chain.FamilyAccountContract:
		txParams, err := s.evmTxParams(ctx, p, swap)
		if err != nil {
			return nil, err
		}
		privKey, err := s.wallet.EVMPrivateKeyBytes(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.BuildEVMFund(swap.Instance, txParams, privKey)
		if err != nil {
			return nil, err
		}

	case chain.FamilyUTXOContract:
		if p.Template == nil {
			return nil, fmt.Errorf("fund on %s needs a node-built template", swap.Chain)
		}
		expandedKey, err := s.wallet.DeriveExpandedEd25519Key(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.FinalizeEquityFund(swap.Instance, p.Template, expandedKey)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported family %s", swap.Instance.Family)
	}

	return s.finishBuild(ctx, swap.ID, tx)
}

func (s *Server) txBuildClaim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, swap, err := s.txBuildSetup(params)
	if err != nil {
		return nil, err
	}
	secretBytes, err := claimSecret(p, swap)
	if err != nil {
		return nil, err
	}

	var tx *txbuilder.SwapTransaction
	switch swap.Instance.Family {
	case chain.FamilyUTXOScript:
		htlcUTXO, feeRate, dest, err := s.htlcSpendInputs(ctx, p, swap)
		if err != nil {
			return nil, err
		}
		recipientKey, err := s.wallet.DerivePrivateKey(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.BuildUTXOClaim(swap.Instance, htlcUTXO, secretBytes, recipientKey, dest, feeRate)
		if err != nil {
			return nil, err
		}

	case chain.FamilyAccountContract:
		txParams, err := s.evmTxParams(ctx, p, swap)
		if err != nil {
			return nil, err
		}
		privKey, err := s.wallet.EVMPrivateKeyBytes(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.BuildEVMWithdraw(swap.Instance, secretBytes, txParams, privKey)
		if err != nil {
			return nil, err
		}

	case chain.FamilyUTXOContract:
		if p.Template == nil {
			return nil, fmt.Errorf("claim on %s needs a node-built template", swap.Chain)
		}
		expandedKey, err := s.wallet.DeriveExpandedEd25519Key(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.FinalizeEquityClaim(swap.Instance, p.Template, secretBytes, expandedKey)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported family %s", swap.Instance.Family)
	}

	return s.finishBuild(ctx, swap.ID, tx)
}

func (s *Server) txBuildRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, swap, err := s.txBuildSetup(params)
	if err != nil {
		return nil, err
	}

	var tx *txbuilder.SwapTransaction
	switch swap.Instance.Family {
	case chain.FamilyUTXOScript:
		htlcUTXO, feeRate, dest, err := s.htlcSpendInputs(ctx, p, swap)
		if err != nil {
			return nil, err
		}
		senderKey, err := s.wallet.DerivePrivateKey(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.BuildUTXORefund(swap.Instance, htlcUTXO, senderKey, dest, feeRate)
		if err != nil {
			return nil, err
		}

	case chain.FamilyAccountContract:
		txParams, err := s.evmTxParams(ctx, p, swap)
		if err != nil {
			return nil, err
		}
		privKey, err := s.wallet.EVMPrivateKeyBytes(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.BuildEVMRefund(swap.Instance, txParams, privKey)
		if err != nil {
			return nil, err
		}

	case chain.FamilyUTXOContract:
		if p.Template == nil {
			return nil, fmt.Errorf("refund on %s needs a node-built template", swap.Chain)
		}
		expandedKey, err := s.wallet.DeriveExpandedEd25519Key(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, err
		}
		tx, err = txbuilder.FinalizeEquityRefund(swap.Instance, p.Template, expandedKey)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported family %s", swap.Instance.Family)
	}

	return s.finishBuild(ctx, swap.ID, tx)
}

func (s *Server) txBuildSetup(params json.RawMessage) (*TxBuildParams, *coordinator.Swap, error) {
	if s.wallet == nil {
		return nil, nil, errNoWallet
	}
	var p TxBuildParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.SwapID)
	if err != nil {
		return nil, nil, err
	}
	if swap.Instance == nil {
		return nil, nil, fmt.Errorf("swap %s has no materialized instance", swap.ID)
	}
	return &p, swap, nil
}

// finishBuild persists the signed transaction for the broadcast path.
func (s *Server) finishBuild(ctx context.Context, swapID string, tx *txbuilder.SwapTransaction) (*TxBuildResult, error) {
	if s.store != nil {
		if err := s.store.SaveTransaction(ctx, swapID, tx); err != nil {
			return nil, err
		}
	}
	return txToBuildResult(tx), nil
}

func claimSecret(p *TxBuildParams, swap *coordinator.Swap) ([]byte, error) {
	if p.Secret != "" {
		secretBytes, err := hex.DecodeString(p.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid secret hex: %w", err)
		}
		return secretBytes, nil
	}
	if len(swap.Secret) == 0 {
		return nil, fmt.Errorf("swap %s holds no secret and none was given", swap.ID)
	}
	return swap.Secret, nil
}

// utxoFundInputs gathers spendable outputs and a fee rate, falling back to
// the chain client for whatever the request omits.
func (s *Server) utxoFundInputs(ctx context.Context, p *TxBuildParams, swap *coordinator.Swap) ([]chainclient.UTXO, uint64, error) {
	utxos := p.UTXOs
	if len(utxos) == 0 {
		client, ok := s.clients.Get(swap.Chain)
		if !ok {
			return nil, 0, fmt.Errorf("no client for chain %s and no utxos given", swap.Chain)
		}
		address, err := s.wallet.DeriveAddress(swap.Chain, p.Account, p.Index)
		if err != nil {
			return nil, 0, err
		}
		utxos, err = client.UTXOs(ctx, address)
		if err != nil {
			return nil, 0, err
		}
	}
	feeRate, err := s.feeRate(ctx, p, swap.Chain)
	if err != nil {
		return nil, 0, err
	}
	return utxos, feeRate, nil
}

// htlcSpendInputs locates the HTLC output a claim or refund spends. The
// output is named explicitly or found on the swap's confirmed fund
// transaction by its P2WSH script.
func (s *Server) htlcSpendInputs(ctx context.Context, p *TxBuildParams, swap *coordinator.Swap) (chainclient.UTXO, uint64, string, error) {
	var htlcUTXO chainclient.UTXO

	if p.HTLCTxID != "" {
		htlcUTXO = chainclient.UTXO{TxID: p.HTLCTxID, Vout: p.HTLCVout, Amount: p.HTLCAmount}
		if htlcUTXO.Amount == 0 {
			htlcUTXO.Amount = swap.Params.Amount
		}
	} else {
		if swap.FundTxID == "" {
			return htlcUTXO, 0, "", fmt.Errorf("swap %s has no confirmed fund transaction", swap.ID)
		}
		client, ok := s.clients.Get(swap.Chain)
		if !ok {
			return htlcUTXO, 0, "", fmt.Errorf("no client for chain %s and no htlc output given", swap.Chain)
		}
		fundTx, err := client.GetTransaction(ctx, swap.FundTxID)
		if err != nil {
			return htlcUTXO, 0, "", fmt.Errorf("failed to fetch fund tx: %w", err)
		}
		wantScript := hex.EncodeToString(adapter.P2WSHScriptPubKey(swap.Instance.Program))
		found := false
		for vout, out := range fundTx.Outputs {
			if out.ScriptPubKey == wantScript {
				htlcUTXO = chainclient.UTXO{TxID: swap.FundTxID, Vout: uint32(vout), Amount: out.Value}
				found = true
				break
			}
		}
		if !found {
			return htlcUTXO, 0, "", fmt.Errorf("fund tx %s carries no output for the lock script", swap.FundTxID)
		}
	}

	feeRate, err := s.feeRate(ctx, p, swap.Chain)
	if err != nil {
		return htlcUTXO, 0, "", err
	}

	dest := p.DestAddress
	if dest == "" {
		dest, err = s.wallet.DeriveAddress(swap.Chain, p.Account, p.Index)
		if err != nil {
			return htlcUTXO, 0, "", err
		}
	}
	return htlcUTXO, feeRate, dest, nil
}

func (s *Server) feeRate(ctx context.Context, p *TxBuildParams, symbol string) (uint64, error) {
	if p.FeeRate > 0 {
		return p.FeeRate, nil
	}
	client, ok := s.clients.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("no client for chain %s and no fee rate given", symbol)
	}
	est, err := client.EstimateFee(ctx)
	if err != nil {
		return 0, err
	}
	return est.Normal, nil
}

// nonceSource is implemented by account-contract clients.
type nonceSource interface {
	NonceAt(ctx context.Context, address string) (uint64, error)
}

func (s *Server) evmTxParams(ctx context.Context, p *TxBuildParams, swap *coordinator.Swap) (txbuilder.EVMTxParams, error) {
	var txParams txbuilder.EVMTxParams

	if p.Nonce != nil {
		txParams.Nonce = *p.Nonce
	} else {
		client, ok := s.clients.Get(swap.Chain)
		if !ok {
			return txParams, fmt.Errorf("no client for chain %s and no nonce given", swap.Chain)
		}
		source, ok := client.(nonceSource)
		if !ok {
			return txParams, fmt.Errorf("client for %s cannot fetch nonces", swap.Chain)
		}
		address, err := s.wallet.DeriveAddress(swap.Chain, p.Account, p.Index)
		if err != nil {
			return txParams, err
		}
		nonce, err := source.NonceAt(ctx, address)
		if err != nil {
			return txParams, err
		}
		txParams.Nonce = nonce
	}

	if p.GasFeeCap > 0 {
		txParams.GasFeeCap = new(big.Int).SetUint64(p.GasFeeCap)
		tip := p.GasTipCap
		if tip == 0 {
			tip = p.GasFeeCap
		}
		txParams.GasTipCap = new(big.Int).SetUint64(tip)
		return txParams, nil
	}

	client, ok := s.clients.Get(swap.Chain)
	if !ok {
		return txParams, fmt.Errorf("no client for chain %s and no gas caps given", swap.Chain)
	}
	est, err := client.EstimateFee(ctx)
	if err != nil {
		return txParams, err
	}
	txParams.GasFeeCap = new(big.Int).SetUint64(est.Fast)
	txParams.GasTipCap = new(big.Int).SetUint64(est.Economy)
	return txParams, nil
}

// SwapBroadcastParams selects a built transaction of a swap for submission.
type SwapBroadcastParams struct {
	SwapID string `json:"swap_id"`

	// Kind picks the transaction when TxID is empty.
	Kind string `json:"kind,omitempty"`
	TxID string `json:"txid,omitempty"`
}

// swapBroadcast submits a persisted swap transaction through the chain
// client, gated on the refund broadcast head, and records the submission with
// the coordinator.
func (s *Server) swapBroadcast(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no transaction store configured")
	}
	var p SwapBroadcastParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.SwapID)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.PendingTransactions(ctx, swap.ID)
	if err != nil {
		return nil, err
	}
	var tx *txbuilder.SwapTransaction
	for _, candidate := range pending {
		if p.TxID != "" && candidate.TxID != p.TxID && candidate.ID != p.TxID {
			continue
		}
		if p.Kind != "" && candidate.Kind != txbuilder.Kind(p.Kind) {
			continue
		}
		tx = candidate
	}
	if tx == nil {
		return nil, fmt.Errorf("no pending transaction for swap %s", swap.ID)
	}

	client, ok := s.clients.Get(swap.Chain)
	if !ok {
		return nil, fmt.Errorf("no client for chain %s", swap.Chain)
	}
	head, err := client.Head(ctx)
	if err != nil {
		return nil, err
	}
	if !tx.Broadcastable(head) {
		return nil, fmt.Errorf("%w: head %d below broadcast gate %d",
			txbuilder.ErrNotExpired, head, tx.MinBroadcastHead)
	}

	txID, err := client.Broadcast(ctx, tx.Raw)
	if err != nil {
		return nil, err
	}

	switch tx.Kind {
	case txbuilder.KindClaim:
		if err := s.coordinator.MarkClaimBroadcast(ctx, swap.ID, txID); err != nil {
			return nil, err
		}
	case txbuilder.KindRefund:
		if err := s.coordinator.MarkRefundBroadcast(ctx, swap.ID, txID); err != nil {
			return nil, err
		}
	}

	tx.Status = txbuilder.StatusBroadcast
	tx.TxID = txID
	if err := s.store.SaveTransaction(ctx, swap.ID, tx); err != nil {
		return nil, err
	}
	return map[string]string{"txid": txID, "kind": string(tx.Kind)}, nil
}

// ========================================
// Observation reports
// ========================================

// SwapReportFundParams reports a confirmed fund transaction. Program is the
// observed locking condition; the coordinator rejects it unless it matches
// the agreed parameters byte-for-byte.
type SwapReportFundParams struct {
	SwapID  string `json:"swap_id"`
	TxID    string `json:"txid"`
	Program string `json:"program"`
	Head    uint64 `json:"head,omitempty"`
}

func (s *Server) swapReportFund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapReportFundParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.SwapID)
	if err != nil {
		return nil, err
	}
	program, err := hex.DecodeString(p.Program)
	if err != nil {
		return nil, fmt.Errorf("invalid program hex: %w", err)
	}
	head, err := s.reportHead(ctx, swap.Chain, p.Head)
	if err != nil {
		return nil, err
	}
	if err := s.coordinator.OnFundConfirmed(ctx, p.SwapID, program, p.TxID, head); err != nil {
		return nil, err
	}
	return swapToResult(swap), nil
}

// SwapReportClaimParams reports an observed claim transaction. When neither
// witness nor call data is given the transaction is fetched from the chain
// client and the unlocking data taken from it.
type SwapReportClaimParams struct {
	SwapID   string   `json:"swap_id"`
	TxID     string   `json:"txid"`
	Witness  []string `json:"witness,omitempty"`
	CallData string   `json:"call_data,omitempty"`
}

func (s *Server) swapReportClaim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapReportClaimParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.SwapID)
	if err != nil {
		return nil, err
	}

	var witness [][]byte
	for _, item := range p.Witness {
		decoded, err := hex.DecodeString(item)
		if err != nil {
			return nil, fmt.Errorf("invalid witness hex: %w", err)
		}
		witness = append(witness, decoded)
	}
	var callData []byte
	if p.CallData != "" {
		callData, err = hex.DecodeString(p.CallData)
		if err != nil {
			return nil, fmt.Errorf("invalid call data hex: %w", err)
		}
	}

	if len(witness) == 0 && len(callData) == 0 {
		client, ok := s.clients.Get(swap.Chain)
		if !ok {
			return nil, fmt.Errorf("no client for chain %s and no unlocking data given", swap.Chain)
		}
		tx, err := client.GetTransaction(ctx, p.TxID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch claim tx: %w", err)
		}
		for _, in := range tx.Inputs {
			for _, item := range in.Witness {
				decoded, err := hex.DecodeString(item)
				if err != nil {
					continue
				}
				witness = append(witness, decoded)
			}
		}
		callData = tx.CallData
	}

	if err := s.coordinator.OnClaimObserved(ctx, p.SwapID, witness, callData, p.TxID); err != nil {
		return nil, err
	}
	return swapToResult(swap), nil
}

// SwapReportExpiryParams reports that a chain head passed a swap's expiry.
type SwapReportExpiryParams struct {
	SwapID string `json:"swap_id"`
	Head   uint64 `json:"head,omitempty"`
}

func (s *Server) swapReportExpiry(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapReportExpiryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.SwapID)
	if err != nil {
		return nil, err
	}
	head, err := s.reportHead(ctx, swap.Chain, p.Head)
	if err != nil {
		return nil, err
	}
	if err := s.coordinator.OnExpiryReached(ctx, p.SwapID, head); err != nil {
		return nil, err
	}
	return swapToResult(swap), nil
}

// SwapReportRefundParams reports a confirmed refund transaction.
type SwapReportRefundParams struct {
	SwapID string `json:"swap_id"`
	TxID   string `json:"txid"`
}

func (s *Server) swapReportRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapReportRefundParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	swap, err := s.coordinator.Get(p.SwapID)
	if err != nil {
		return nil, err
	}
	if err := s.coordinator.OnRefundConfirmed(ctx, p.SwapID, p.TxID); err != nil {
		return nil, err
	}
	return swapToResult(swap), nil
}

func (s *Server) reportHead(ctx context.Context, symbol string, given uint64) (uint64, error) {
	if given > 0 {
		return given, nil
	}
	client, ok := s.clients.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("no client for chain %s and no head given", symbol)
	}
	return client.Head(ctx)
}
