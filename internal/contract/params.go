// Package contract defines the chain-agnostic HTLC contract parameter set and
// the resolver that validates raw swap-proposal inputs into it.
// Parameters are immutable once a fund transaction references them; both swap
// parties must resolve byte-identical parameters before any funds move.
package contract

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atomicmesh/atomicmesh/internal/chain"
)

// Package errors.
var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidExpiry   = errors.New("invalid expiry")
	ErrInvalidAsset    = errors.New("invalid asset")
	ErrUnknownChain    = errors.New("unknown chain")
)

// Identity is a swap party, polymorphic over the chain family:
// a compressed secp256k1 public key (UTXO-script), a 0x address
// (account-contract), or an ed25519 public key (UTXO-contract).
type Identity struct {
	PubKey  []byte `json:"pub_key,omitempty"`
	Address string `json:"address,omitempty"`
}

// Expiry is the refund activation point, polymorphic over block height and
// block timestamp.
type Expiry struct {
	Kind  chain.ExpiryKind `json:"kind"`
	Value uint64           `json:"value"`
}

// Asset identifies what is locked: the chain's native coin unless a token
// address (ERC20/XRC20) or asset ID (Bytom) says otherwise.
type Asset struct {
	Symbol       string `json:"symbol"`
	TokenAddress string `json:"token_address,omitempty"`
	AssetID      string `json:"asset_id,omitempty"`
}

// Parameters is the agreed contract parameter set for one leg of a swap.
type Parameters struct {
	Chain      string        `json:"chain"`
	Network    chain.Network `json:"network"`
	SecretHash []byte        `json:"-"`
	Recipient  Identity      `json:"recipient"`
	Sender     Identity      `json:"sender"`
	Expiry     Expiry        `json:"expiry"`
	Asset      Asset         `json:"asset"`
	Amount     uint64        `json:"amount"`
}

// paramsJSON is the wire form: byte fields hex-encoded for the out-of-band
// channel between the two participants.
type paramsJSON struct {
	Chain      string        `json:"chain"`
	Network    chain.Network `json:"network"`
	SecretHash string        `json:"secret_hash"`
	Recipient  identityJSON  `json:"recipient"`
	Sender     identityJSON  `json:"sender"`
	Expiry     Expiry        `json:"expiry"`
	Asset      Asset         `json:"asset"`
	Amount     uint64        `json:"amount"`
}

type identityJSON struct {
	PubKey  string `json:"pub_key,omitempty"`
	Address string `json:"address,omitempty"`
}

// MarshalJSON encodes parameters in their stable wire form.
func (p *Parameters) MarshalJSON() ([]byte, error) {
	return json.Marshal(paramsJSON{
		Chain:      p.Chain,
		Network:    p.Network,
		SecretHash: hex.EncodeToString(p.SecretHash),
		Recipient:  identityJSON{PubKey: hex.EncodeToString(p.Recipient.PubKey), Address: p.Recipient.Address},
		Sender:     identityJSON{PubKey: hex.EncodeToString(p.Sender.PubKey), Address: p.Sender.Address},
		Expiry:     p.Expiry,
		Asset:      p.Asset,
		Amount:     p.Amount,
	})
}

// UnmarshalJSON decodes parameters from their stable wire form.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	var w paramsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	secretHash, err := hex.DecodeString(w.SecretHash)
	if err != nil {
		return fmt.Errorf("invalid secret hash hex: %w", err)
	}
	recipientKey, err := hex.DecodeString(w.Recipient.PubKey)
	if err != nil {
		return fmt.Errorf("invalid recipient pubkey hex: %w", err)
	}
	senderKey, err := hex.DecodeString(w.Sender.PubKey)
	if err != nil {
		return fmt.Errorf("invalid sender pubkey hex: %w", err)
	}
	p.Chain = w.Chain
	p.Network = w.Network
	p.SecretHash = secretHash
	p.Recipient = Identity{PubKey: recipientKey, Address: w.Recipient.Address}
	p.Sender = Identity{PubKey: senderKey, Address: w.Sender.Address}
	p.Expiry = w.Expiry
	p.Asset = w.Asset
	p.Amount = w.Amount
	return nil
}

// ChainParams looks up the registry entry for these parameters.
func (p *Parameters) ChainParams() (*chain.Params, error) {
	params, ok := chain.Get(p.Chain, p.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownChain, p.Chain, p.Network)
	}
	return params, nil
}

// Resolve validates a raw proposal into an immutable parameter set.
// head is the current observed chain head (height or timestamp, matching the
// chain's expiry kind); the expiry must be strictly beyond it so the refund
// path is never immediately exercisable.
func Resolve(symbol string, network chain.Network, recipient, sender Identity, secretHash []byte, expiry uint64, asset Asset, amount uint64, head uint64) (*Parameters, error) {
	chainParams, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownChain, symbol, network)
	}

	if len(secretHash) != 32 {
		return nil, fmt.Errorf("%w: secret hash must be 32 bytes, got %d", ErrInvalidIdentity, len(secretHash))
	}
	if expiry <= head {
		return nil, fmt.Errorf("%w: expiry %d not beyond current head %d (%s)",
			ErrInvalidExpiry, expiry, head, chainParams.ExpiryKind)
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAsset)
	}

	if err := validateIdentity(recipient, chainParams); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if err := validateIdentity(sender, chainParams); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := validateAsset(asset, chainParams); err != nil {
		return nil, err
	}

	hashCopy := make([]byte, 32)
	copy(hashCopy, secretHash)

	return &Parameters{
		Chain:      symbol,
		Network:    network,
		SecretHash: hashCopy,
		Recipient:  recipient,
		Sender:     sender,
		Expiry:     Expiry{Kind: chainParams.ExpiryKind, Value: expiry},
		Asset:      asset,
		Amount:     amount,
	}, nil
}

// validateIdentity checks the identity representation required by the family.
func validateIdentity(id Identity, params *chain.Params) error {
	switch params.Family {
	case chain.FamilyUTXOScript:
		if len(id.PubKey) != 33 {
			return fmt.Errorf("%w: need 33-byte compressed public key, got %d bytes", ErrInvalidIdentity, len(id.PubKey))
		}
		if _, err := btcec.ParsePubKey(id.PubKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
	case chain.FamilyAccountContract:
		if !common.IsHexAddress(id.Address) {
			return fmt.Errorf("%w: %q is not a hex address", ErrInvalidIdentity, id.Address)
		}
	case chain.FamilyUTXOContract:
		if len(id.PubKey) != 32 {
			return fmt.Errorf("%w: need 32-byte ed25519 public key, got %d bytes", ErrInvalidIdentity, len(id.PubKey))
		}
	default:
		return fmt.Errorf("%w: unknown family %s", ErrInvalidIdentity, params.Family)
	}
	return nil
}

// validateAsset checks the asset matches what the family can lock.
func validateAsset(asset Asset, params *chain.Params) error {
	if asset.Symbol != params.Symbol {
		return fmt.Errorf("%w: asset symbol %s does not match chain %s", ErrInvalidAsset, asset.Symbol, params.Symbol)
	}
	switch params.Family {
	case chain.FamilyAccountContract:
		if asset.TokenAddress != "" && !common.IsHexAddress(asset.TokenAddress) {
			return fmt.Errorf("%w: token address %q is not a hex address", ErrInvalidAsset, asset.TokenAddress)
		}
	case chain.FamilyUTXOContract:
		if asset.AssetID == "" {
			return fmt.Errorf("%w: asset ID required for %s", ErrInvalidAsset, params.Symbol)
		}
		if _, err := hex.DecodeString(asset.AssetID); err != nil {
			return fmt.Errorf("%w: asset ID must be hex: %v", ErrInvalidAsset, err)
		}
	default:
		if asset.TokenAddress != "" || asset.AssetID != "" {
			return fmt.Errorf("%w: %s only locks the native coin", ErrInvalidAsset, params.Symbol)
		}
	}
	return nil
}
