// Package chain defines parameters for every blockchain the swap engine knows about.
// All chain-specific constants live here - the rest of the codebase asks the registry.
package chain

import "github.com/btcsuite/btcd/chaincfg"

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Family represents the transaction/contract model of a blockchain.
type Family string

const (
	// FamilyUTXOScript covers Bitcoin-style chains: script locking conditions,
	// absolute block-height locktimes, P2WSH deposit addresses.
	FamilyUTXOScript Family = "utxo-script"

	// FamilyAccountContract covers EVM chains: a fixed HTLC contract,
	// ABI-encoded calls, block-timestamp locks.
	FamilyAccountContract Family = "account-contract"

	// FamilyUTXOContract covers Bytom-style chains: an Equity HTLC program
	// instantiated per swap, block-height locks.
	FamilyUTXOContract Family = "utxo-contract"
)

// ExpiryKind says how a chain expresses an HTLC expiry.
type ExpiryKind string

const (
	ExpiryHeight    ExpiryKind = "height"
	ExpiryTimestamp ExpiryKind = "timestamp"
)

// HashScheme selects the digest the chain's locking condition applies to the secret.
type HashScheme string

const (
	HashSHA256  HashScheme = "sha256"  // single SHA-256 (contract-VM chains)
	HashSHA256d HashScheme = "sha256d" // double SHA-256 (Bitcoin script OP_HASH256)
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string // BTC, ETH, XDC, BTM, VAPOR
	Name     string
	Family   Family
	Decimals uint8

	// HTLC semantics
	ExpiryKind ExpiryKind
	HashScheme HashScheme

	// SafeExpiryMargin is the minimum distance between the current head and a
	// usable expiry, in blocks (ExpiryHeight) or seconds (ExpiryTimestamp).
	// Materializing a contract closer to its expiry than this is refused.
	SafeExpiryMargin uint64

	// HD derivation (BIP44/BIP84)
	Purpose  uint32
	CoinType uint32

	// UTXO-script params
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string

	// Account-contract params
	ChainID      uint64
	HTLCContract string // deployed native-coin HTLC contract (0x...)
	TokenHTLC    string // deployed token (ERC20/XRC20) HTLC contract (0x...)

	// UTXO-contract params
	ContractHRP string // bech32 HRP for contract addresses (bm, vp, ...)
	AssetID     string // native asset identifier, hex
}

// ChaincfgParams maps a UTXO-script chain onto btcd network parameters.
// Returns nil for non-UTXO chains.
func (p *Params) ChaincfgParams() *chaincfg.Params {
	if p.Family != FamilyUTXOScript {
		return nil
	}
	switch p.Bech32HRP {
	case "bc":
		return &chaincfg.MainNetParams
	case "tb":
		return &chaincfg.TestNet3Params
	default:
		// Forks reuse mainnet consensus rules with their own prefixes.
		params := chaincfg.MainNetParams
		params.Name = p.Name
		params.Bech32HRPSegwit = p.Bech32HRP
		params.PubKeyHashAddrID = p.PubKeyHashAddrID
		params.ScriptHashAddrID = p.ScriptHashAddrID
		return &params
	}
}

// Registry holds all chain parameters indexed by symbol and network.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ListByFamily returns all chains of a given family.
func ListByFamily(family Family) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Family == family {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
