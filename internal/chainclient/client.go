// Package chainclient provides read and broadcast access to the supported
// chains. Clients never see private keys - signing happens in the signer and
// txbuilder packages, a client only observes state and submits raw bytes.
package chainclient

import (
	"context"
	"errors"

	"github.com/atomicmesh/atomicmesh/internal/chain"
)

// Common errors
var (
	ErrNotConnected = errors.New("chain client not connected")
	ErrNotFound     = errors.New("transaction not found")
	ErrBroadcast    = errors.New("broadcast rejected")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnsupported  = errors.New("unsupported chain")
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// TxInput is one input of an observed transaction.
type TxInput struct {
	TxID     string   `json:"txid"`
	Vout     uint32   `json:"vout"`
	Witness  []string `json:"witness,omitempty"` // hex encoded items
	Sequence uint32   `json:"sequence"`
}

// TxOutput is one output of an observed transaction.
type TxOutput struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Address      string `json:"scriptpubkey_address,omitempty"`
	Value        uint64 `json:"value"`
}

// Transaction is a chain transaction as observed by a client. For
// account-contract chains Inputs/Outputs are empty and CallData carries the
// contract call payload instead.
type Transaction struct {
	TxID          string     `json:"txid"`
	Confirmed     bool       `json:"confirmed"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin,omitempty"`
	Outputs       []TxOutput `json:"vout,omitempty"`
	CallData      []byte     `json:"-"`
	To            string     `json:"to,omitempty"`
}

// FeeEstimate is a per-chain fee quote in the chain's native fee unit:
// sat/vB, wei gas price, or NEU per byte.
type FeeEstimate struct {
	Fast    uint64 `json:"fast"`
	Normal  uint64 `json:"normal"`
	Economy uint64 `json:"economy"`
}

// Client is the narrow chain access surface the swap engine needs.
type Client interface {
	// Chain returns the symbol this client serves.
	Chain() string

	// Head returns the current chain head in the chain's expiry unit:
	// block height for height-expiry chains, latest block timestamp for
	// timestamp-expiry chains.
	Head(ctx context.Context) (uint64, error)

	// Broadcast submits a signed raw transaction and returns its ID.
	Broadcast(ctx context.Context, rawTx []byte) (string, error)

	// GetTransaction fetches an observed transaction by ID.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// UTXOs lists unspent outputs of an address. Account-contract clients
	// return ErrUnsupported.
	UTXOs(ctx context.Context, address string) ([]UTXO, error)

	// EstimateFee quotes current fee levels.
	EstimateFee(ctx context.Context) (*FeeEstimate, error)

	// Close releases the client's resources.
	Close() error
}

// Endpoint configures one chain's client.
type Endpoint struct {
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`
	Timeout    int    `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultEndpoints returns public endpoints for all supported chains.
func DefaultEndpoints() map[string]*Endpoint {
	return map[string]*Endpoint{
		"BTC": {
			MainnetURL: "https://blockstream.info/api",
			TestnetURL: "https://blockstream.info/testnet/api",
		},
		"ETH": {
			MainnetURL: "https://eth.llamarpc.com",
			TestnetURL: "https://ethereum-sepolia-rpc.publicnode.com",
		},
		"XDC": {
			MainnetURL: "https://rpc.xinfin.network",
			TestnetURL: "https://rpc.apothem.network",
		},
		"BTM": {
			MainnetURL: "https://blockmeta.com/api/v3",
			TestnetURL: "https://blockmeta.com/api/wisdom",
		},
		"VAPOR": {
			MainnetURL: "https://vapor.blockmeta.com/api/v1",
			TestnetURL: "",
		},
	}
}

// Registry holds one client per chain symbol.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// NewDefaultRegistry builds clients for every supported chain on a network
// from the default endpoints.
func NewDefaultRegistry(network chain.Network) *Registry {
	r := NewRegistry()
	for symbol, ep := range DefaultEndpoints() {
		url := ep.MainnetURL
		if network == chain.Testnet {
			url = ep.TestnetURL
		}
		if url == "" {
			continue
		}
		params, ok := chain.Get(symbol, network)
		if !ok {
			continue
		}
		switch params.Family {
		case chain.FamilyUTXOScript:
			r.Register(symbol, NewEsploraClient(symbol, url))
		case chain.FamilyAccountContract:
			r.Register(symbol, NewEVMClient(symbol, url))
		case chain.FamilyUTXOContract:
			r.Register(symbol, NewBytomClient(symbol, url))
		}
	}
	return r
}

// Register adds a client for a chain symbol.
func (r *Registry) Register(symbol string, client Client) {
	r.clients[symbol] = client
}

// Get returns the client for a symbol.
func (r *Registry) Get(symbol string) (Client, bool) {
	c, ok := r.clients[symbol]
	return c, ok
}

// List returns all registered symbols.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.clients))
	for s := range r.clients {
		symbols = append(symbols, s)
	}
	return symbols
}

// CloseAll closes every registered client.
func (r *Registry) CloseAll() {
	for _, c := range r.clients {
		c.Close()
	}
}
