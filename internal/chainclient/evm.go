package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClient serves account-contract chains through go-ethereum's RPC client.
// The connection is dialed lazily on first use.
type EVMClient struct {
	symbol string
	rawURL string

	mu     sync.Mutex
	client *ethclient.Client
}

// NewEVMClient creates a client for one EVM chain.
func NewEVMClient(symbol, rawURL string) *EVMClient {
	return &EVMClient{symbol: symbol, rawURL: rawURL}
}

// Chain returns the served chain symbol.
func (c *EVMClient) Chain() string { return c.symbol }

func (c *EVMClient) conn(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.client = client
	return client, nil
}

// Head returns the latest block timestamp. EVM HTLCs expire on block time, so
// the head is a timestamp, not a height.
func (c *EVMClient) Head(ctx context.Context) (uint64, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch latest header: %w", err)
	}
	return header.Time, nil
}

// BlockNumber returns the latest block height, for confirmation counting.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// Broadcast submits an RLP-encoded signed transaction.
func (c *EVMClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return "", err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("%w: undecodable transaction: %v", ErrBroadcast, err)
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	return tx.Hash().Hex(), nil
}

// GetTransaction fetches a transaction and its receipt state. CallData carries
// the contract call payload for secret recovery.
func (c *EVMClient) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	hash := common.HexToHash(txID)
	tx, pending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	result := &Transaction{
		TxID:     tx.Hash().Hex(),
		CallData: tx.Data(),
	}
	if to := tx.To(); to != nil {
		result.To = strings.ToLower(to.Hex())
	}
	if pending {
		return result, nil
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		return result, nil
	}
	result.Confirmed = receipt.Status == types.ReceiptStatusSuccessful
	result.BlockHeight = receipt.BlockNumber.Int64()
	if head, err := client.BlockNumber(ctx); err == nil && head >= receipt.BlockNumber.Uint64() {
		result.Confirmations = int64(head-receipt.BlockNumber.Uint64()) + 1
	}
	return result, nil
}

// UTXOs is not meaningful on account chains.
func (c *EVMClient) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return nil, fmt.Errorf("%w: %s is an account chain", ErrUnsupported, c.symbol)
}

// EstimateFee quotes the suggested gas tip and head base fee in wei.
func (c *EVMClient) EstimateFee(ctx context.Context) (*FeeEstimate, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas tip: %w", err)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// Fast doubles the base fee headroom, economy rides the current base fee.
	normal := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	fast := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(3)))
	economy := new(big.Int).Add(tip, baseFee)
	return &FeeEstimate{
		Fast:    fast.Uint64(),
		Normal:  normal.Uint64(),
		Economy: economy.Uint64(),
	}, nil
}

// NonceAt returns the pending nonce of an address.
func (c *EVMClient) NonceAt(ctx context.Context, address string) (uint64, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, common.HexToAddress(address))
}

// Close releases the client's resources.
func (c *EVMClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

var _ Client = (*EVMClient)(nil)
