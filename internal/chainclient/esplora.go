package chainclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// EsploraClient serves UTXO-script chains over the Esplora REST API
// (blockstream.info, mempool.space and self-hosted instances).
type EsploraClient struct {
	symbol     string
	baseURL    string
	httpClient *http.Client
}

// NewEsploraClient creates an Esplora client for one chain.
func NewEsploraClient(symbol, baseURL string) *EsploraClient {
	return &EsploraClient{
		symbol:  symbol,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Chain returns the served chain symbol.
func (c *EsploraClient) Chain() string { return c.symbol }

// Head returns the current block height.
func (c *EsploraClient) Head(ctx context.Context) (uint64, error) {
	body, err := c.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", body, err)
	}
	return height, nil
}

// Broadcast submits a raw transaction, returning the txid.
func (c *EsploraClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	payload := hex.EncodeToString(rawTx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrBroadcast, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey string `json:"scriptpubkey"`
		Address      string `json:"scriptpubkey_address"`
		Value        uint64 `json:"value"`
	} `json:"vout"`
}

// GetTransaction fetches a transaction with its witness data.
func (c *EsploraClient) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var raw esploraTx
	if err := c.get(ctx, "/tx/"+txID, &raw); err != nil {
		return nil, err
	}

	tx := &Transaction{
		TxID:        raw.TxID,
		Confirmed:   raw.Status.Confirmed,
		BlockHeight: raw.Status.BlockHeight,
		BlockTime:   raw.Status.BlockTime,
	}
	if raw.Status.Confirmed {
		if head, err := c.Head(ctx); err == nil && int64(head) >= raw.Status.BlockHeight {
			tx.Confirmations = int64(head) - raw.Status.BlockHeight + 1
		} else {
			tx.Confirmations = 1
		}
	}
	for _, in := range raw.Vin {
		tx.Inputs = append(tx.Inputs, TxInput{
			TxID:     in.TxID,
			Vout:     in.Vout,
			Witness:  in.Witness,
			Sequence: in.Sequence,
		})
	}
	for _, out := range raw.Vout {
		tx.Outputs = append(tx.Outputs, TxOutput{
			ScriptPubKey: out.ScriptPubKey,
			Address:      out.Address,
			Value:        out.Value,
		})
	}
	return tx, nil
}

// UTXOs lists unspent outputs of an address.
func (c *EsploraClient) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}
	if err := c.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	head, err := c.Head(ctx)
	if err != nil {
		head = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confirmations int64
		if u.Status.Confirmed && u.Status.BlockHeight > 0 && head > 0 {
			confirmations = int64(head) - u.Status.BlockHeight + 1
		} else if u.Status.Confirmed {
			confirmations = 1
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations,
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// EstimateFee quotes sat/vB fee rates from the fee-estimates endpoint.
func (c *EsploraClient) EstimateFee(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := c.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}
	est := &FeeEstimate{
		Fast:    uint64(result["1"]),
		Normal:  uint64(result["6"]),
		Economy: uint64(result["144"]),
	}
	if est.Fast == 0 {
		est.Fast = 1
	}
	if est.Normal == 0 {
		est.Normal = 1
	}
	if est.Economy == 0 {
		est.Economy = 1
	}
	return est, nil
}

// Close releases the client's resources.
func (c *EsploraClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *EsploraClient) get(ctx context.Context, endpoint string, out interface{}) error {
	body, err := c.getRaw(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *EsploraClient) getRaw(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	return io.ReadAll(resp.Body)
}

var _ Client = (*EsploraClient)(nil)
