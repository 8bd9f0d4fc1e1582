package chainclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BytomClient serves UTXO-contract chains through the bytomd-style JSON API
// exposed by blockmeta and self-hosted nodes.
type BytomClient struct {
	symbol     string
	baseURL    string
	httpClient *http.Client
}

// NewBytomClient creates a client for one Equity program chain.
func NewBytomClient(symbol, baseURL string) *BytomClient {
	return &BytomClient{
		symbol:  symbol,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Chain returns the served chain symbol.
func (c *BytomClient) Chain() string { return c.symbol }

// Head returns the current block height.
func (c *BytomClient) Head(ctx context.Context) (uint64, error) {
	var result struct {
		BlockCount uint64 `json:"block_count"`
	}
	if err := c.post(ctx, "/get-block-count", nil, &result); err != nil {
		return 0, err
	}
	return result.BlockCount, nil
}

// Broadcast submits a signed raw transaction, returning the tx ID.
func (c *BytomClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	req := map[string]string{"raw_transaction": hex.EncodeToString(rawTx)}
	var result struct {
		TxID string `json:"tx_id"`
	}
	if err := c.post(ctx, "/submit-transaction", req, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	return result.TxID, nil
}

type bytomTx struct {
	TxID        string `json:"tx_id"`
	BlockHeight int64  `json:"block_height"`
	BlockTime   int64  `json:"block_timestamp"`
	StatusFail  bool   `json:"status_fail"`
	Inputs      []struct {
		TxID      string   `json:"spent_output_id"`
		Arguments []string `json:"witness_arguments"`
	} `json:"inputs"`
	Outputs []struct {
		ControlProgram string `json:"control_program"`
		Address        string `json:"address"`
		Amount         uint64 `json:"amount"`
	} `json:"outputs"`
}

// GetTransaction fetches a transaction with its witness arguments.
func (c *BytomClient) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	req := map[string]string{"tx_id": txID}
	var result bytomTx
	if err := c.post(ctx, "/get-transaction", req, &result); err != nil {
		return nil, err
	}

	tx := &Transaction{
		TxID:        result.TxID,
		Confirmed:   result.BlockHeight > 0 && !result.StatusFail,
		BlockHeight: result.BlockHeight,
		BlockTime:   result.BlockTime,
	}
	if tx.Confirmed {
		if head, err := c.Head(ctx); err == nil && int64(head) >= result.BlockHeight {
			tx.Confirmations = int64(head) - result.BlockHeight + 1
		} else {
			tx.Confirmations = 1
		}
	}
	for _, in := range result.Inputs {
		tx.Inputs = append(tx.Inputs, TxInput{
			TxID:    in.TxID,
			Witness: in.Arguments,
		})
	}
	for _, out := range result.Outputs {
		tx.Outputs = append(tx.Outputs, TxOutput{
			ScriptPubKey: out.ControlProgram,
			Address:      out.Address,
			Value:        out.Amount,
		})
	}
	return tx, nil
}

// UTXOs lists unspent outputs controlled by an address's program.
func (c *BytomClient) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	req := map[string]interface{}{"address": address, "unconfirmed": false}
	var result []struct {
		ID      string `json:"id"`
		Program string `json:"program"`
		Amount  uint64 `json:"amount"`
		Height  int64  `json:"valid_height"`
	}
	if err := c.post(ctx, "/list-unspent-outputs", req, &result); err != nil {
		return nil, err
	}
	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:         u.ID,
			Amount:       u.Amount,
			ScriptPubKey: u.Program,
			BlockHeight:  u.Height,
		}
	}
	return utxos, nil
}

// EstimateFee quotes a flat NEU fee schedule; the chain has no fee market.
func (c *BytomClient) EstimateFee(ctx context.Context) (*FeeEstimate, error) {
	return &FeeEstimate{
		Fast:    40000000,
		Normal:  10000000,
		Economy: 449000,
	}, nil
}

// Close releases the client's resources.
func (c *BytomClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *BytomClient) post(ctx context.Context, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	// Node wraps responses in {"status": "...", "data": ...}.
	var envelope struct {
		Status string          `json:"status"`
		Msg    string          `json:"msg"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	if envelope.Status != "success" {
		if strings.Contains(envelope.Msg, "not found") {
			return ErrNotFound
		}
		return fmt.Errorf("%s: %s", endpoint, envelope.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", endpoint, err)
	}
	return nil
}

var _ Client = (*BytomClient)(nil)
