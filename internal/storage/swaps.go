// Swap leg persistence. Storage implements coordinator.Store so the
// coordinator survives restarts with its state machine intact.
package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/internal/txbuilder"
)

// SaveSwap inserts or updates a swap leg.
func (s *Storage) SaveSwap(ctx context.Context, swap *coordinator.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(swap.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	var program, address, lockID string
	if swap.Instance != nil {
		program = hex.EncodeToString(swap.Instance.Program)
		address = swap.Instance.Address
		lockID = hex.EncodeToString(swap.Instance.LockID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swaps (
			id, state, chain, network, params, program, address, lock_id,
			secret, fund_txid, claim_txid, refund_txid, funded_head,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			secret = excluded.secret,
			fund_txid = excluded.fund_txid,
			claim_txid = excluded.claim_txid,
			refund_txid = excluded.refund_txid,
			funded_head = excluded.funded_head,
			updated_at = excluded.updated_at
	`,
		swap.ID, string(swap.State), swap.Chain, string(swap.Network),
		string(paramsJSON), program, address, lockID,
		hex.EncodeToString(swap.Secret),
		swap.FundTxID, swap.ClaimTxID, swap.RefundTxID, swap.FundedHead,
		swap.CreatedAt.Unix(), swap.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap %s: %w", swap.ID, err)
	}
	return nil
}

// LoadSwap fetches one swap leg by ID.
func (s *Storage) LoadSwap(ctx context.Context, id string) (*coordinator.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, chain, network, params, program, address, lock_id,
		       secret, fund_txid, claim_txid, refund_txid, funded_head,
		       created_at, updated_at
		FROM swaps WHERE id = ?
	`, id)
	swap, err := scanSwap(row)
	if err == sql.ErrNoRows {
		return nil, coordinator.ErrSwapNotFound
	}
	return swap, err
}

// ListSwaps returns every persisted swap leg.
func (s *Storage) ListSwaps(ctx context.Context) ([]*coordinator.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, chain, network, params, program, address, lock_id,
		       secret, fund_txid, claim_txid, refund_txid, funded_head,
		       created_at, updated_at
		FROM swaps ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*coordinator.Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row rowScanner) (*coordinator.Swap, error) {
	var (
		swap                     coordinator.Swap
		state, network           string
		paramsJSON               string
		program, address, lockID string
		secretHex                string
		createdAt, updatedAt     int64
	)
	err := row.Scan(
		&swap.ID, &state, &swap.Chain, &network, &paramsJSON,
		&program, &address, &lockID, &secretHex,
		&swap.FundTxID, &swap.ClaimTxID, &swap.RefundTxID, &swap.FundedHead,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	swap.State = coordinator.State(state)
	swap.Network = chain.Network(network)
	swap.CreatedAt = time.Unix(createdAt, 0).UTC()
	swap.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	params := new(contract.Parameters)
	if err := json.Unmarshal([]byte(paramsJSON), params); err != nil {
		return nil, fmt.Errorf("failed to decode params for swap %s: %w", swap.ID, err)
	}
	swap.Params = params

	programBytes, err := hex.DecodeString(program)
	if err != nil {
		return nil, fmt.Errorf("invalid program hex for swap %s: %w", swap.ID, err)
	}
	lockIDBytes, err := hex.DecodeString(lockID)
	if err != nil {
		return nil, fmt.Errorf("invalid lock ID hex for swap %s: %w", swap.ID, err)
	}
	chainParams, err := params.ChainParams()
	if err != nil {
		return nil, err
	}
	swap.Instance = &adapter.Instance{
		Family:  chainParams.Family,
		Params:  params,
		Program: programBytes,
		Address: address,
		LockID:  lockIDBytes,
	}

	if secretHex != "" {
		swap.Secret, err = hex.DecodeString(secretHex)
		if err != nil {
			return nil, fmt.Errorf("invalid secret hex for swap %s: %w", swap.ID, err)
		}
	}
	return &swap, nil
}

// SaveTransaction persists a built swap transaction for rebroadcast.
func (s *Storage) SaveTransaction(ctx context.Context, swapID string, tx *txbuilder.SwapTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swap_transactions (
			id, swap_id, kind, chain, network, status, raw, txid, fee,
			min_broadcast_head, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			txid = excluded.txid
	`,
		tx.ID, swapID, string(tx.Kind), tx.Chain, string(tx.Network),
		string(tx.Status), hex.EncodeToString(tx.Raw), tx.TxID, tx.Fee,
		tx.MinBroadcastHead, tx.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
	}
	return nil
}

// PendingTransactions returns signed transactions not yet confirmed, for the
// rebroadcast loop. Refund transactions still below their broadcast gate are
// included; the caller checks Broadcastable against the current head.
func (s *Storage) PendingTransactions(ctx context.Context, swapID string) ([]*txbuilder.SwapTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chain, network, status, raw, txid, fee,
		       min_broadcast_head, created_at
		FROM swap_transactions
		WHERE swap_id = ? AND status IN ('signed', 'broadcast')
		ORDER BY created_at ASC
	`, swapID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*txbuilder.SwapTransaction
	for rows.Next() {
		var (
			tx            txbuilder.SwapTransaction
			kind, network string
			status        string
			rawHex        string
			createdAt     int64
		)
		if err := rows.Scan(&tx.ID, &kind, &tx.Chain, &network, &status,
			&rawHex, &tx.TxID, &tx.Fee, &tx.MinBroadcastHead, &createdAt); err != nil {
			return nil, err
		}
		tx.Kind = txbuilder.Kind(kind)
		tx.Network = chain.Network(network)
		tx.Status = txbuilder.Status(status)
		tx.CreatedAt = time.Unix(createdAt, 0).UTC()
		tx.Raw, err = hex.DecodeString(rawHex)
		if err != nil {
			return nil, fmt.Errorf("invalid raw hex for transaction %s: %w", tx.ID, err)
		}
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

var _ coordinator.Store = (*Storage)(nil)
