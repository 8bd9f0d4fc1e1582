// Package coordinator tracks each swap leg through its lifecycle and enforces
// event ordering. Chain observations (fund confirmed, claim seen, expiry
// passed, refund confirmed) arrive from watchers; the coordinator validates
// them against the swap's materialized contract and advances the state.
//
// The fund gate is the engine's safety property: a fund confirmation whose
// on-chain locking condition differs from the locally recomputed instance is
// rejected, the swap never leaves Initiated on foreign terms.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/internal/secret"
	"github.com/atomicmesh/atomicmesh/pkg/logging"
)

// Package errors.
var (
	ErrSwapNotFound     = errors.New("swap not found")
	ErrOutOfOrderEvent  = errors.New("event out of order for swap state")
	ErrContractMismatch = errors.New("on-chain contract does not match agreed parameters")
	ErrSecretMismatch   = errors.New("revealed secret does not match hash")
)

// State is a swap leg's lifecycle position.
type State string

const (
	// StateInitiated: parameters agreed, nothing on chain yet.
	StateInitiated State = "initiated"

	// StateFunded: fund transaction confirmed against a verified instance.
	StateFunded State = "funded"

	// StateClaimPending: our claim transaction is broadcast, not yet confirmed.
	StateClaimPending State = "claim_pending"

	// StateClaimed: claim confirmed, secret known.
	StateClaimed State = "claimed"

	// StateExpired: the expiry passed while still funded; refund is eligible.
	StateExpired State = "expired"

	// StateRefundPending: our refund transaction is broadcast, not yet confirmed.
	StateRefundPending State = "refund_pending"

	// StateRefunded: refund confirmed.
	StateRefunded State = "refunded"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateClaimed || s == StateRefunded
}

// Swap is one tracked swap leg.
type Swap struct {
	ID      string        `json:"id"`
	State   State         `json:"state"`
	Chain   string        `json:"chain"`
	Network chain.Network `json:"network"`

	Params   *contract.Parameters `json:"params"`
	Instance *adapter.Instance    `json:"-"`

	// Secret is set at creation for the leg we initiated, or learned from an
	// observed claim.
	Secret []byte `json:"-"`

	FundTxID   string `json:"fund_txid,omitempty"`
	ClaimTxID  string `json:"claim_txid,omitempty"`
	RefundTxID string `json:"refund_txid,omitempty"`

	// FundedHead is the chain head recorded when the fund confirmed; refund
	// eligibility is measured from the expiry against heads at or beyond it.
	FundedHead uint64 `json:"funded_head,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExpiredUnfunded reports whether the expiry passed before anything was
// funded. There is no money to recover, so the state is terminal: unlike a
// funded Expired swap it accepts no refund path and no late fund.
func (s *Swap) ExpiredUnfunded() bool {
	return s.State == StateExpired && s.FundTxID == ""
}

// Store persists swaps across restarts.
type Store interface {
	SaveSwap(ctx context.Context, swap *Swap) error
	LoadSwap(ctx context.Context, id string) (*Swap, error)
	ListSwaps(ctx context.Context) ([]*Swap, error)
}

// Event is emitted on every state transition.
type Event struct {
	SwapID string    `json:"swap_id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	TxID   string    `json:"txid,omitempty"`
	At     time.Time `json:"at"`
}

// Coordinator manages all tracked swaps.
type Coordinator struct {
	mu    sync.RWMutex
	swaps map[string]*Swap

	store Store
	log   *logging.Logger

	subMu sync.Mutex
	subs  []chan Event
}

// New creates a coordinator. store may be nil for ephemeral tracking.
func New(store Store, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Default()
	}
	return &Coordinator{
		swaps: make(map[string]*Swap),
		store: store,
		log:   log.Component("coordinator"),
	}
}

// Restore loads persisted swaps back into memory.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	swaps, err := c.store.ListSwaps(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore swaps: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, swap := range swaps {
		c.swaps[swap.ID] = swap
	}
	c.log.Info("restored swaps", "count", len(swaps))
	return nil
}

// Track registers a new swap leg in Initiated. The instance must already be
// materialized from the agreed parameters; secret is non-nil only on the leg
// whose owner generated it.
func (c *Coordinator) Track(ctx context.Context, params *contract.Parameters, instance *adapter.Instance, secretBytes []byte) (*Swap, error) {
	now := time.Now().UTC()
	swap := &Swap{
		ID:        uuid.NewString(),
		State:     StateInitiated,
		Chain:     params.Chain,
		Network:   params.Network,
		Params:    params,
		Instance:  instance,
		Secret:    secretBytes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.mu.Lock()
	c.swaps[swap.ID] = swap
	c.mu.Unlock()

	if err := c.persist(ctx, swap); err != nil {
		return nil, err
	}
	c.log.Info("tracking swap", "id", swap.ID, "chain", swap.Chain, "address", instance.Address)
	return swap, nil
}

// Get returns a tracked swap.
func (c *Coordinator) Get(id string) (*Swap, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	swap, ok := c.swaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return swap, nil
}

// List returns all tracked swaps.
func (c *Coordinator) List() []*Swap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Swap, 0, len(c.swaps))
	for _, swap := range c.swaps {
		out = append(out, swap)
	}
	return out
}

// Subscribe returns a channel receiving every state transition.
func (c *Coordinator) Subscribe() <-chan Event {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan Event, 16)
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Coordinator) emit(event Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop rather than block transitions.
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, swap *Swap) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveSwap(ctx, swap); err != nil {
		return fmt.Errorf("failed to persist swap %s: %w", swap.ID, err)
	}
	return nil
}

func (c *Coordinator) transition(ctx context.Context, swap *Swap, to State, txID string) error {
	from := swap.State
	swap.State = to
	swap.UpdatedAt = time.Now().UTC()
	if err := c.persist(ctx, swap); err != nil {
		return err
	}
	c.log.Info("swap transition", "id", swap.ID, "from", from, "to", to, "txid", txID)
	c.emit(Event{SwapID: swap.ID, From: from, To: to, TxID: txID, At: swap.UpdatedAt})
	return nil
}

// staleEvent logs and swallows an event arriving after a terminal state.
func (c *Coordinator) staleEvent(swap *Swap, event string) {
	c.log.Warn("stale event ignored", "id", swap.ID, "state", swap.State, "event", event)
}

// OnFundConfirmed records a confirmed fund transaction. The observed locking
// condition is recomputed from the agreed parameters and must match
// byte-for-byte, otherwise ErrContractMismatch: money on the wrong contract
// is not our swap.
func (c *Coordinator) OnFundConfirmed(ctx context.Context, id string, observedProgram []byte, txID string, head uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	swap, ok := c.swaps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}

	if swap.State.Terminal() || swap.ExpiredUnfunded() {
		c.staleEvent(swap, "fund_confirmed")
		return nil
	}
	if swap.State != StateInitiated {
		if swap.State == StateFunded && swap.FundTxID == txID {
			// Re-observation of the same confirmation.
			return nil
		}
		return fmt.Errorf("%w: fund confirmed in state %s", ErrOutOfOrderEvent, swap.State)
	}

	chainAdapter, err := adapter.ForChain(swap.Chain, swap.Network)
	if err != nil {
		return err
	}
	// Verification replays materialization, so the head passed here must keep
	// the expiry margin satisfiable; funding this late is itself unsafe.
	ok, err = chainAdapter.VerifyInstance(observedProgram, swap.Params, head)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: swap %s, tx %s", ErrContractMismatch, id, txID)
	}

	swap.FundTxID = txID
	swap.FundedHead = head
	return c.transition(ctx, swap, StateFunded, txID)
}

// MarkClaimBroadcast records our own claim transaction submission.
func (c *Coordinator) MarkClaimBroadcast(ctx context.Context, id, txID string) error {
	return c.markBroadcast(ctx, id, txID, StateFunded, StateClaimPending, "claim")
}

// MarkRefundBroadcast records our own refund transaction submission. Refunds
// are only eligible from Expired.
func (c *Coordinator) MarkRefundBroadcast(ctx context.Context, id, txID string) error {
	return c.markBroadcast(ctx, id, txID, StateExpired, StateRefundPending, "refund")
}

func (c *Coordinator) markBroadcast(ctx context.Context, id, txID string, from, to State, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	swap, ok := c.swaps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	if swap.State.Terminal() || swap.ExpiredUnfunded() {
		c.staleEvent(swap, kind+"_broadcast")
		return nil
	}
	if swap.State != from {
		return fmt.Errorf("%w: %s broadcast in state %s", ErrOutOfOrderEvent, kind, swap.State)
	}
	if kind == "claim" {
		swap.ClaimTxID = txID
	} else {
		swap.RefundTxID = txID
	}
	return c.transition(ctx, swap, to, txID)
}

// OnClaimObserved records a confirmed claim, ours or the counterparty's, and
// recovers the revealed secret from the unlocking data. Witness items serve
// UTXO families, callData serves account contracts; pass whichever the
// watcher observed. Idempotent for re-observations of the same transaction.
func (c *Coordinator) OnClaimObserved(ctx context.Context, id string, witness [][]byte, callData []byte, txID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	swap, ok := c.swaps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}

	if swap.State == StateClaimed {
		if swap.ClaimTxID == txID {
			return nil
		}
		c.staleEvent(swap, "claim_observed")
		return nil
	}
	if swap.State == StateRefunded || swap.ExpiredUnfunded() {
		c.staleEvent(swap, "claim_observed")
		return nil
	}
	// A claim can land while we think the contract expired: the recipient beat
	// our refund. Funded, ClaimPending and Expired all accept it.
	if swap.State != StateFunded && swap.State != StateClaimPending && swap.State != StateExpired {
		return fmt.Errorf("%w: claim observed in state %s", ErrOutOfOrderEvent, swap.State)
	}

	chainParams, err := swap.Params.ChainParams()
	if err != nil {
		return err
	}

	var revealed []byte
	if len(witness) > 0 {
		revealed, err = secret.RecoverFromWitness(witness, swap.Params.SecretHash, chainParams.HashScheme)
	} else {
		revealed, err = secret.RecoverFromCallData(callData, swap.Params.SecretHash, chainParams.HashScheme)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSecretMismatch, err)
	}

	swap.Secret = revealed
	swap.ClaimTxID = txID
	return c.transition(ctx, swap, StateClaimed, txID)
}

// OnExpiryReached records that the chain head passed the contract expiry.
// For a funded swap the refund path becomes eligible; for an unfunded one
// Expired is terminal.
func (c *Coordinator) OnExpiryReached(ctx context.Context, id string, head uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	swap, ok := c.swaps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}

	if swap.State.Terminal() || swap.State == StateRefundPending || swap.State == StateExpired {
		c.staleEvent(swap, "expiry_reached")
		return nil
	}
	if head < swap.Params.Expiry.Value {
		return fmt.Errorf("%w: head %d below expiry %d", ErrOutOfOrderEvent, head, swap.Params.Expiry.Value)
	}
	switch swap.State {
	case StateInitiated:
		// Nothing funded, nothing to refund: the swap ends here. A fund
		// confirming after this point is ignored as stale.
		c.log.Warn("expiry passed before funding", "id", swap.ID)
		return c.transition(ctx, swap, StateExpired, "")
	case StateFunded, StateClaimPending:
		return c.transition(ctx, swap, StateExpired, "")
	default:
		return fmt.Errorf("%w: expiry reached in state %s", ErrOutOfOrderEvent, swap.State)
	}
}

// CheckExpiries sweeps tracked swaps on one chain against a fresh head and
// feeds OnExpiryReached for every non-terminal swap whose expiry has passed.
// Returns the IDs that transitioned.
func (c *Coordinator) CheckExpiries(ctx context.Context, symbol string, head uint64) []string {
	c.mu.RLock()
	var due []string
	for id, swap := range c.swaps {
		if swap.Chain != symbol {
			continue
		}
		switch swap.State {
		case StateInitiated, StateFunded, StateClaimPending:
			if head >= swap.Params.Expiry.Value {
				due = append(due, id)
			}
		}
	}
	c.mu.RUnlock()

	var transitioned []string
	for _, id := range due {
		if err := c.OnExpiryReached(ctx, id, head); err != nil {
			c.log.Error("expiry sweep failed", "id", id, "error", err)
			continue
		}
		transitioned = append(transitioned, id)
	}
	return transitioned
}

// OnRefundConfirmed records a confirmed refund transaction.
func (c *Coordinator) OnRefundConfirmed(ctx context.Context, id, txID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	swap, ok := c.swaps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}

	if swap.State.Terminal() || swap.ExpiredUnfunded() {
		if swap.State == StateRefunded && swap.RefundTxID == txID {
			return nil
		}
		c.staleEvent(swap, "refund_confirmed")
		return nil
	}
	if swap.State != StateExpired && swap.State != StateRefundPending {
		return fmt.Errorf("%w: refund confirmed in state %s", ErrOutOfOrderEvent, swap.State)
	}

	swap.RefundTxID = txID
	return c.transition(ctx, swap, StateRefunded, txID)
}
