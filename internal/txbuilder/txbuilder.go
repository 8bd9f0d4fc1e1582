// Package txbuilder constructs and signs the three swap transaction kinds for
// every chain family. Builders take a materialized contract instance plus
// chain observations (UTXOs, nonces, fee quotes) and produce raw bytes ready
// for broadcast. Nothing here talks to the network.
package txbuilder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/secret"
)

// Package errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoUTXOs           = errors.New("no spendable outputs")
	ErrNotExpired        = errors.New("contract not yet expired")
	ErrBadInstance       = errors.New("instance does not fit builder")
	ErrSecretMismatch    = errors.New("secret does not match the instance hash lock")
)

// Kind labels a swap transaction's role.
type Kind string

const (
	KindFund   Kind = "fund"
	KindClaim  Kind = "claim"
	KindRefund Kind = "refund"
)

// Status tracks a swap transaction's lifecycle.
type Status string

const (
	StatusBuilt     Status = "built"
	StatusSigned    Status = "signed"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
)

// SwapTransaction is one built transaction of a swap leg.
type SwapTransaction struct {
	ID      string        `json:"id"`
	Kind    Kind          `json:"kind"`
	Chain   string        `json:"chain"`
	Network chain.Network `json:"network"`
	Status  Status        `json:"status"`

	// Raw is the signed serialized transaction.
	Raw []byte `json:"raw"`

	// TxID is known after signing (UTXO chains) or broadcast.
	TxID string `json:"txid,omitempty"`

	// Fee paid, in the chain's smallest unit.
	Fee uint64 `json:"fee"`

	// MinBroadcastHead gates refund transactions: broadcasting before the
	// chain head reaches this point is a guaranteed rejection. Zero for fund
	// and claim transactions.
	MinBroadcastHead uint64 `json:"min_broadcast_head,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func newSwapTransaction(kind Kind, symbol string, network chain.Network) *SwapTransaction {
	return &SwapTransaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Chain:     symbol,
		Network:   network,
		Status:    StatusBuilt,
		CreatedAt: time.Now().UTC(),
	}
}

// Broadcastable reports whether the transaction may be submitted at the given
// chain head. Fund and claim transactions are always broadcastable.
func (tx *SwapTransaction) Broadcastable(head uint64) bool {
	return head >= tx.MinBroadcastHead
}

// verifyClaimSecret checks the supplied preimage against the instance's hash
// lock under the chain's hash scheme. A claim built with the wrong secret can
// never unlock the contract, so every claim builder rejects it up front.
func verifyClaimSecret(instance *adapter.Instance, secretBytes []byte) error {
	chainParams, ok := chain.Get(instance.Params.Chain, instance.Params.Network)
	if !ok {
		return fmt.Errorf("%w: unknown chain %s", ErrBadInstance, instance.Params.Chain)
	}
	if !secret.Verify(secretBytes, instance.Params.SecretHash, chainParams.HashScheme) {
		return ErrSecretMismatch
	}
	return nil
}
