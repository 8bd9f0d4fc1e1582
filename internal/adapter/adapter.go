// Package adapter materializes agreed contract parameters into chain-native
// locking conditions. One adapter per chain family: UTXO-script (Bitcoin),
// account-contract (EVM), UTXO-contract (Equity program chains).
//
// Materialization is deterministic: both swap parties must obtain byte-identical
// instances from the same parameters. Funding an address that does not match an
// independently recomputed instance is refused - that equality check is the
// safety property the whole engine hangs on.
package adapter

import (
	"errors"
	"fmt"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/pkg/helpers"
)

// Package errors.
var (
	ErrUnsafeExpiry      = errors.New("expiry too close to current head")
	ErrUnsupportedFamily = errors.New("unsupported chain family")
	ErrMalformedInstance = errors.New("malformed contract instance")
)

// Instance is the chain-specific materialization of contract parameters.
type Instance struct {
	Family chain.Family
	Params *contract.Parameters

	// Program is the canonical locking condition: the P2WSH witness script,
	// the ABI-encoded lock terms, or the instantiated Equity control program.
	Program []byte

	// Address is the deposit address derived from Program.
	Address string

	// LockID identifies the lock inside a shared account-contract; empty for
	// the UTXO families where Program itself is the lock.
	LockID []byte
}

// Bytes returns the canonical byte form used for cross-party equality checks.
func (in *Instance) Bytes() []byte {
	return in.Program
}

// Adapter encodes contract parameters into one chain family's native form.
type Adapter interface {
	// Family returns the chain family this adapter serves.
	Family() chain.Family

	// Materialize derives the contract instance from agreed parameters.
	// head is the current observed chain head; materialization is refused if
	// the expiry is within the chain's safe margin of it.
	Materialize(params *contract.Parameters, head uint64) (*Instance, error)

	// VerifyInstance recomputes the instance from params and compares it with
	// a counterparty-advertised candidate byte-for-byte.
	VerifyInstance(candidate []byte, params *contract.Parameters, head uint64) (bool, error)
}

// ForChain returns the adapter serving a chain's family.
func ForChain(symbol string, network chain.Network) (Adapter, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s/%s", symbol, network)
	}
	switch params.Family {
	case chain.FamilyUTXOScript:
		return &UTXOScriptAdapter{}, nil
	case chain.FamilyAccountContract:
		return &AccountContractAdapter{}, nil
	case chain.FamilyUTXOContract:
		return &UTXOContractAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, params.Family)
	}
}

// checkExpiryMargin enforces the per-chain minimum distance between the
// current head and the expiry.
func checkExpiryMargin(params *contract.Parameters, chainParams *chain.Params, head uint64) error {
	if params.Expiry.Kind != chainParams.ExpiryKind {
		return fmt.Errorf("%w: expiry kind %s, chain expects %s",
			contract.ErrInvalidExpiry, params.Expiry.Kind, chainParams.ExpiryKind)
	}
	if params.Expiry.Value < head+chainParams.SafeExpiryMargin {
		return fmt.Errorf("%w: expiry %d, head %d, required margin %d %s",
			ErrUnsafeExpiry, params.Expiry.Value, head, chainParams.SafeExpiryMargin, marginUnit(chainParams.ExpiryKind))
	}
	return nil
}

func marginUnit(kind chain.ExpiryKind) string {
	if kind == chain.ExpiryTimestamp {
		return "seconds"
	}
	return "blocks"
}

// verifyAgainst recomputes an instance and compares the candidate bytes.
func verifyAgainst(a Adapter, candidate []byte, params *contract.Parameters, head uint64) (bool, error) {
	expected, err := a.Materialize(params, head)
	if err != nil {
		return false, err
	}
	return helpers.BytesEqual(candidate, expected.Bytes()), nil
}
