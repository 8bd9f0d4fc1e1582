// HTLC materialization for account-contract (EVM) chains.
// The contract itself is fixed per network; what varies per swap are the lock
// terms passed to newContract. The canonical instance is the ABI encoding of
// those terms, and the lock ID is its keccak256 digest.
package adapter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
)

var (
	abiBytes32 = mustABIType("bytes32")
	abiAddress = mustABIType("address")
	abiUint256 = mustABIType("uint256")

	// Lock terms in the order the HTLC contract's newContract takes them.
	lockTermsArgs = abi.Arguments{
		{Name: "secretHash", Type: abiBytes32},
		{Name: "recipient", Type: abiAddress},
		{Name: "sender", Type: abiAddress},
		{Name: "expiry", Type: abiUint256},
		{Name: "token", Type: abiAddress},
		{Name: "amount", Type: abiUint256},
	}
)

func mustABIType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return t
}

// AccountContractAdapter materializes HTLCs for EVM chains.
type AccountContractAdapter struct{}

// Family returns the chain family this adapter serves.
func (a *AccountContractAdapter) Family() chain.Family { return chain.FamilyAccountContract }

// Materialize ABI-encodes the lock terms against the network's deployed HTLC
// contract. Native-coin swaps go to the coin contract, token swaps to the
// token contract with the token address bound into the terms.
func (a *AccountContractAdapter) Materialize(params *contract.Parameters, head uint64) (*Instance, error) {
	chainParams, err := params.ChainParams()
	if err != nil {
		return nil, err
	}
	if chainParams.Family != chain.FamilyAccountContract {
		return nil, fmt.Errorf("%w: %s is not an account-contract chain", ErrUnsupportedFamily, params.Chain)
	}
	if err := checkExpiryMargin(params, chainParams, head); err != nil {
		return nil, err
	}

	contractAddr := chainParams.HTLCContract
	token := common.Address{}
	if params.Asset.TokenAddress != "" {
		contractAddr = chainParams.TokenHTLC
		token = common.HexToAddress(params.Asset.TokenAddress)
	}
	if contractAddr == "" {
		return nil, fmt.Errorf("%w: no HTLC contract deployed on %s/%s", ErrUnsupportedFamily, params.Chain, params.Network)
	}

	var secretHash [32]byte
	copy(secretHash[:], params.SecretHash)

	program, err := lockTermsArgs.Pack(
		secretHash,
		common.HexToAddress(params.Recipient.Address),
		common.HexToAddress(params.Sender.Address),
		new(big.Int).SetUint64(params.Expiry.Value),
		token,
		new(big.Int).SetUint64(params.Amount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock terms: %w", err)
	}

	return &Instance{
		Family:  chain.FamilyAccountContract,
		Params:  params,
		Program: program,
		Address: contractAddr,
		LockID:  crypto.Keccak256(program),
	}, nil
}

// VerifyInstance recomputes the ABI-encoded lock terms and compares
// byte-for-byte.
func (a *AccountContractAdapter) VerifyInstance(candidate []byte, params *contract.Parameters, head uint64) (bool, error) {
	return verifyAgainst(a, candidate, params, head)
}

// LockTerms holds the decoded fields of an account-contract instance.
type LockTerms struct {
	SecretHash [32]byte
	Recipient  common.Address
	Sender     common.Address
	Expiry     *big.Int
	Token      common.Address
	Amount     *big.Int
}

// DecodeLockTerms unpacks an instance program back into its fields.
func DecodeLockTerms(program []byte) (*LockTerms, error) {
	values, err := lockTermsArgs.Unpack(program)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInstance, err)
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("%w: expected 6 lock terms, got %d", ErrMalformedInstance, len(values))
	}
	terms := &LockTerms{}
	var ok bool
	if terms.SecretHash, ok = values[0].([32]byte); !ok {
		return nil, fmt.Errorf("%w: bad secret hash term", ErrMalformedInstance)
	}
	if terms.Recipient, ok = values[1].(common.Address); !ok {
		return nil, fmt.Errorf("%w: bad recipient term", ErrMalformedInstance)
	}
	if terms.Sender, ok = values[2].(common.Address); !ok {
		return nil, fmt.Errorf("%w: bad sender term", ErrMalformedInstance)
	}
	if terms.Expiry, ok = values[3].(*big.Int); !ok {
		return nil, fmt.Errorf("%w: bad expiry term", ErrMalformedInstance)
	}
	if terms.Token, ok = values[4].(common.Address); !ok {
		return nil, fmt.Errorf("%w: bad token term", ErrMalformedInstance)
	}
	if terms.Amount, ok = values[5].(*big.Int); !ok {
		return nil, fmt.Errorf("%w: bad amount term", ErrMalformedInstance)
	}
	return terms, nil
}

// NormalizeAddress lowercases a 0x address into its canonical comparison form.
func NormalizeAddress(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}
