// Package secret implements secret/preimage handling for atomic swaps:
// generation, hashing under the scheme each chain family mandates, and
// recovery of a revealed secret from an observed claim transaction.
package secret

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/pkg/helpers"
)

// DefaultLength is the secret length used for all supported chain pairs.
const DefaultLength = 32

// Package errors.
var (
	ErrEntropy       = errors.New("entropy source unavailable")
	ErrNotFound      = errors.New("secret not found")
	ErrInvalidLength = errors.New("invalid secret length")
	ErrUnknownScheme = errors.New("unknown hash scheme")
)

// Generate creates a cryptographically secure random secret of the given length.
func Generate(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	secret, err := helpers.GenerateSecureRandom(length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return secret, nil
}

// Hash computes the digest of a secret under the given scheme.
// Pure and deterministic; the scheme comes from the chain registry.
func Hash(secret []byte, scheme chain.HashScheme) ([]byte, error) {
	switch scheme {
	case chain.HashSHA256:
		h := sha256.Sum256(secret)
		return h[:], nil
	case chain.HashSHA256d:
		first := sha256.Sum256(secret)
		second := sha256.Sum256(first[:])
		return second[:], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
}

// Verify checks a secret against an expected hash in constant time.
func Verify(secret, expectedHash []byte, scheme chain.HashScheme) bool {
	if len(expectedHash) != sha256.Size {
		return false
	}
	actual, err := Hash(secret, scheme)
	if err != nil {
		return false
	}
	return helpers.ConstantTimeCompare(actual, expectedHash)
}

// RecoverFromWitness extracts the revealed secret from the unlocking witness of
// a claim transaction on a UTXO chain. The claim witness carries the preimage
// as a bare 32-byte item; every candidate of the right length is checked
// against the contract's secret hash.
func RecoverFromWitness(witness [][]byte, secretHash []byte, scheme chain.HashScheme) ([]byte, error) {
	for _, item := range witness {
		if len(item) != DefaultLength {
			continue
		}
		if Verify(item, secretHash, scheme) {
			out := make([]byte, DefaultLength)
			copy(out, item)
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: no witness item matches secret hash", ErrNotFound)
}

// RecoverFromCallData extracts the revealed secret from the input data of an
// account-contract claim call. ABI call data is a 4-byte selector followed by
// 32-byte words; the preimage is whichever word hashes to the secret hash.
func RecoverFromCallData(data, secretHash []byte, scheme chain.HashScheme) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: call data too short", ErrNotFound)
	}
	words := data[4:]
	for off := 0; off+32 <= len(words); off += 32 {
		candidate := words[off : off+32]
		if Verify(candidate, secretHash, scheme) {
			out := make([]byte, DefaultLength)
			copy(out, candidate)
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: no call data word matches secret hash", ErrNotFound)
}
