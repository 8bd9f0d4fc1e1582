// Package signer produces and verifies signatures for every chain family.
// UTXO-script chains sign with secp256k1 ECDSA, account-contract chains with
// recoverable ECDSA over keccak digests, and UTXO-contract chains with
// ed25519 over expanded 64-byte private keys as used by chainkd derivation.
package signer

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Package errors.
var (
	ErrInvalidKey       = errors.New("invalid private key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ExpandedKeyLen is the length of an expanded ed25519 private key: a clamped
// scalar followed by the nonce prefix.
const ExpandedKeyLen = 64

// SignECDSA signs a 32-byte digest with a secp256k1 key, DER encoded.
func SignECDSA(digest []byte, key *btcec.PrivateKey) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig := btcecdsa.Sign(key, digest)
	return sig.Serialize(), nil
}

// VerifyDER checks a DER-encoded secp256k1 signature against a digest and a
// compressed public key.
func VerifyDER(sig, digest, pubKey []byte) (bool, error) {
	parsedSig, err := decredecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	parsedKey, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return parsedSig.Verify(digest, parsedKey), nil
}

// SignRecoverable signs a 32-byte digest producing the 65-byte [R || S || V]
// form EVM contracts recover addresses from.
func SignRecoverable(digest []byte, keyBytes []byte) ([]byte, error) {
	key, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ethcrypto.Sign(digest, key)
}

// Ed25519PubKey derives the 32-byte public key of an expanded private key.
func Ed25519PubKey(expandedKey []byte) ([]byte, error) {
	scalar, err := expandedScalar(expandedKey)
	if err != nil {
		return nil, err
	}
	point := new(edwards25519.Point).ScalarBaseMult(scalar)
	return point.Bytes(), nil
}

// SignEd25519Expanded signs a message with an expanded private key. Unlike
// crypto/ed25519 this does not rehash a seed: the scalar and nonce prefix come
// straight from the expanded key, which is what HD-derived chain keys provide.
func SignEd25519Expanded(message, expandedKey []byte) ([]byte, error) {
	scalar, err := expandedScalar(expandedKey)
	if err != nil {
		return nil, err
	}
	prefix := expandedKey[32:]

	pubPoint := new(edwards25519.Point).ScalarBaseMult(scalar)
	pubBytes := pubPoint.Bytes()

	rh := sha512.New()
	rh.Write(prefix)
	rh.Write(message)
	r, err := new(edwards25519.Scalar).SetUniformBytes(rh.Sum(nil))
	if err != nil {
		return nil, err
	}
	rPoint := new(edwards25519.Point).ScalarBaseMult(r)
	rBytes := rPoint.Bytes()

	kh := sha512.New()
	kh.Write(rBytes)
	kh.Write(pubBytes)
	kh.Write(message)
	k, err := new(edwards25519.Scalar).SetUniformBytes(kh.Sum(nil))
	if err != nil {
		return nil, err
	}

	s := new(edwards25519.Scalar).MultiplyAdd(k, scalar, r)

	sig := make([]byte, 64)
	copy(sig[:32], rBytes)
	copy(sig[32:], s.Bytes())
	return sig, nil
}

// VerifyEd25519 checks a 64-byte signature against a message and public key.
func VerifyEd25519(sig, message, pubKey []byte) bool {
	if len(sig) != 64 || len(pubKey) != 32 {
		return false
	}
	point, err := new(edwards25519.Point).SetBytes(pubKey)
	if err != nil {
		return false
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}

	kh := sha512.New()
	kh.Write(sig[:32])
	kh.Write(pubKey)
	kh.Write(message)
	k, err := new(edwards25519.Scalar).SetUniformBytes(kh.Sum(nil))
	if err != nil {
		return false
	}

	// Check [S]B == R + [k]A.
	minusA := new(edwards25519.Point).Negate(point)
	rCheck := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, s)
	rBytes := rCheck.Bytes()
	for i := range rBytes {
		if rBytes[i] != sig[i] {
			return false
		}
	}
	return true
}

func expandedScalar(expandedKey []byte) (*edwards25519.Scalar, error) {
	if len(expandedKey) != ExpandedKeyLen {
		return nil, fmt.Errorf("%w: expanded key must be %d bytes, got %d", ErrInvalidKey, ExpandedKeyLen, len(expandedKey))
	}
	scalar, err := new(edwards25519.Scalar).SetBytesWithClamping(expandedKey[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return scalar, nil
}
