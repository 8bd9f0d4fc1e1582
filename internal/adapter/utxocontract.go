// HTLC materialization for UTXO-contract (Equity program) chains.
// The compiled HTLC body is fixed; each swap instantiates it by prefixing data
// pushes of the constructor arguments in reverse declaration order, then
// wrapping the body in the standard DEPTH .. FALSE CHECKPREDICATE harness.
package adapter

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/sha3"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
)

// htlcBodyHex is the compiled Equity HTLC body:
//
//	contract HTLC(sender: PublicKey, recipient: PublicKey,
//	              secretHash: Hash, expiry: Integer) locks valueAmount of valueAsset {
//	    clause withdraw(preimage: String, sig: Signature) {
//	        verify sha256(preimage) == secretHash
//	        verify checkTxSig(recipient, sig)
//	        unlock valueAmount of valueAsset
//	    }
//	    clause refund(sig: Signature) {
//	        verify above(expiry)
//	        verify checkTxSig(sender, sig)
//	        unlock valueAmount of valueAsset
//	    }
//	}
const htlcBodyHex = "547a6416000000557aa888537a7cae7cac631f000000537acd9f6972ae7cac"

// Equity VM opcodes used by the instantiation harness.
const (
	opFalse          = 0x00
	opDepth          = 0x74
	opCheckPredicate = 0xc0
)

// UTXOContractAdapter materializes HTLCs for Equity program chains.
type UTXOContractAdapter struct{}

// Family returns the chain family this adapter serves.
func (a *UTXOContractAdapter) Family() chain.Family { return chain.FamilyUTXOContract }

// Materialize instantiates the Equity HTLC program and derives its bech32
// contract address from the SHA3-256 program hash.
func (a *UTXOContractAdapter) Materialize(params *contract.Parameters, head uint64) (*Instance, error) {
	chainParams, err := params.ChainParams()
	if err != nil {
		return nil, err
	}
	if chainParams.Family != chain.FamilyUTXOContract {
		return nil, fmt.Errorf("%w: %s is not a UTXO-contract chain", ErrUnsupportedFamily, params.Chain)
	}
	if err := checkExpiryMargin(params, chainParams, head); err != nil {
		return nil, err
	}

	program, err := InstantiateProgram(
		params.SecretHash,
		params.Recipient.PubKey,
		params.Sender.PubKey,
		params.Expiry.Value,
	)
	if err != nil {
		return nil, err
	}

	address, err := ProgramAddress(program, chainParams.ContractHRP)
	if err != nil {
		return nil, err
	}

	return &Instance{
		Family:  chain.FamilyUTXOContract,
		Params:  params,
		Program: program,
		Address: address,
	}, nil
}

// VerifyInstance recomputes the instantiated program and compares
// byte-for-byte.
func (a *UTXOContractAdapter) VerifyInstance(candidate []byte, params *contract.Parameters, head uint64) (bool, error) {
	return verifyAgainst(a, candidate, params, head)
}

// InstantiateProgram builds the per-swap contract program. Constructor
// arguments are pushed in reverse declaration order: expiry, secret hash,
// recipient key, sender key. The body then runs under CHECKPREDICATE.
func InstantiateProgram(secretHash, recipientPubKey, senderPubKey []byte, expiry uint64) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(recipientPubKey) != 32 || len(senderPubKey) != 32 {
		return nil, fmt.Errorf("public keys must be 32 bytes")
	}
	if expiry == 0 {
		return nil, fmt.Errorf("expiry height must be positive")
	}

	body, err := hex.DecodeString(htlcBodyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid compiled body: %w", err)
	}

	var program []byte
	program = appendPush(program, encodeVMInt(expiry))
	program = appendPush(program, secretHash)
	program = appendPush(program, recipientPubKey)
	program = appendPush(program, senderPubKey)
	program = append(program, opDepth)
	program = appendPush(program, body)
	program = append(program, opFalse, opCheckPredicate)
	return program, nil
}

// ProgramAddress derives the bech32 contract address: witness version 0 over
// the SHA3-256 hash of the program.
func ProgramAddress(program []byte, hrp string) (string, error) {
	hash := sha3.Sum256(program)
	converted, err := bech32.ConvertBits(hash[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert program hash: %w", err)
	}
	address, err := bech32.Encode(hrp, append([]byte{0x00}, converted...))
	if err != nil {
		return "", fmt.Errorf("failed to encode contract address: %w", err)
	}
	return address, nil
}

// ProgramHash returns the SHA3-256 digest identifying a contract program.
func ProgramHash(program []byte) []byte {
	hash := sha3.Sum256(program)
	return hash[:]
}

// appendPush appends a minimal data push for payloads up to 75 bytes.
func appendPush(program, data []byte) []byte {
	program = append(program, byte(len(data)))
	return append(program, data...)
}

// encodeVMInt encodes an integer as the VM's minimal little-endian bytes.
func encodeVMInt(v uint64) []byte {
	if v == 0 {
		return []byte{0x00}
	}
	var out []byte
	for v > 0 {
		out = append(out, byte(v))
		v >>= 8
	}
	return out
}

// ParsedProgram holds the constructor arguments parsed back out of an
// instantiated HTLC program.
type ParsedProgram struct {
	SecretHash      []byte
	RecipientPubKey []byte
	SenderPubKey    []byte
	Expiry          uint64
}

// ParseProgram decomposes an instantiated program and checks its body matches
// the known compiled HTLC.
func ParseProgram(program []byte) (*ParsedProgram, error) {
	pos := 0
	next := func(name string) ([]byte, error) {
		if pos >= len(program) {
			return nil, fmt.Errorf("%w: truncated before %s", ErrMalformedInstance, name)
		}
		length := int(program[pos])
		pos++
		if length == 0 || length > 75 || pos+length > len(program) {
			return nil, fmt.Errorf("%w: bad %s push", ErrMalformedInstance, name)
		}
		data := program[pos : pos+length]
		pos += length
		return data, nil
	}

	expiryBytes, err := next("expiry")
	if err != nil {
		return nil, err
	}
	if len(expiryBytes) > 8 {
		return nil, fmt.Errorf("%w: expiry wider than 8 bytes", ErrMalformedInstance)
	}
	parsed := &ParsedProgram{}
	for i := len(expiryBytes) - 1; i >= 0; i-- {
		parsed.Expiry = parsed.Expiry<<8 | uint64(expiryBytes[i])
	}

	if parsed.SecretHash, err = next("secret hash"); err != nil {
		return nil, err
	}
	if len(parsed.SecretHash) != 32 {
		return nil, fmt.Errorf("%w: secret hash must be 32 bytes", ErrMalformedInstance)
	}
	if parsed.RecipientPubKey, err = next("recipient key"); err != nil {
		return nil, err
	}
	if parsed.SenderPubKey, err = next("sender key"); err != nil {
		return nil, err
	}
	if len(parsed.RecipientPubKey) != 32 || len(parsed.SenderPubKey) != 32 {
		return nil, fmt.Errorf("%w: public keys must be 32 bytes", ErrMalformedInstance)
	}

	if pos >= len(program) || program[pos] != opDepth {
		return nil, fmt.Errorf("%w: missing DEPTH", ErrMalformedInstance)
	}
	pos++
	body, err := next("body")
	if err != nil {
		return nil, err
	}
	if hex.EncodeToString(body) != htlcBodyHex {
		return nil, fmt.Errorf("%w: body does not match compiled HTLC", ErrMalformedInstance)
	}
	if pos+2 != len(program) || program[pos] != opFalse || program[pos+1] != opCheckPredicate {
		return nil, fmt.Errorf("%w: missing CHECKPREDICATE harness", ErrMalformedInstance)
	}
	return parsed, nil
}
