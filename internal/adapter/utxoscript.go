// HTLC script building for UTXO-script chains.
// The locking condition is a fixed script template with the secret hash, the
// two party key hashes and an absolute height locktime substituted in, locked
// behind a P2WSH deposit address.
package adapter

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
)

// UTXOScriptAdapter materializes HTLCs for Bitcoin-style chains.
type UTXOScriptAdapter struct{}

// Family returns the chain family this adapter serves.
func (a *UTXOScriptAdapter) Family() chain.Family { return chain.FamilyUTXOScript }

// Materialize builds the HTLC witness script and its P2WSH address.
//
// Script template:
//
//	OP_IF
//	    OP_HASH256 <secret_hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <recipient_key_hash> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ELSE
//	    <expiry_height> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <sender_key_hash> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ENDIF
//
// Claim path reveals the preimage (double SHA-256 to match OP_HASH256) plus the
// recipient's key and signature; refund path is spendable by the sender once
// the chain reaches the absolute locktime.
func (a *UTXOScriptAdapter) Materialize(params *contract.Parameters, head uint64) (*Instance, error) {
	chainParams, err := params.ChainParams()
	if err != nil {
		return nil, err
	}
	if chainParams.Family != chain.FamilyUTXOScript {
		return nil, fmt.Errorf("%w: %s is not a UTXO-script chain", ErrUnsupportedFamily, params.Chain)
	}
	if err := checkExpiryMargin(params, chainParams, head); err != nil {
		return nil, err
	}

	script, err := BuildLockScript(
		params.SecretHash,
		btcutil.Hash160(params.Recipient.PubKey),
		btcutil.Hash160(params.Sender.PubKey),
		params.Expiry.Value,
	)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], chainParams.ChaincfgParams())
	if err != nil {
		return nil, fmt.Errorf("failed to derive P2WSH address: %w", err)
	}

	return &Instance{
		Family:  chain.FamilyUTXOScript,
		Params:  params,
		Program: script,
		Address: address.EncodeAddress(),
	}, nil
}

// VerifyInstance recomputes the witness script and compares byte-for-byte.
func (a *UTXOScriptAdapter) VerifyInstance(candidate []byte, params *contract.Parameters, head uint64) (bool, error) {
	return verifyAgainst(a, candidate, params, head)
}

// BuildLockScript assembles the HTLC witness script from its four components.
func BuildLockScript(secretHash, recipientKeyHash, senderKeyHash []byte, expiryHeight uint64) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(recipientKeyHash) != 20 || len(senderKeyHash) != 20 {
		return nil, fmt.Errorf("key hashes must be 20 bytes")
	}
	if expiryHeight == 0 {
		return nil, fmt.Errorf("expiry height must be positive")
	}
	// CLTV heights must stay below the locktime threshold that flips the field
	// into timestamp interpretation.
	if expiryHeight >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("expiry height %d exceeds locktime threshold", expiryHeight)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(recipientKeyHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(expiryHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(senderKeyHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// LockScriptParts holds the components parsed back out of a lock script.
type LockScriptParts struct {
	SecretHash       []byte
	RecipientKeyHash []byte
	SenderKeyHash    []byte
	ExpiryHeight     uint64
}

// ParseLockScript decomposes a lock script and returns its components.
// Rejects anything that does not match the template exactly.
func ParseLockScript(script []byte) (*LockScriptParts, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	parts := &LockScriptParts{}

	expectOp := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrMalformedInstance, name)
		}
		return nil
	}
	expectData := func(length int, name string) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, fmt.Errorf("%w: expected %s", ErrMalformedInstance, name)
		}
		data := tokenizer.Data()
		if len(data) != length {
			return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrMalformedInstance, name, length, len(data))
		}
		return data, nil
	}

	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_HASH256, "OP_HASH256"); err != nil {
		return nil, err
	}
	secretHash, err := expectData(32, "secret hash")
	if err != nil {
		return nil, err
	}
	parts.SecretHash = secretHash
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DUP, "OP_DUP"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_HASH160, "OP_HASH160"); err != nil {
		return nil, err
	}
	recipientHash, err := expectData(20, "recipient key hash")
	if err != nil {
		return nil, err
	}
	parts.RecipientKeyHash = recipientHash
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() {
		return nil, fmt.Errorf("%w: expected expiry height", ErrMalformedInstance)
	}
	if op := tokenizer.Opcode(); txscript.IsSmallInt(op) {
		parts.ExpiryHeight = uint64(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: expiry height must be a data push", ErrMalformedInstance)
		}
		for i := 0; i < len(data); i++ {
			parts.ExpiryHeight |= uint64(data[i]) << (8 * i)
		}
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DUP, "OP_DUP"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_HASH160, "OP_HASH160"); err != nil {
		return nil, err
	}
	senderHash, err := expectData(20, "sender key hash")
	if err != nil {
		return nil, err
	}
	parts.SenderKeyHash = senderHash
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}

	return parts, nil
}

// P2WSHScriptPubKey returns the output script locking funds to a witness
// script: OP_0 <32-byte script hash>.
func P2WSHScriptPubKey(witnessScript []byte) []byte {
	scriptHash := sha256.Sum256(witnessScript)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	script, _ := builder.Script()
	return script
}
