// UTXO-contract transaction building. Equity chains split the work: the node
// assembles the unsigned raw transaction and hands back sign digests, the
// builder signs those locally and attaches the witness arguments each input's
// program expects. Private keys never leave this side.
package txbuilder

import (
	"encoding/hex"
	"fmt"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/signer"
)

// HTLC clause selectors, matching clause declaration order.
const (
	clauseWithdraw = "00"
	clauseRefund   = "01"
)

// EquityTemplate is a node-built unsigned transaction plus per-input signing
// instructions.
type EquityTemplate struct {
	RawTransaction      string                     `json:"raw_transaction"`
	SigningInstructions []EquitySigningInstruction `json:"signing_instructions"`
}

// EquitySigningInstruction names what one input needs: the digests to sign
// and whether the input spends the HTLC program or a wallet output.
type EquitySigningInstruction struct {
	Position int      `json:"position"`
	SignData []string `json:"sign_data"`

	// Witness arguments filled during finalization, hex encoded.
	WitnessArguments []string `json:"witness_arguments,omitempty"`
}

// FinalizeEquityFund signs a fund template's wallet inputs. Wallet inputs
// unlock with [signature, public key].
func FinalizeEquityFund(instance *adapter.Instance, template *EquityTemplate, expandedKey []byte) (*SwapTransaction, error) {
	if err := checkEquityInstance(instance); err != nil {
		return nil, err
	}
	pubKey, err := signer.Ed25519PubKey(expandedKey)
	if err != nil {
		return nil, err
	}

	for i := range template.SigningInstructions {
		inst := &template.SigningInstructions[i]
		sig, err := signInstruction(inst, expandedKey)
		if err != nil {
			return nil, err
		}
		inst.WitnessArguments = []string{
			hex.EncodeToString(sig),
			hex.EncodeToString(pubKey),
		}
	}

	return finishEquityTx(KindFund, instance, template, 0)
}

// FinalizeEquityClaim signs a claim template. The HTLC input unlocks through
// the withdraw clause with [preimage, signature, clause selector].
func FinalizeEquityClaim(instance *adapter.Instance, template *EquityTemplate, secret, expandedKey []byte) (*SwapTransaction, error) {
	if err := checkEquityInstance(instance); err != nil {
		return nil, err
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}
	if err := verifyClaimSecret(instance, secret); err != nil {
		return nil, err
	}

	for i := range template.SigningInstructions {
		inst := &template.SigningInstructions[i]
		sig, err := signInstruction(inst, expandedKey)
		if err != nil {
			return nil, err
		}
		inst.WitnessArguments = []string{
			hex.EncodeToString(secret),
			hex.EncodeToString(sig),
			clauseWithdraw,
		}
	}

	return finishEquityTx(KindClaim, instance, template, 0)
}

// FinalizeEquityRefund signs a refund template. The HTLC input unlocks through
// the refund clause with [signature, clause selector]; the program rejects it
// below the expiry height, so MinBroadcastHead carries the expiry.
func FinalizeEquityRefund(instance *adapter.Instance, template *EquityTemplate, expandedKey []byte) (*SwapTransaction, error) {
	if err := checkEquityInstance(instance); err != nil {
		return nil, err
	}

	for i := range template.SigningInstructions {
		inst := &template.SigningInstructions[i]
		sig, err := signInstruction(inst, expandedKey)
		if err != nil {
			return nil, err
		}
		inst.WitnessArguments = []string{
			hex.EncodeToString(sig),
			clauseRefund,
		}
	}

	return finishEquityTx(KindRefund, instance, template, instance.Params.Expiry.Value)
}

func checkEquityInstance(instance *adapter.Instance) error {
	if instance.Family != chain.FamilyUTXOContract {
		return fmt.Errorf("%w: family %s", ErrBadInstance, instance.Family)
	}
	return nil
}

func signInstruction(inst *EquitySigningInstruction, expandedKey []byte) ([]byte, error) {
	if len(inst.SignData) == 0 {
		return nil, fmt.Errorf("input %d has no sign data", inst.Position)
	}
	digest, err := hex.DecodeString(inst.SignData[0])
	if err != nil {
		return nil, fmt.Errorf("input %d: invalid sign data hex: %w", inst.Position, err)
	}
	return signer.SignEd25519Expanded(digest, expandedKey)
}

func finishEquityTx(kind Kind, instance *adapter.Instance, template *EquityTemplate, minHead uint64) (*SwapTransaction, error) {
	raw, err := hex.DecodeString(template.RawTransaction)
	if err != nil {
		return nil, fmt.Errorf("invalid raw transaction hex: %w", err)
	}

	tx := newSwapTransaction(kind, instance.Params.Chain, instance.Params.Network)
	tx.Status = StatusSigned
	tx.Raw = raw
	tx.MinBroadcastHead = minHead
	return tx, nil
}
