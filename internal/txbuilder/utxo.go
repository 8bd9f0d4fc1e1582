// UTXO-script transaction building: fund into the HTLC P2WSH output, claim
// through the preimage branch, refund through the locktime branch.
package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
)

const (
	// Estimated vbyte weights for fee calculation.
	txOverheadVSize   = 10
	p2wpkhInputVSize  = 68
	p2wshOutputVSize  = 43
	p2wpkhOutputVSize = 31

	// Claim/refund inputs carry the witness script and extra stack items.
	htlcInputVSize = 120

	dustThreshold = 546

	// Sequence enabling absolute locktime enforcement.
	cltvSequence = wire.MaxTxInSequenceNum - 1
)

// BuildUTXOFund builds and signs the fund transaction: wallet P2WPKH inputs
// into the instance's P2WSH output, change back to the sender.
func BuildUTXOFund(
	instance *adapter.Instance,
	utxos []chainclient.UTXO,
	senderKey *btcec.PrivateKey,
	feeRate uint64,
) (*SwapTransaction, error) {
	if instance.Family != chain.FamilyUTXOScript {
		return nil, fmt.Errorf("%w: family %s", ErrBadInstance, instance.Family)
	}
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	params := instance.Params
	chainParams, err := params.ChainParams()
	if err != nil {
		return nil, err
	}

	selected, totalInput, fee, err := selectUTXOs(utxos, params.Amount, feeRate)
	if err != nil {
		return nil, err
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range selected {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // Enable RBF
		msg.AddTxIn(txIn)
	}

	msg.AddTxOut(wire.NewTxOut(int64(params.Amount), adapter.P2WSHScriptPubKey(instance.Program)))

	senderScript := p2wpkhScript(senderKey)
	change := totalInput - params.Amount - fee
	if change > dustThreshold {
		msg.AddTxOut(wire.NewTxOut(int64(change), senderScript))
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for i, utxo := range selected {
		prevOuts[msg.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(utxo.Amount), senderScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(msg, fetcher)

	for i, utxo := range selected {
		witness, err := txscript.WitnessSignature(
			msg, sigHashes, i, int64(utxo.Amount), senderScript,
			txscript.SigHashAll, senderKey, true,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		msg.TxIn[i].Witness = witness
	}

	return finishUTXOTx(msg, KindFund, params.Chain, chainParams, fee, 0)
}

// BuildUTXOClaim builds and signs the claim transaction spending the HTLC
// output through the preimage branch to the recipient's own address.
func BuildUTXOClaim(
	instance *adapter.Instance,
	htlcUTXO chainclient.UTXO,
	secret []byte,
	recipientKey *btcec.PrivateKey,
	destAddress string,
	feeRate uint64,
) (*SwapTransaction, error) {
	if err := verifyClaimSecret(instance, secret); err != nil {
		return nil, err
	}
	return spendHTLC(instance, htlcUTXO, recipientKey, destAddress, feeRate, KindClaim, secret, 0)
}

// BuildUTXORefund builds and signs the refund transaction spending the HTLC
// output through the locktime branch back to the sender. The result carries
// MinBroadcastHead: submitting before the expiry height is rejected by
// consensus, so the coordinator holds it until then.
func BuildUTXORefund(
	instance *adapter.Instance,
	htlcUTXO chainclient.UTXO,
	senderKey *btcec.PrivateKey,
	destAddress string,
	feeRate uint64,
) (*SwapTransaction, error) {
	expiry := instance.Params.Expiry.Value
	return spendHTLC(instance, htlcUTXO, senderKey, destAddress, feeRate, KindRefund, nil, expiry)
}

func spendHTLC(
	instance *adapter.Instance,
	htlcUTXO chainclient.UTXO,
	key *btcec.PrivateKey,
	destAddress string,
	feeRate uint64,
	kind Kind,
	secret []byte,
	locktime uint64,
) (*SwapTransaction, error) {
	if instance.Family != chain.FamilyUTXOScript {
		return nil, fmt.Errorf("%w: family %s", ErrBadInstance, instance.Family)
	}
	chainParams, err := instance.Params.ChainParams()
	if err != nil {
		return nil, err
	}

	fee := uint64(txOverheadVSize+htlcInputVSize+p2wpkhOutputVSize) * feeRate
	if htlcUTXO.Amount <= fee+dustThreshold {
		return nil, fmt.Errorf("%w: output %d does not cover fee %d", ErrInsufficientFunds, htlcUTXO.Amount, fee)
	}

	txHash, err := chainhash.NewHashFromStr(htlcUTXO.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", htlcUTXO.TxID, err)
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, htlcUTXO.Vout), nil, nil)
	if kind == KindRefund {
		msg.LockTime = uint32(locktime)
		txIn.Sequence = cltvSequence
	}
	msg.AddTxIn(txIn)

	destAddr, err := btcutil.DecodeAddress(destAddress, chainParams.ChaincfgParams())
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, err
	}
	msg.AddTxOut(wire.NewTxOut(int64(htlcUTXO.Amount-fee), destScript))

	htlcOut := wire.NewTxOut(int64(htlcUTXO.Amount), adapter.P2WSHScriptPubKey(instance.Program))
	fetcher := txscript.NewCannedPrevOutputFetcher(htlcOut.PkScript, htlcOut.Value)
	sigHashes := txscript.NewTxSigHashes(msg, fetcher)

	sig, err := txscript.RawTxInWitnessSignature(
		msg, sigHashes, 0, htlcOut.Value, instance.Program,
		txscript.SigHashAll, key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sign HTLC input: %w", err)
	}

	pubKey := key.PubKey().SerializeCompressed()
	if kind == KindClaim {
		// Preimage branch: sig, key, secret, TRUE, script.
		msg.TxIn[0].Witness = wire.TxWitness{sig, pubKey, secret, {0x01}, instance.Program}
	} else {
		// Locktime branch: sig, key, FALSE, script.
		msg.TxIn[0].Witness = wire.TxWitness{sig, pubKey, nil, instance.Program}
	}

	return finishUTXOTx(msg, kind, instance.Params.Chain, chainParams, fee, locktime)
}

func finishUTXOTx(msg *wire.MsgTx, kind Kind, symbol string, chainParams *chain.Params, fee, minHead uint64) (*SwapTransaction, error) {
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize: %w", err)
	}

	network := chain.Mainnet
	if chainParams.Bech32HRP != "bc" {
		network = chain.Testnet
	}

	tx := newSwapTransaction(kind, symbol, network)
	tx.Status = StatusSigned
	tx.Raw = buf.Bytes()
	tx.TxID = msg.TxHash().String()
	tx.Fee = fee
	tx.MinBroadcastHead = minHead
	return tx, nil
}

// selectUTXOs picks outputs greedily, largest first, until amount plus fee is
// covered. Returns the selection, its total and the final fee.
func selectUTXOs(utxos []chainclient.UTXO, amount, feeRate uint64) ([]chainclient.UTXO, uint64, uint64, error) {
	sorted := make([]chainclient.UTXO, len(utxos))
	copy(sorted, utxos)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Amount > sorted[j-1].Amount; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	baseFee := uint64(txOverheadVSize+p2wshOutputVSize+p2wpkhOutputVSize) * feeRate

	var selected []chainclient.UTXO
	var total uint64
	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total += utxo.Amount
		fee := baseFee + uint64(len(selected)*p2wpkhInputVSize)*feeRate
		if total >= amount+fee {
			return selected, total, fee, nil
		}
	}

	fee := baseFee + uint64(len(selected)*p2wpkhInputVSize)*feeRate
	return nil, 0, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amount+fee, total)
}

func p2wpkhScript(key *btcec.PrivateKey) []byte {
	keyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(keyHash).
		Script()
	return script
}
