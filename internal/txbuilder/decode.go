// Raw transaction decoding for inspection before broadcast.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atomicmesh/atomicmesh/internal/chain"
)

// Summary is a human-readable digest of a raw transaction.
type Summary struct {
	Chain    string        `json:"chain"`
	Network  chain.Network `json:"network"`
	TxID     string        `json:"txid,omitempty"`
	Size     int           `json:"size"`
	LockTime uint64        `json:"locktime,omitempty"`
	Inputs   []string      `json:"inputs,omitempty"`
	Outputs  []string      `json:"outputs,omitempty"`
	To       string        `json:"to,omitempty"`
	Value    string        `json:"value,omitempty"`
	CallData string        `json:"call_data,omitempty"`
}

// Decode summarizes a raw transaction by chain family. UTXO-contract raw
// transactions use the node's own serialization and are reported opaquely.
func Decode(raw []byte, symbol string, network chain.Network) (*Summary, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s/%s", symbol, network)
	}

	summary := &Summary{Chain: symbol, Network: network, Size: len(raw)}
	switch params.Family {
	case chain.FamilyUTXOScript:
		return decodeUTXOTx(raw, summary)
	case chain.FamilyAccountContract:
		return decodeEVMTx(raw, summary)
	default:
		return summary, nil
	}
}

func decodeUTXOTx(raw []byte, summary *Summary) (*Summary, error) {
	msg := wire.NewMsgTx(wire.TxVersion)
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("undecodable transaction: %w", err)
	}
	summary.TxID = msg.TxHash().String()
	summary.LockTime = uint64(msg.LockTime)
	for _, in := range msg.TxIn {
		summary.Inputs = append(summary.Inputs,
			fmt.Sprintf("%s:%d", in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index))
	}
	for _, out := range msg.TxOut {
		summary.Outputs = append(summary.Outputs,
			fmt.Sprintf("%d -> %s", out.Value, hex.EncodeToString(out.PkScript)))
	}
	return summary, nil
}

func decodeEVMTx(raw []byte, summary *Summary) (*Summary, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("undecodable transaction: %w", err)
	}
	summary.TxID = tx.Hash().Hex()
	if to := tx.To(); to != nil {
		summary.To = strings.ToLower(to.Hex())
	}
	summary.Value = tx.Value().String()
	summary.CallData = hex.EncodeToString(tx.Data())
	return summary, nil
}
