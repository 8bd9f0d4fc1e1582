package p2p

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
	"github.com/atomicmesh/atomicmesh/internal/secret"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte(`{"type":"proposal"}`)

	if err := writeLengthPrefixed(&buf, msg); err != nil {
		t.Fatalf("writeLengthPrefixed() error = %v", err)
	}
	got, err := readLengthPrefixed(&buf)
	if err != nil {
		t.Fatalf("readLengthPrefixed() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("round trip = %q, want %q", got, msg)
	}
}

func TestLengthPrefixedTooLarge(t *testing.T) {
	if err := writeLengthPrefixed(&bytes.Buffer{}, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("expected error for oversized write")
	}

	// A forged length header past the limit must be rejected before any
	// allocation of that size.
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := readLengthPrefixed(&buf); err == nil {
		t.Error("expected error for oversized length header")
	}
}

func TestLengthPrefixedTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10, 0x01, 0x02})
	if _, err := readLengthPrefixed(&buf); err == nil {
		t.Error("expected error for truncated body")
	}
}

func testParameters(t *testing.T) *contract.Parameters {
	t.Helper()
	secretBytes, err := secret.Generate(secret.DefaultLength)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	secretHash, err := secret.Hash(secretBytes, chain.HashSHA256d)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	recipientKey, _ := btcec.NewPrivateKey()
	senderKey, _ := btcec.NewPrivateKey()

	params, err := contract.Resolve(
		"BTC", chain.Testnet,
		contract.Identity{PubKey: recipientKey.PubKey().SerializeCompressed()},
		contract.Identity{PubKey: senderKey.PubKey().SerializeCompressed()},
		secretHash, 2500100,
		contract.Asset{Symbol: "BTC"}, 500000, 2500000,
	)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return params
}

func TestProposalCodec(t *testing.T) {
	proposal := &Proposal{
		SwapID:   "swap-1",
		OfferLeg: testParameters(t),
	}

	payload, err := json.Marshal(proposal)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	env := Envelope{
		Type:      MsgProposal,
		MessageID: "msg-1",
		FromPeer:  "peer-1",
		Timestamp: 1700000000,
		Payload:   payload,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() envelope error = %v", err)
	}

	// Byte fields travel hex-encoded, never base64.
	if strings.Contains(string(envBytes), `"secret_hash":""`) {
		t.Error("secret hash missing from wire form")
	}

	var decodedEnv Envelope
	if err := json.Unmarshal(envBytes, &decodedEnv); err != nil {
		t.Fatalf("Unmarshal() envelope error = %v", err)
	}
	if decodedEnv.Type != MsgProposal {
		t.Errorf("type = %s", decodedEnv.Type)
	}

	var decoded Proposal
	if err := json.Unmarshal(decodedEnv.Payload, &decoded); err != nil {
		t.Fatalf("Unmarshal() proposal error = %v", err)
	}
	if decoded.SwapID != "swap-1" {
		t.Errorf("swap ID = %s", decoded.SwapID)
	}
	if !bytes.Equal(decoded.OfferLeg.SecretHash, proposal.OfferLeg.SecretHash) {
		t.Error("secret hash mismatch after round trip")
	}
	if !bytes.Equal(decoded.OfferLeg.Recipient.PubKey, proposal.OfferLeg.Recipient.PubKey) {
		t.Error("recipient key mismatch after round trip")
	}
	if decoded.OfferLeg.Expiry != proposal.OfferLeg.Expiry {
		t.Errorf("expiry = %+v, want %+v", decoded.OfferLeg.Expiry, proposal.OfferLeg.Expiry)
	}
	if decoded.RequestLeg != nil {
		t.Error("request leg should be nil")
	}
}

func TestResponseCodec(t *testing.T) {
	resp := Response{SwapID: "swap-1", Accepted: false, Reason: "expiry too close"}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Accepted || decoded.Reason != "expiry too close" {
		t.Errorf("decoded = %+v", decoded)
	}
}
