package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/chainclient"
	"github.com/atomicmesh/atomicmesh/internal/coordinator"
	"github.com/atomicmesh/atomicmesh/internal/p2p"
	"github.com/atomicmesh/atomicmesh/internal/secret"
	"github.com/atomicmesh/atomicmesh/internal/storage"
	"github.com/atomicmesh/atomicmesh/internal/wallet"
)

func testWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.NewFromMnemonic(
		"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
		"", chain.Testnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return w
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	coord := coordinator.New(nil, nil)
	return NewServer(chain.Testnet, coord, testWallet(t), chainclient.NewRegistry(), nil)
}

// fakeClient is a canned chainclient.Client for handler tests.
type fakeClient struct {
	symbol string
	head   uint64
	utxos  []chainclient.UTXO
	txs    map[string]*chainclient.Transaction
	fee    *chainclient.FeeEstimate

	broadcastRaw  [][]byte
	broadcastTxID string
}

func (c *fakeClient) Chain() string                            { return c.symbol }
func (c *fakeClient) Head(context.Context) (uint64, error)     { return c.head, nil }
func (c *fakeClient) Close() error                             { return nil }
func (c *fakeClient) UTXOs(context.Context, string) ([]chainclient.UTXO, error) {
	return c.utxos, nil
}

func (c *fakeClient) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	c.broadcastRaw = append(c.broadcastRaw, rawTx)
	return c.broadcastTxID, nil
}

func (c *fakeClient) GetTransaction(_ context.Context, txID string) (*chainclient.Transaction, error) {
	tx, ok := c.txs[txID]
	if !ok {
		return nil, chainclient.ErrNotFound
	}
	return tx, nil
}

func (c *fakeClient) EstimateFee(context.Context) (*chainclient.FeeEstimate, error) {
	if c.fee != nil {
		return c.fee, nil
	}
	return &chainclient.FeeEstimate{Fast: 4, Normal: 2, Economy: 1}, nil
}

// swapFixture wires a server with a persistent store, a fake BTC client and
// one tracked swap holding its secret.
type swapFixture struct {
	server *Server
	client *fakeClient
	swap   SwapResult
	secret []byte
}

func newSwapFixture(t *testing.T) *swapFixture {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	w := testWallet(t)
	client := &fakeClient{symbol: "BTC", head: 2500010, broadcastTxID: "broadcasttx"}
	registry := chainclient.NewRegistry()
	registry.Register("BTC", client)

	coord := coordinator.New(store, nil)
	s := NewServer(chain.Testnet, coord, w, registry, store)

	secretBytes, err := secret.Generate(secret.DefaultLength)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	secretHash, err := secret.Hash(secretBytes, chain.HashSHA256d)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	recipientPub, err := w.DerivePublicKey("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DerivePublicKey() error = %v", err)
	}
	senderKey, _ := btcec.NewPrivateKey()

	resp := call(t, s, "swap_create", SwapCreateParams{
		Chain:      "BTC",
		Recipient:  IdentityParams{PubKey: hex.EncodeToString(recipientPub.SerializeCompressed())},
		Sender:     IdentityParams{PubKey: hex.EncodeToString(senderKey.PubKey().SerializeCompressed())},
		SecretHash: hex.EncodeToString(secretHash),
		Expiry:     2500100,
		Amount:     500000,
		Secret:     hex.EncodeToString(secretBytes),
		Head:       2500000,
	})
	if resp.Error != nil {
		t.Fatalf("swap_create error = %+v", resp.Error)
	}
	f := &swapFixture{server: s, client: client, secret: secretBytes}
	resultInto(t, resp, &f.swap)
	return f
}

func (f *swapFixture) reportFund(t *testing.T) {
	t.Helper()
	resp := call(t, f.server, "swap_reportFund", SwapReportFundParams{
		SwapID:  f.swap.ID,
		TxID:    "fundtx",
		Program: f.swap.Program,
		Head:    2500010,
	})
	if resp.Error != nil {
		t.Fatalf("swap_reportFund error = %+v", resp.Error)
	}
}

func htlcOutpoint() (string, uint32) {
	return hex.EncodeToString(bytes.Repeat([]byte{0x77}, 32)), 0
}

func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = data
	}
	reqBody, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", bytes.NewReader(reqBody))
	s.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func resultInto(t *testing.T, resp *Response, out interface{}) {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("error = %+v, want MethodNotFound", resp.Error)
	}
}

func TestInvalidVersion(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"jsonrpc":"1.0","method":"chain_list","id":1}`)))
	s.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("error = %+v, want InvalidRequest", resp.Error)
	}
}

func TestChainList(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "chain_list", nil)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	var result struct {
		Chains  []ChainInfo `json:"chains"`
		Network string      `json:"network"`
	}
	resultInto(t, resp, &result)
	if result.Network != "testnet" {
		t.Errorf("network = %s", result.Network)
	}

	found := map[string]bool{}
	for _, c := range result.Chains {
		found[c.Symbol] = true
	}
	for _, want := range []string{"BTC", "ETH", "XDC", "BTM"} {
		if !found[want] {
			t.Errorf("chain %s missing from list", want)
		}
	}
}

func TestSecretGenerateAndVerify(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "secret_generate", SecretGenerateParams{Chain: "BTC"})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var gen SecretGenerateResult
	resultInto(t, resp, &gen)
	if gen.Scheme != "sha256d" {
		t.Errorf("scheme = %s, want sha256d", gen.Scheme)
	}

	resp = call(t, s, "secret_verify", SecretVerifyParams{
		Chain: "BTC", Secret: gen.Secret, SecretHash: gen.SecretHash,
	})
	if resp.Error != nil {
		t.Fatalf("verify error = %+v", resp.Error)
	}
	var verify struct {
		Valid bool `json:"valid"`
	}
	resultInto(t, resp, &verify)
	if !verify.Valid {
		t.Error("generated secret did not verify against its hash")
	}

	// Mismatched preimage must fail.
	resp = call(t, s, "secret_verify", SecretVerifyParams{
		Chain: "BTC", Secret: "00", SecretHash: gen.SecretHash,
	})
	resultInto(t, resp, &verify)
	if verify.Valid {
		t.Error("wrong secret verified")
	}
}

func TestSwapCreateAndGet(t *testing.T) {
	s := newTestServer(t)

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

	resp := call(t, s, "swap_create", SwapCreateParams{
		Chain:      "BTC",
		Recipient:  IdentityParams{PubKey: hex.EncodeToString(recipientKey.PubKey().SerializeCompressed())},
		Sender:     IdentityParams{PubKey: hex.EncodeToString(senderKey.PubKey().SerializeCompressed())},
		SecretHash: hex.EncodeToString(secretHash),
		Expiry:     2500100,
		Amount:     500000,
		Secret:     hex.EncodeToString(secretBytes),
		Head:       2500000,
	})
	if resp.Error != nil {
		t.Fatalf("swap_create error = %+v", resp.Error)
	}

	var created SwapResult
	resultInto(t, resp, &created)
	if created.State != string(coordinator.StateInitiated) {
		t.Errorf("state = %s, want initiated", created.State)
	}
	if created.Address == "" || created.Address[:3] != "tb1" {
		t.Errorf("address = %s, want tb1 prefix", created.Address)
	}

	resp = call(t, s, "swap_get", SwapGetParams{ID: created.ID})
	if resp.Error != nil {
		t.Fatalf("swap_get error = %+v", resp.Error)
	}
	var fetched SwapResult
	resultInto(t, resp, &fetched)
	if fetched.ID != created.ID || fetched.Address != created.Address {
		t.Errorf("fetched = %+v, want %+v", fetched, created)
	}

	resp = call(t, s, "swap_list", nil)
	var list struct {
		Count int `json:"count"`
	}
	resultInto(t, resp, &list)
	if list.Count != 1 {
		t.Errorf("swap count = %d, want 1", list.Count)
	}
}

func TestSwapCreateRejectsWrongSecret(t *testing.T) {
	s := newTestServer(t)

	secretHash, err := secret.Hash([]byte("something else"), chain.HashSHA256d)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	recipientKey, _ := btcec.NewPrivateKey()
	senderKey, _ := btcec.NewPrivateKey()

	resp := call(t, s, "swap_create", SwapCreateParams{
		Chain:      "BTC",
		Recipient:  IdentityParams{PubKey: hex.EncodeToString(recipientKey.PubKey().SerializeCompressed())},
		Sender:     IdentityParams{PubKey: hex.EncodeToString(senderKey.PubKey().SerializeCompressed())},
		SecretHash: hex.EncodeToString(secretHash),
		Expiry:     2500100,
		Amount:     500000,
		Secret:     "deadbeef",
		Head:       2500000,
	})
	if resp.Error == nil {
		t.Error("expected error for secret not matching hash")
	}
}

func TestWalletMethods(t *testing.T) {
	s := newTestServer(t)

	resp := call(t, s, "wallet_generateMnemonic", nil)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var gen struct {
		Mnemonic string `json:"mnemonic"`
	}
	resultInto(t, resp, &gen)

	resp = call(t, s, "wallet_validateMnemonic", WalletValidateParams{Mnemonic: gen.Mnemonic})
	var valid struct {
		Valid bool `json:"valid"`
	}
	resultInto(t, resp, &valid)
	if !valid.Valid {
		t.Error("generated mnemonic failed validation")
	}

	resp = call(t, s, "wallet_getAddress", WalletAddressParams{Chain: "BTC"})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var addr struct {
		Address string `json:"address"`
	}
	resultInto(t, resp, &addr)
	if addr.Address == "" {
		t.Error("empty address")
	}
}

func TestWalletMissing(t *testing.T) {
	s := NewServer(chain.Testnet, coordinator.New(nil, nil), nil, chainclient.NewRegistry(), nil)
	resp := call(t, s, "wallet_getAddress", WalletAddressParams{Chain: "BTC"})
	if resp.Error == nil {
		t.Error("expected error without wallet")
	}
}

func TestChainHeadNoClient(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "chain_head", ChainParams{Chain: "BTC"})
	if resp.Error == nil {
		t.Error("expected error with empty client registry")
	}
}

func TestTxBuildClaimAndBroadcast(t *testing.T) {
	f := newSwapFixture(t)
	f.reportFund(t)

	htlcTxID, htlcVout := htlcOutpoint()
	resp := call(t, f.server, "tx_buildClaim", TxBuildParams{
		SwapID:     f.swap.ID,
		HTLCTxID:   htlcTxID,
		HTLCVout:   htlcVout,
		HTLCAmount: 500000,
		FeeRate:    2,
	})
	if resp.Error != nil {
		t.Fatalf("tx_buildClaim error = %+v", resp.Error)
	}
	var built TxBuildResult
	resultInto(t, resp, &built)
	if built.Kind != "claim" || built.Status != "signed" {
		t.Errorf("kind/status = %s/%s", built.Kind, built.Status)
	}
	if built.Raw == "" {
		t.Fatal("empty raw transaction")
	}

	resp = call(t, f.server, "swap_broadcast", SwapBroadcastParams{SwapID: f.swap.ID, Kind: "claim"})
	if resp.Error != nil {
		t.Fatalf("swap_broadcast error = %+v", resp.Error)
	}
	var sent struct {
		TxID string `json:"txid"`
	}
	resultInto(t, resp, &sent)
	if sent.TxID != "broadcasttx" {
		t.Errorf("txid = %s", sent.TxID)
	}
	if len(f.client.broadcastRaw) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(f.client.broadcastRaw))
	}
	raw, _ := hex.DecodeString(built.Raw)
	if !bytes.Equal(f.client.broadcastRaw[0], raw) {
		t.Error("broadcast bytes differ from built transaction")
	}

	resp = call(t, f.server, "swap_get", SwapGetParams{ID: f.swap.ID})
	var after SwapResult
	resultInto(t, resp, &after)
	if after.State != string(coordinator.StateClaimPending) {
		t.Errorf("state = %s, want claim_pending", after.State)
	}
}

func TestTxBuildClaimRejectsWrongSecret(t *testing.T) {
	f := newSwapFixture(t)
	f.reportFund(t)

	htlcTxID, htlcVout := htlcOutpoint()
	resp := call(t, f.server, "tx_buildClaim", TxBuildParams{
		SwapID:     f.swap.ID,
		HTLCTxID:   htlcTxID,
		HTLCVout:   htlcVout,
		HTLCAmount: 500000,
		FeeRate:    2,
		Secret:     hex.EncodeToString(bytes.Repeat([]byte{0xcd}, 32)),
	})
	if resp.Error == nil {
		t.Fatal("expected error for wrong secret")
	}
	if !strings.Contains(resp.Error.Message, "secret") {
		t.Errorf("error = %s", resp.Error.Message)
	}
}

func TestTxBuildFundUsesClientObservations(t *testing.T) {
	f := newSwapFixture(t)
	walletTxID, _ := htlcOutpoint()
	f.client.utxos = []chainclient.UTXO{{TxID: walletTxID, Vout: 1, Amount: 800000}}

	// No utxos or fee rate given: both come from the chain client.
	resp := call(t, f.server, "tx_buildFund", TxBuildParams{SwapID: f.swap.ID})
	if resp.Error != nil {
		t.Fatalf("tx_buildFund error = %+v", resp.Error)
	}
	var built TxBuildResult
	resultInto(t, resp, &built)
	if built.Kind != "fund" || built.Raw == "" {
		t.Errorf("kind/raw = %s/%q", built.Kind, built.Raw)
	}
}

func TestRefundGateAndReportFlow(t *testing.T) {
	f := newSwapFixture(t)
	f.reportFund(t)

	htlcTxID, htlcVout := htlcOutpoint()
	resp := call(t, f.server, "tx_buildRefund", TxBuildParams{
		SwapID:     f.swap.ID,
		HTLCTxID:   htlcTxID,
		HTLCVout:   htlcVout,
		HTLCAmount: 500000,
		FeeRate:    2,
	})
	if resp.Error != nil {
		t.Fatalf("tx_buildRefund error = %+v", resp.Error)
	}
	var built TxBuildResult
	resultInto(t, resp, &built)
	if built.MinBroadcastHead != 2500100 {
		t.Errorf("MinBroadcastHead = %d, want expiry 2500100", built.MinBroadcastHead)
	}

	// Below the expiry the broadcast gate holds the refund back.
	f.client.head = 2500050
	resp = call(t, f.server, "swap_broadcast", SwapBroadcastParams{SwapID: f.swap.ID, Kind: "refund"})
	if resp.Error == nil {
		t.Fatal("refund broadcast before expiry should fail")
	}
	if !strings.Contains(resp.Error.Message, "broadcast gate") {
		t.Errorf("error = %s", resp.Error.Message)
	}

	// Past the expiry: report it, then broadcast and confirm.
	f.client.head = 2500100
	resp = call(t, f.server, "swap_reportExpiry", SwapReportExpiryParams{SwapID: f.swap.ID})
	if resp.Error != nil {
		t.Fatalf("swap_reportExpiry error = %+v", resp.Error)
	}

	resp = call(t, f.server, "swap_broadcast", SwapBroadcastParams{SwapID: f.swap.ID, Kind: "refund"})
	if resp.Error != nil {
		t.Fatalf("swap_broadcast error = %+v", resp.Error)
	}

	resp = call(t, f.server, "swap_reportRefund", SwapReportRefundParams{SwapID: f.swap.ID, TxID: "broadcasttx"})
	if resp.Error != nil {
		t.Fatalf("swap_reportRefund error = %+v", resp.Error)
	}
	resp = call(t, f.server, "swap_get", SwapGetParams{ID: f.swap.ID})
	var after SwapResult
	resultInto(t, resp, &after)
	if after.State != string(coordinator.StateRefunded) {
		t.Errorf("state = %s, want refunded", after.State)
	}
}

func TestPollHeadsSweepsExpiries(t *testing.T) {
	f := newSwapFixture(t)
	f.reportFund(t)

	f.client.head = 2500100
	f.server.pollHeads(context.Background())

	resp := call(t, f.server, "swap_get", SwapGetParams{ID: f.swap.ID})
	var after SwapResult
	resultInto(t, resp, &after)
	if after.State != string(coordinator.StateExpired) {
		t.Errorf("state = %s, want expired", after.State)
	}
}

type fakeProposer struct {
	addr     string
	proposal *p2p.Proposal
	err      error
}

func (p *fakeProposer) Propose(_ context.Context, addr string, proposal *p2p.Proposal) error {
	p.addr = addr
	p.proposal = proposal
	return p.err
}

func proposeLeg(t *testing.T, amount uint64) SwapCreateParams {
	t.Helper()
	secretHash, err := secret.Hash(bytes.Repeat([]byte{0xab}, 32), chain.HashSHA256d)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	recipientKey, _ := btcec.NewPrivateKey()
	senderKey, _ := btcec.NewPrivateKey()
	return SwapCreateParams{
		Chain:      "BTC",
		Recipient:  IdentityParams{PubKey: hex.EncodeToString(recipientKey.PubKey().SerializeCompressed())},
		Sender:     IdentityParams{PubKey: hex.EncodeToString(senderKey.PubKey().SerializeCompressed())},
		SecretHash: hex.EncodeToString(secretHash),
		Expiry:     2500100,
		Amount:     amount,
		Head:       2500000,
	}
}

func TestSwapPropose(t *testing.T) {
	s := newTestServer(t)
	proposer := &fakeProposer{}
	s.SetProposer(proposer)

	resp := call(t, s, "swap_propose", SwapProposeParams{
		Peer:       "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWtest",
		OfferLeg:   proposeLeg(t, 500000),
		RequestLeg: proposeLeg(t, 250000),
		Secret:     hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32)),
	})
	if resp.Error != nil {
		t.Fatalf("swap_propose error = %+v", resp.Error)
	}
	if proposer.addr != "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWtest" {
		t.Errorf("proposer addr = %s", proposer.addr)
	}
	if proposer.proposal == nil || proposer.proposal.OfferLeg == nil || proposer.proposal.RequestLeg == nil {
		t.Fatal("proposal missing legs")
	}

	var result SwapProposeResult
	resultInto(t, resp, &result)
	if result.OfferLeg.State != string(coordinator.StateInitiated) {
		t.Errorf("offer state = %s", result.OfferLeg.State)
	}

	resp = call(t, s, "swap_list", nil)
	var list struct {
		Count int `json:"count"`
	}
	resultInto(t, resp, &list)
	if list.Count != 2 {
		t.Errorf("tracked swaps = %d, want both legs", list.Count)
	}
}

func TestSwapProposeRejected(t *testing.T) {
	s := newTestServer(t)
	s.SetProposer(&fakeProposer{err: p2p.ErrProposalRejected})

	resp := call(t, s, "swap_propose", SwapProposeParams{
		Peer:       "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWtest",
		OfferLeg:   proposeLeg(t, 500000),
		RequestLeg: proposeLeg(t, 250000),
	})
	if resp.Error == nil {
		t.Fatal("expected error for rejected proposal")
	}

	// Nothing gets tracked on rejection.
	resp = call(t, s, "swap_list", nil)
	var list struct {
		Count int `json:"count"`
	}
	resultInto(t, resp, &list)
	if list.Count != 0 {
		t.Errorf("tracked swaps = %d, want 0", list.Count)
	}
}

func TestSwapProposeWithoutMessenger(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "swap_propose", SwapProposeParams{
		Peer:       "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWtest",
		OfferLeg:   proposeLeg(t, 500000),
		RequestLeg: proposeLeg(t, 250000),
	})
	if resp.Error == nil {
		t.Error("expected error without a messenger")
	}
}
