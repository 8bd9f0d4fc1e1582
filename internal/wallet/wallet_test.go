package wallet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/signer"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return w
}

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	words := strings.Fields(mnemonic)
	if len(words) != 24 {
		t.Errorf("word count = %d, want 24", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic failed validation")
	}
}

func TestValidateMnemonic(t *testing.T) {
	if !ValidateMnemonic(testMnemonic) {
		t.Error("known-good mnemonic rejected")
	}
	if ValidateMnemonic("not a real mnemonic at all") {
		t.Error("garbage mnemonic accepted")
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("bad mnemonic", "", chain.Testnet); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestDerivationDeterministic(t *testing.T) {
	first := newTestWallet(t)
	second := newTestWallet(t)

	addrA, err := first.DeriveAddress("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	addrB, err := second.DeriveAddress("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if addrA != addrB {
		t.Errorf("same mnemonic produced different addresses: %s vs %s", addrA, addrB)
	}

	// The cache must return the same key as a fresh derivation.
	cached, err := first.DeriveAddress("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if cached != addrA {
		t.Errorf("cached address %s differs from %s", cached, addrA)
	}
}

func TestDeriveAddressBTC(t *testing.T) {
	w := newTestWallet(t)
	addr, err := w.DeriveAddress("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if !strings.HasPrefix(addr, "tb1") {
		t.Errorf("testnet address = %s, want tb1 prefix", addr)
	}

	mainnet, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	addr, err = mainnet.DeriveAddress("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if !strings.HasPrefix(addr, "bc1") {
		t.Errorf("mainnet address = %s, want bc1 prefix", addr)
	}
}

func TestDeriveAddressEVM(t *testing.T) {
	w := newTestWallet(t)
	addr, err := w.DeriveAddress("ETH", 0, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("EVM address = %s, want 0x-prefixed 20 bytes", addr)
	}

	// Different index, different address.
	other, err := w.DeriveAddress("ETH", 0, 1)
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if other == addr {
		t.Error("distinct indexes produced the same address")
	}
}

func TestDeriveAddressUnsupported(t *testing.T) {
	w := newTestWallet(t)
	if _, err := w.DeriveAddress("DOGE", 0, 0); err == nil {
		t.Error("expected error for unregistered chain")
	}
	if _, err := w.DeriveAddress("BTM", 0, 0); err == nil {
		t.Error("expected error for contract-VM chain address")
	}
}

func TestIndexSeparation(t *testing.T) {
	w := newTestWallet(t)
	keyA, err := w.DerivePrivateKey("BTC", 0, 0)
	if err != nil {
		t.Fatalf("DerivePrivateKey() error = %v", err)
	}
	keyB, err := w.DerivePrivateKey("BTC", 0, 1)
	if err != nil {
		t.Fatalf("DerivePrivateKey() error = %v", err)
	}
	if bytes.Equal(keyA.Serialize(), keyB.Serialize()) {
		t.Error("distinct indexes produced the same key")
	}

	keyC, err := w.DerivePrivateKey("BTC", 1, 0)
	if err != nil {
		t.Fatalf("DerivePrivateKey() error = %v", err)
	}
	if bytes.Equal(keyA.Serialize(), keyC.Serialize()) {
		t.Error("distinct accounts produced the same key")
	}
}

func TestExpandedEd25519Key(t *testing.T) {
	w := newTestWallet(t)
	expanded, err := w.DeriveExpandedEd25519Key("BTM", 0, 0)
	if err != nil {
		t.Fatalf("DeriveExpandedEd25519Key() error = %v", err)
	}
	if len(expanded) != signer.ExpandedKeyLen {
		t.Fatalf("expanded key length = %d, want %d", len(expanded), signer.ExpandedKeyLen)
	}
	// Clamping invariants on the scalar half.
	if expanded[0]&7 != 0 {
		t.Error("scalar low bits not cleared")
	}
	if expanded[31]&128 != 0 || expanded[31]&64 == 0 {
		t.Error("scalar high bits not clamped")
	}

	pub, err := w.DeriveEd25519PubKey("BTM", 0, 0)
	if err != nil {
		t.Fatalf("DeriveEd25519PubKey() error = %v", err)
	}
	if len(pub) != 32 {
		t.Fatalf("pub key length = %d, want 32", len(pub))
	}

	// The derived key pair must sign and verify.
	msg := []byte("swap digest")
	sig, err := signer.SignEd25519Expanded(msg, expanded)
	if err != nil {
		t.Fatalf("SignEd25519Expanded() error = %v", err)
	}
	if !signer.VerifyEd25519(sig, msg, pub) {
		t.Error("signature from derived key did not verify")
	}
}

func TestEVMPrivateKeyBytes(t *testing.T) {
	w := newTestWallet(t)
	keyBytes, err := w.EVMPrivateKeyBytes("ETH", 0, 0)
	if err != nil {
		t.Fatalf("EVMPrivateKeyBytes() error = %v", err)
	}
	if len(keyBytes) != 32 {
		t.Errorf("key length = %d, want 32", len(keyBytes))
	}
}
