package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/atomicmesh/atomicmesh/internal/chain"
)

func testKeys(t *testing.T) (recipient, sender Identity) {
	t.Helper()
	recipientKey, _ := btcec.NewPrivateKey()
	senderKey, _ := btcec.NewPrivateKey()
	return Identity{PubKey: recipientKey.PubKey().SerializeCompressed()},
		Identity{PubKey: senderKey.PubKey().SerializeCompressed()}
}

func testSecretHash() []byte {
	return bytes.Repeat([]byte{0xAB}, 32)
}

func TestResolveBTC(t *testing.T) {
	recipient, sender := testKeys(t)
	params, err := Resolve("BTC", chain.Testnet, recipient, sender,
		testSecretHash(), 2500100, Asset{Symbol: "BTC"}, 500000, 2500000)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if params.Expiry.Kind != chain.ExpiryHeight {
		t.Errorf("expiry kind = %s, want height", params.Expiry.Kind)
	}
	if params.Expiry.Value != 2500100 || params.Amount != 500000 {
		t.Errorf("expiry/amount = %d/%d", params.Expiry.Value, params.Amount)
	}

	// The stored hash must be a copy, not an alias of the caller's slice.
	input := testSecretHash()
	params, err = Resolve("BTC", chain.Testnet, recipient, sender,
		input, 2500100, Asset{Symbol: "BTC"}, 500000, 2500000)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	input[0] = 0x00
	if params.SecretHash[0] != 0xAB {
		t.Error("secret hash aliases caller's buffer")
	}
}

func TestResolveETH(t *testing.T) {
	recipient := Identity{Address: "0x1AafDF6aA36713A1Eb7006cFbCBd7011dF58f1Af"}
	sender := Identity{Address: "0xDF27CB66A2EcD501B8e9C1C0Ec39a9B8dAa4C0F3"}

	params, err := Resolve("ETH", chain.Testnet, recipient, sender,
		testSecretHash(), 1900000000, Asset{Symbol: "ETH"}, 250000, 1700000000)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if params.Expiry.Kind != chain.ExpiryTimestamp {
		t.Errorf("expiry kind = %s, want timestamp", params.Expiry.Kind)
	}

	// Token swap: a valid ERC20 address is accepted.
	_, err = Resolve("ETH", chain.Testnet, recipient, sender,
		testSecretHash(), 1900000000,
		Asset{Symbol: "ETH", TokenAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
		250000, 1700000000)
	if err != nil {
		t.Errorf("Resolve() token error = %v", err)
	}
}

func TestResolveBTM(t *testing.T) {
	recipient := Identity{PubKey: bytes.Repeat([]byte{0x01}, 32)}
	sender := Identity{PubKey: bytes.Repeat([]byte{0x02}, 32)}

	params, err := Resolve("BTM", chain.Mainnet, recipient, sender,
		testSecretHash(), 120000, Asset{Symbol: "BTM", AssetID: chain.BTMAssetID}, 10000000, 100000)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if params.Asset.AssetID != chain.BTMAssetID {
		t.Errorf("asset ID = %s", params.Asset.AssetID)
	}

	// Asset ID is mandatory for contract-VM chains.
	_, err = Resolve("BTM", chain.Mainnet, recipient, sender,
		testSecretHash(), 120000, Asset{Symbol: "BTM"}, 10000000, 100000)
	if !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("error = %v, want ErrInvalidAsset", err)
	}
}

func TestResolveRejections(t *testing.T) {
	recipient, sender := testKeys(t)
	btcAsset := Asset{Symbol: "BTC"}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"unknown chain", func() error {
			_, err := Resolve("DOGE", chain.Mainnet, recipient, sender, testSecretHash(), 100, btcAsset, 1000, 10)
			return err
		}, ErrUnknownChain},
		{"short secret hash", func() error {
			_, err := Resolve("BTC", chain.Testnet, recipient, sender, []byte{0x01}, 2500100, btcAsset, 1000, 2500000)
			return err
		}, ErrInvalidIdentity},
		{"expiry at head", func() error {
			_, err := Resolve("BTC", chain.Testnet, recipient, sender, testSecretHash(), 2500000, btcAsset, 1000, 2500000)
			return err
		}, ErrInvalidExpiry},
		{"expiry below head", func() error {
			_, err := Resolve("BTC", chain.Testnet, recipient, sender, testSecretHash(), 2400000, btcAsset, 1000, 2500000)
			return err
		}, ErrInvalidExpiry},
		{"zero amount", func() error {
			_, err := Resolve("BTC", chain.Testnet, recipient, sender, testSecretHash(), 2500100, btcAsset, 0, 2500000)
			return err
		}, ErrInvalidAsset},
		{"wrong asset symbol", func() error {
			_, err := Resolve("BTC", chain.Testnet, recipient, sender, testSecretHash(), 2500100, Asset{Symbol: "ETH"}, 1000, 2500000)
			return err
		}, ErrInvalidAsset},
		{"token on utxo chain", func() error {
			_, err := Resolve("BTC", chain.Testnet, recipient, sender, testSecretHash(), 2500100,
				Asset{Symbol: "BTC", TokenAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7"}, 1000, 2500000)
			return err
		}, ErrInvalidAsset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveIdentityFamilies(t *testing.T) {
	// UTXO-script wants a parseable compressed secp256k1 key.
	_, err := Resolve("BTC", chain.Testnet,
		Identity{PubKey: bytes.Repeat([]byte{0x00}, 33)},
		Identity{PubKey: bytes.Repeat([]byte{0x00}, 33)},
		testSecretHash(), 2500100, Asset{Symbol: "BTC"}, 1000, 2500000)
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("invalid point error = %v", err)
	}

	// Account-contract wants an address, not a key.
	_, err = Resolve("ETH", chain.Testnet,
		Identity{Address: "not-an-address"},
		Identity{Address: "0xDF27CB66A2EcD501B8e9C1C0Ec39a9B8dAa4C0F3"},
		testSecretHash(), 1900000000, Asset{Symbol: "ETH"}, 1000, 1700000000)
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("bad address error = %v", err)
	}

	// UTXO-contract wants a 32-byte ed25519 key.
	_, err = Resolve("BTM", chain.Mainnet,
		Identity{PubKey: bytes.Repeat([]byte{0x01}, 33)},
		Identity{PubKey: bytes.Repeat([]byte{0x02}, 32)},
		testSecretHash(), 120000, Asset{Symbol: "BTM", AssetID: chain.BTMAssetID}, 1000, 100000)
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("wrong key length error = %v", err)
	}
}

func TestParametersWireForm(t *testing.T) {
	recipient, sender := testKeys(t)
	params, err := Resolve("BTC", chain.Testnet, recipient, sender,
		testSecretHash(), 2500100, Asset{Symbol: "BTC"}, 500000, 2500000)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	// Byte fields travel as hex, not base64.
	if !strings.Contains(string(data), strings.Repeat("ab", 32)) {
		t.Errorf("wire form missing hex secret hash: %s", data)
	}

	var decoded Parameters
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !bytes.Equal(decoded.SecretHash, params.SecretHash) {
		t.Error("secret hash mismatch after round trip")
	}
	if !bytes.Equal(decoded.Recipient.PubKey, params.Recipient.PubKey) {
		t.Error("recipient key mismatch after round trip")
	}
	if decoded.Expiry != params.Expiry || decoded.Amount != params.Amount {
		t.Errorf("expiry/amount mismatch: %+v", decoded)
	}
	if decoded.Chain != "BTC" || decoded.Network != chain.Testnet {
		t.Errorf("chain/network = %s/%s", decoded.Chain, decoded.Network)
	}
}
