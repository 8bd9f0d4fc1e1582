package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

func TestRegistryContents(t *testing.T) {
	tests := []struct {
		symbol     string
		network    Network
		family     Family
		expiryKind ExpiryKind
		hashScheme HashScheme
	}{
		{"BTC", Mainnet, FamilyUTXOScript, ExpiryHeight, HashSHA256d},
		{"BTC", Testnet, FamilyUTXOScript, ExpiryHeight, HashSHA256d},
		{"ETH", Mainnet, FamilyAccountContract, ExpiryTimestamp, HashSHA256},
		{"ETH", Testnet, FamilyAccountContract, ExpiryTimestamp, HashSHA256},
		{"XDC", Mainnet, FamilyAccountContract, ExpiryTimestamp, HashSHA256},
		{"BTM", Mainnet, FamilyUTXOContract, ExpiryHeight, HashSHA256},
		{"BTM", Testnet, FamilyUTXOContract, ExpiryHeight, HashSHA256},
		{"VAPOR", Mainnet, FamilyUTXOContract, ExpiryHeight, HashSHA256},
	}

	for _, tt := range tests {
		params, ok := Get(tt.symbol, tt.network)
		if !ok {
			t.Errorf("Get(%s, %s) missing", tt.symbol, tt.network)
			continue
		}
		if params.Family != tt.family {
			t.Errorf("%s/%s family = %s, want %s", tt.symbol, tt.network, params.Family, tt.family)
		}
		if params.ExpiryKind != tt.expiryKind {
			t.Errorf("%s/%s expiry kind = %s, want %s", tt.symbol, tt.network, params.ExpiryKind, tt.expiryKind)
		}
		if params.HashScheme != tt.hashScheme {
			t.Errorf("%s/%s hash scheme = %s, want %s", tt.symbol, tt.network, params.HashScheme, tt.hashScheme)
		}
		if params.SafeExpiryMargin == 0 {
			t.Errorf("%s/%s has no safe expiry margin", tt.symbol, tt.network)
		}
	}
}

func TestGetUnknown(t *testing.T) {
	if _, ok := Get("DOGE", Mainnet); ok {
		t.Error("unregistered chain found")
	}
	if IsSupported("DOGE") {
		t.Error("unregistered chain reported supported")
	}
	if !IsSupported("BTC") {
		t.Error("BTC not supported")
	}
}

func TestChaincfgParams(t *testing.T) {
	btc, _ := Get("BTC", Mainnet)
	if p := btc.ChaincfgParams(); p != &chaincfg.MainNetParams {
		t.Error("BTC mainnet should map onto btcd mainnet params")
	}

	btcTest, _ := Get("BTC", Testnet)
	if p := btcTest.ChaincfgParams(); p != &chaincfg.TestNet3Params {
		t.Error("BTC testnet should map onto btcd testnet3 params")
	}

	eth, _ := Get("ETH", Mainnet)
	if eth.ChaincfgParams() != nil {
		t.Error("account-contract chain should have no btcd params")
	}
}

func TestListByFamily(t *testing.T) {
	utxo := ListByFamily(FamilyUTXOScript)
	if len(utxo) != 1 || utxo[0] != "BTC" {
		t.Errorf("UTXO-script chains = %v", utxo)
	}

	account := map[string]bool{}
	for _, s := range ListByFamily(FamilyAccountContract) {
		account[s] = true
	}
	if !account["ETH"] || !account["XDC"] {
		t.Errorf("account-contract chains = %v", account)
	}

	contractVM := map[string]bool{}
	for _, s := range ListByFamily(FamilyUTXOContract) {
		contractVM[s] = true
	}
	if !contractVM["BTM"] || !contractVM["VAPOR"] {
		t.Errorf("UTXO-contract chains = %v", contractVM)
	}
}

func TestEVMChainIDs(t *testing.T) {
	eth, _ := Get("ETH", Mainnet)
	if eth.ChainID != 1 {
		t.Errorf("ETH mainnet chain ID = %d", eth.ChainID)
	}
	xdc, _ := Get("XDC", Mainnet)
	if xdc.ChainID != 50 {
		t.Errorf("XDC mainnet chain ID = %d", xdc.ChainID)
	}
	if eth.HTLCContract == "" || xdc.HTLCContract == "" {
		t.Error("account-contract chain without HTLC contract address")
	}
}

func TestHDDerivationParams(t *testing.T) {
	btc, _ := Get("BTC", Mainnet)
	if btc.Purpose != 84 || btc.CoinType != 0 {
		t.Errorf("BTC path = %d'/%d'", btc.Purpose, btc.CoinType)
	}
	btcTest, _ := Get("BTC", Testnet)
	if btcTest.CoinType != 1 {
		t.Errorf("BTC testnet coin type = %d", btcTest.CoinType)
	}
	eth, _ := Get("ETH", Mainnet)
	if eth.Purpose != 44 || eth.CoinType != 60 {
		t.Errorf("ETH path = %d'/%d'", eth.Purpose, eth.CoinType)
	}
	btm, _ := Get("BTM", Mainnet)
	if btm.Purpose != 44 || btm.CoinType != 153 {
		t.Errorf("BTM path = %d'/%d'", btm.Purpose, btm.CoinType)
	}
}

func TestContractHRPs(t *testing.T) {
	tests := []struct {
		symbol  string
		network Network
		hrp     string
	}{
		{"BTM", Mainnet, "bm"},
		{"BTM", Testnet, "tm"},
		{"VAPOR", Mainnet, "vp"},
		{"VAPOR", Testnet, "tp"},
	}
	for _, tt := range tests {
		params, ok := Get(tt.symbol, tt.network)
		if !ok {
			t.Errorf("Get(%s, %s) missing", tt.symbol, tt.network)
			continue
		}
		if params.ContractHRP != tt.hrp {
			t.Errorf("%s/%s HRP = %s, want %s", tt.symbol, tt.network, params.ContractHRP, tt.hrp)
		}
		if params.AssetID == "" {
			t.Errorf("%s/%s has no native asset ID", tt.symbol, tt.network)
		}
	}
}
