// Package wallet provides HD key management with BIP39/BIP44 support.
// One seed serves every chain family: secp256k1 keys come straight off the
// BIP44 path, ed25519 expanded keys are expanded from the derived key bytes.
package wallet

import (
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/signer"
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.Mutex

	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic. The passphrase may
// be empty.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// Master key derivation uses Bitcoin params; chain-specific params only
	// matter for address encoding later.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}
	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey derives a key at m/purpose'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cacheKey := fmt.Sprintf("%d/%d/%d/%d/%d", purpose, coinType, account, change, index)
	if key, ok := w.cache[cacheKey]; ok {
		return key, nil
	}

	key := w.masterKey
	steps := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + account,
		change,
		index,
	}
	for _, step := range steps {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive path step %d: %w", step, err)
		}
	}

	w.cache[cacheKey] = key
	return key, nil
}

// DeriveKeyForChain derives a key at the chain's default path with change=0.
func (w *Wallet) DeriveKeyForChain(symbol string, account, index uint32) (*hdkeychain.ExtendedKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	return w.DeriveKey(params.Purpose, params.CoinType, account, 0, index)
}

// DerivePrivateKey derives a secp256k1 private key for a chain.
func (w *Wallet) DerivePrivateKey(symbol string, account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKeyForChain(symbol, account, index)
	if err != nil {
		return nil, err
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// DerivePublicKey derives a secp256k1 public key for a chain.
func (w *Wallet) DerivePublicKey(symbol string, account, index uint32) (*btcec.PublicKey, error) {
	key, err := w.DeriveKeyForChain(symbol, account, index)
	if err != nil {
		return nil, err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pubKey, nil
}

// DeriveExpandedEd25519Key derives an ed25519 expanded key for a UTXO-contract
// chain: the 32-byte derived key material is expanded with SHA-512 into the
// clamped scalar and nonce prefix.
func (w *Wallet) DeriveExpandedEd25519Key(symbol string, account, index uint32) ([]byte, error) {
	key, err := w.DeriveKeyForChain(symbol, account, index)
	if err != nil {
		return nil, err
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get key material: %w", err)
	}

	h := sha512.Sum512(privKey.Serialize())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:], nil
}

// DeriveEd25519PubKey derives the ed25519 public key for a UTXO-contract chain.
func (w *Wallet) DeriveEd25519PubKey(symbol string, account, index uint32) ([]byte, error) {
	expanded, err := w.DeriveExpandedEd25519Key(symbol, account, index)
	if err != nil {
		return nil, err
	}
	return signer.Ed25519PubKey(expanded)
}

// DeriveAddress derives the chain's deposit address for a key.
// UTXO-script chains get P2WPKH, account chains a 0x address. UTXO-contract
// chains have no wallet address here: deposits go to node-managed accounts.
func (w *Wallet) DeriveAddress(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}

	switch params.Family {
	case chain.FamilyUTXOScript:
		pubKey, err := w.DerivePublicKey(symbol, account, index)
		if err != nil {
			return "", err
		}
		addr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pubKey.SerializeCompressed()), params.ChaincfgParams())
		if err != nil {
			return "", fmt.Errorf("failed to derive address: %w", err)
		}
		return addr.EncodeAddress(), nil

	case chain.FamilyAccountContract:
		privKey, err := w.DerivePrivateKey(symbol, account, index)
		if err != nil {
			return "", err
		}
		ecdsaKey, err := ethcrypto.ToECDSA(privKey.Serialize())
		if err != nil {
			return "", fmt.Errorf("failed to convert key: %w", err)
		}
		return ethcrypto.PubkeyToAddress(ecdsaKey.PublicKey).Hex(), nil

	default:
		return "", fmt.Errorf("no wallet address form for %s", symbol)
	}
}

// EVMPrivateKeyBytes returns the raw 32-byte key for EVM transaction signing.
func (w *Wallet) EVMPrivateKeyBytes(symbol string, account, index uint32) ([]byte, error) {
	privKey, err := w.DerivePrivateKey(symbol, account, index)
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}
