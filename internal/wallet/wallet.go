// Package wallet holds the HD keys of the swap daemon and signs digests for
// the chain drivers. Keys are derived from a BIP39 seed along BIP84 paths
// for UTXO chains and BIP44 paths for EVM chains.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
)

// Common errors
var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrUnknownAddress  = errors.New("address not owned by wallet")
	ErrInvalidDigest   = errors.New("digest must be 32 bytes")
)

// GapLimit is how many addresses per chain are searched when an address is
// not in the index yet.
const GapLimit = 20

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu    sync.RWMutex
	cache map[string]*btcec.PrivateKey // by derivation path
	index map[string]string            // normalized address -> path
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

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// Chain params only affect extended key serialization, which is never
	// exposed.
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*btcec.PrivateKey),
		index:     make(map[string]string),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// coinPath returns the BIP purpose and coin type of a chain.
func coinPath(params *chain.Params) (purpose, coin uint32) {
	switch {
	case params.Family != chain.FamilyUTXO:
		return 44, 60
	case params.Network == chain.Testnet:
		return 84, 1
	case params.Symbol == "LTC":
		return 84, 2
	default:
		return 84, 0
	}
}

// DerivePrivateKey derives the key at m/purpose'/coin'/account'/0/index for
// symbol.
func (w *Wallet) DerivePrivateKey(symbol string, account, index uint32) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	purpose, coin := coinPath(params)
	return w.deriveKey(purpose, coin, account, 0, index)
}

func (w *Wallet) deriveKey(purpose, coin, account, change, index uint32) (*btcec.PrivateKey, error) {
	path := fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coin, account, change, index)

	w.mu.RLock()
	key, ok := w.cache[path]
	w.mu.RUnlock()
	if ok {
		return key, nil
	}

	ext := w.masterKey
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coin,
		hdkeychain.HardenedKeyStart + account,
		change,
		index,
	} {
		var err error
		ext, err = ext.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
	}

	key, err := ext.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	w.mu.Lock()
	w.cache[path] = key
	w.mu.Unlock()
	return key, nil
}

// DeriveAddress derives the receiving address of symbol at account/index
// and remembers it for signing.
func (w *Wallet) DeriveAddress(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}
	key, err := w.DerivePrivateKey(symbol, account, index)
	if err != nil {
		return "", err
	}
	addr, err := AddressFromPubKey(key.PubKey(), params)
	if err != nil {
		return "", err
	}

	purpose, coin := coinPath(params)
	w.mu.Lock()
	w.index[normalize(params, addr)] = fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coin, account, 0, index)
	w.mu.Unlock()
	return addr, nil
}

// keyFor finds the key owning address, scanning the first GapLimit
// addresses of account 0 on a miss.
func (w *Wallet) keyFor(currency, address string) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(currency, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", currency)
	}
	norm := normalize(params, address)

	w.mu.RLock()
	path, ok := w.index[norm]
	var key *btcec.PrivateKey
	if ok {
		key = w.cache[path]
	}
	w.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	for i := uint32(0); i < GapLimit; i++ {
		addr, err := w.DeriveAddress(currency, 0, i)
		if err != nil {
			return nil, err
		}
		if normalize(params, addr) == norm {
			return w.DerivePrivateKey(currency, 0, i)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
}

// PublicKey returns the compressed public key of address.
func (w *Wallet) PublicKey(ctx context.Context, currency, address string) ([]byte, error) {
	key, err := w.keyFor(currency, address)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}

// SignDigest signs a 32-byte digest with the key of address and returns
// [R || S || V] with V in {0, 1}.
func (w *Wallet) SignDigest(ctx context.Context, currency, address string, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	key, err := w.keyFor(currency, address)
	if err != nil {
		return nil, err
	}

	// SignCompact returns [27 + 4 + recid || R || S] for compressed keys.
	compact := ecdsa.SignCompact(key, digest, true)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 31
	return sig, nil
}

// ClearCache drops all derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, key := range w.cache {
		key.Zero()
		delete(w.cache, path)
	}
	w.index = make(map[string]string)
}

func normalize(params *chain.Params, address string) string {
	if params.Family != chain.FamilyUTXO {
		return strings.ToLower(address)
	}
	return address
}

// Ensure Wallet implements backend.Signer
var _ backend.Signer = (*Wallet)(nil)
