package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/swapd/internal/chain"
)

// AddressFromPubKey encodes a public key as a P2WPKH address on UTXO chains
// and as a checksummed account address on EVM chains.
func AddressFromPubKey(pubKey *btcec.PublicKey, params *chain.Params) (string, error) {
	if params.Family != chain.FamilyUTXO {
		return crypto.PubkeyToAddress(*pubKey.ToECDSA()).Hex(), nil
	}

	netParams, err := params.BTCParams()
	if err != nil {
		return "", err
	}
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, netParams)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ValidateAddress reports whether address is valid for params.
func ValidateAddress(address string, params *chain.Params) bool {
	if params.Family != chain.FamilyUTXO {
		return common.IsHexAddress(address)
	}
	netParams, err := params.BTCParams()
	if err != nil {
		return false
	}
	addr, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return false
	}
	return addr.IsForNet(netParams)
}
