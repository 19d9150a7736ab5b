// Package chain defines the parameters of the chains swaps can run on.
// All chain-specific values are hardcoded here; deployment details such as
// backend URLs and contract addresses live in config.
package chain

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a configured network name.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, "":
		return Mainnet, nil
	case Testnet:
		return Testnet, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// Family is the swap driver family a chain belongs to.
type Family string

const (
	FamilyUTXO  Family = "utxo"  // BTC and forks, P2WSH HTLC scripts
	FamilyEVM   Family = "evm"   // native coin locked in an HTLC contract
	FamilyERC20 Family = "erc20" // token locked in an HTLC contract
)

// Params contains the parameters of one currency on one network.
type Params struct {
	Symbol  string
	Name    string
	Family  Family
	Network Network

	// Decimals is the chain's own precision (8 for BTC, 18 for ETH).
	Decimals uint8
	// UnitDecimals is the precision of swap amounts, which are uint64. It
	// equals Decimals except for 18-decimal coins, whose amounts are
	// expressed in gwei.
	UnitDecimals uint8

	// UTXO chains
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string

	// EVM chains
	ChainID uint64
	// FeeSymbol is the currency that pays gas. Equals Symbol for native coins.
	FeeSymbol string
	// TokenAddress is the default ERC-20 contract for token currencies.
	TokenAddress string
}

// BTCParams returns btcd network parameters for address encoding and
// script validation. Only valid for UTXO chains.
func (p *Params) BTCParams() (*chaincfg.Params, error) {
	if p.Family != FamilyUTXO {
		return nil, fmt.Errorf("%s is not a UTXO chain", p.Symbol)
	}

	switch {
	case p.Symbol == "BTC" && p.Network == Testnet:
		return &chaincfg.TestNet3Params, nil
	case p.Symbol == "BTC":
		return &chaincfg.MainNetParams, nil
	}

	// Forks reuse the Bitcoin rules with their own address prefixes.
	params := chaincfg.MainNetParams
	if p.Network == Testnet {
		params = chaincfg.TestNet3Params
	}
	params.Name = p.Name
	params.Bech32HRPSegwit = p.Bech32HRP
	params.PubKeyHashAddrID = p.PubKeyHashAddrID
	params.ScriptHashAddrID = p.ScriptHashAddrID
	return &params, nil
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(params *Params) {
	if params.UnitDecimals == 0 {
		params.UnitDecimals = params.Decimals
	}
	if params.FeeSymbol == "" {
		params.FeeSymbol = params.Symbol
	}
	if registry[params.Symbol] == nil {
		registry[params.Symbol] = make(map[Network]*Params)
	}
	registry[params.Symbol][params.Network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported reports whether symbol is registered on any network.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
