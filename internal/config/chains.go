package config

import (
	"github.com/klingon-exchange/swapd/internal/chain"
)

// Backend kinds.
const (
	BackendMempool = "mempool" // mempool.space compatible REST API
	BackendEsplora = "esplora" // blockstream.info compatible REST API
	BackendEVM     = "evm"     // Ethereum JSON-RPC
)

// ChainConfig holds per-currency settings.
type ChainConfig struct {
	// Backend selects the chain adapter.
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`

	// HashScheme is the commitment function the chain's HTLC expects.
	HashScheme string `yaml:"hash_scheme"`

	MinConfirmations int64 `yaml:"min_confirmations"`

	// FeeRate overrides the estimated fee rate in sat/vB (UTXO chains).
	FeeRate uint64 `yaml:"fee_rate,omitempty"`

	// HTLC contract address (EVM chains).
	Contract string `yaml:"contract,omitempty"`
	// Token overrides the ERC-20 token address.
	Token string `yaml:"token,omitempty"`

	GasLimitInitiate uint64 `yaml:"gas_limit_initiate,omitempty"`
	GasLimitRedeem   uint64 `yaml:"gas_limit_redeem,omitempty"`
	GasLimitRefund   uint64 `yaml:"gas_limit_refund,omitempty"`
	GasLimitApprove  uint64 `yaml:"gas_limit_approve,omitempty"`
}

var defaultURLs = map[string]map[chain.Network]string{
	"BTC": {
		chain.Mainnet: "https://mempool.space/api",
		chain.Testnet: "https://mempool.space/testnet/api",
	},
	"LTC": {
		chain.Mainnet: "https://litecoinspace.org/api",
		chain.Testnet: "https://litecoinspace.org/testnet/api",
	},
	"ETH": {
		chain.Mainnet: "https://eth.llamarpc.com",
		chain.Testnet: "https://ethereum-sepolia-rpc.publicnode.com",
	},
	"BNB": {
		chain.Mainnet: "https://bsc-dataseed.binance.org",
		chain.Testnet: "https://data-seed-prebsc-1-s1.binance.org:8545",
	},
}

// DefaultChains returns the default chain set for a network. EVM chains
// need a contract address before they can trade.
func DefaultChains(network chain.Network) map[string]*ChainConfig {
	chains := make(map[string]*ChainConfig)
	for _, symbol := range []string{"BTC", "LTC", "ETH"} {
		cc := &ChainConfig{}
		cc.applyDefaults(symbol, network)
		chains[symbol] = cc
	}
	return chains
}

func (c *ChainConfig) applyDefaults(symbol string, network chain.Network) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return
	}

	if c.HashScheme == "" {
		c.HashScheme = "hash256"
	}

	switch params.Family {
	case chain.FamilyUTXO:
		if c.Backend == "" {
			c.Backend = BackendMempool
		}
		if c.MinConfirmations == 0 {
			c.MinConfirmations = 1
		}
	case chain.FamilyEVM, chain.FamilyERC20:
		c.Backend = BackendEVM
		if c.MinConfirmations == 0 {
			c.MinConfirmations = 2
		}
		if c.GasLimitInitiate == 0 {
			c.GasLimitInitiate = 200_000
		}
		if c.GasLimitRedeem == 0 {
			c.GasLimitRedeem = 120_000
		}
		if c.GasLimitRefund == 0 {
			c.GasLimitRefund = 90_000
		}
		if c.GasLimitApprove == 0 {
			c.GasLimitApprove = 60_000
		}
		if c.Token == "" {
			c.Token = params.TokenAddress
		}
	}

	if c.URL == "" {
		lookup := symbol
		if params.Family == chain.FamilyERC20 {
			lookup = params.FeeSymbol
		}
		c.URL = defaultURLs[lookup][network]
	}
}
