package chain

func init() {
	// Ethereum (chainID 1) and Sepolia (chainID 11155111)
	Register(&Params{
		Symbol:       "ETH",
		Name:         "Ethereum",
		Family:       FamilyEVM,
		Network:      Mainnet,
		Decimals:     18,
		UnitDecimals: 9,
		ChainID:      1,
	})
	Register(&Params{
		Symbol:       "ETH",
		Name:         "Ethereum Sepolia",
		Family:       FamilyEVM,
		Network:      Testnet,
		Decimals:     18,
		UnitDecimals: 9,
		ChainID:      11155111,
	})

	// BNB Smart Chain (chainID 56) and its testnet (chainID 97)
	Register(&Params{
		Symbol:       "BNB",
		Name:         "BNB Smart Chain",
		Family:       FamilyEVM,
		Network:      Mainnet,
		Decimals:     18,
		UnitDecimals: 9,
		ChainID:      56,
	})
	Register(&Params{
		Symbol:       "BNB",
		Name:         "BNB Smart Chain Testnet",
		Family:       FamilyEVM,
		Network:      Testnet,
		Decimals:     18,
		UnitDecimals: 9,
		ChainID:      97,
	})

	// ERC-20 tokens on Ethereum. Gas is paid in ETH.
	Register(&Params{
		Symbol:       "USDT",
		Name:         "Tether USD",
		Family:       FamilyERC20,
		Network:      Mainnet,
		Decimals:     6,
		ChainID:      1,
		FeeSymbol:    "ETH",
		TokenAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	})
	Register(&Params{
		Symbol:       "USDC",
		Name:         "USD Coin",
		Family:       FamilyERC20,
		Network:      Mainnet,
		Decimals:     6,
		ChainID:      1,
		FeeSymbol:    "ETH",
		TokenAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	})
	Register(&Params{
		Symbol:    "USDC",
		Name:      "USD Coin Sepolia",
		Family:    FamilyERC20,
		Network:   Testnet,
		Decimals:  6,
		ChainID:   11155111,
		FeeSymbol: "ETH",
		// Circle's Sepolia deployment
		TokenAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	})
}
