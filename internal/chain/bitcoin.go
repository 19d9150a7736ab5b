package chain

func init() {
	Register(&Params{
		Symbol:           "BTC",
		Name:             "Bitcoin",
		Family:           FamilyUTXO,
		Network:          Mainnet,
		Decimals:         8,
		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,
		Bech32HRP:        "bc",
	})
	Register(&Params{
		Symbol:           "BTC",
		Name:             "Bitcoin Testnet",
		Family:           FamilyUTXO,
		Network:          Testnet,
		Decimals:         8,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "tb",
	})

	Register(&Params{
		Symbol:           "LTC",
		Name:             "litecoin",
		Family:           FamilyUTXO,
		Network:          Mainnet,
		Decimals:         8,
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
	})
	Register(&Params{
		Symbol:           "LTC",
		Name:             "litecoin-testnet",
		Family:           FamilyUTXO,
		Network:          Testnet,
		Decimals:         8,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
	})
}
