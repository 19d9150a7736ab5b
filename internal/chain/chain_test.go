package chain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func TestAllChainsRegistered(t *testing.T) {
	expected := []string{"BTC", "LTC", "ETH", "BNB", "USDT", "USDC"}

	for _, symbol := range expected {
		if !IsSupported(symbol) {
			t.Errorf("expected %s to be registered", symbol)
		}
	}
}

func TestFamilies(t *testing.T) {
	tests := []struct {
		symbol string
		family Family
		units  uint8
	}{
		{"BTC", FamilyUTXO, 8},
		{"LTC", FamilyUTXO, 8},
		{"ETH", FamilyEVM, 9},
		{"BNB", FamilyEVM, 9},
		{"USDT", FamilyERC20, 6},
	}

	for _, tc := range tests {
		p, ok := Get(tc.symbol, Mainnet)
		if !ok {
			t.Fatalf("%s mainnet not registered", tc.symbol)
		}
		if p.Family != tc.family {
			t.Errorf("%s: Family = %s, want %s", tc.symbol, p.Family, tc.family)
		}
		if p.UnitDecimals != tc.units {
			t.Errorf("%s: UnitDecimals = %d, want %d", tc.symbol, p.UnitDecimals, tc.units)
		}
	}
}

func TestTokenFeeSymbol(t *testing.T) {
	p, _ := Get("USDT", Mainnet)
	if p.FeeSymbol != "ETH" {
		t.Errorf("USDT FeeSymbol = %s, want ETH", p.FeeSymbol)
	}
	eth, _ := Get("ETH", Mainnet)
	if eth.FeeSymbol != "ETH" {
		t.Errorf("ETH FeeSymbol = %s, want ETH", eth.FeeSymbol)
	}
}

func TestBTCParams(t *testing.T) {
	tests := []struct {
		symbol  string
		network Network
		hrp     string
	}{
		{"BTC", Mainnet, "bc"},
		{"BTC", Testnet, "tb"},
		{"LTC", Mainnet, "ltc"},
		{"LTC", Testnet, "tltc"},
	}

	for _, tc := range tests {
		p, _ := Get(tc.symbol, tc.network)
		params, err := p.BTCParams()
		if err != nil {
			t.Fatalf("%s/%s: BTCParams() error = %v", tc.symbol, tc.network, err)
		}
		if params.Bech32HRPSegwit != tc.hrp {
			t.Errorf("%s/%s: HRP = %s, want %s", tc.symbol, tc.network, params.Bech32HRPSegwit, tc.hrp)
		}

		addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), params)
		if err != nil {
			t.Fatal(err)
		}
		if got := addr.EncodeAddress(); got[:len(tc.hrp)] != tc.hrp {
			t.Errorf("%s/%s: address %s does not use HRP %s", tc.symbol, tc.network, got, tc.hrp)
		}
	}

	eth, _ := Get("ETH", Mainnet)
	if _, err := eth.BTCParams(); err == nil {
		t.Error("BTCParams() on EVM chain should fail")
	}
}

func TestParseNetwork(t *testing.T) {
	if n, err := ParseNetwork("testnet"); err != nil || n != Testnet {
		t.Errorf("ParseNetwork(testnet) = %s, %v", n, err)
	}
	if n, err := ParseNetwork(""); err != nil || n != Mainnet {
		t.Errorf("ParseNetwork(\"\") = %s, %v", n, err)
	}
	if _, err := ParseNetwork("regtest"); err == nil {
		t.Error("ParseNetwork(regtest) should fail")
	}
}
