// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := pow10(decimals)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)
	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}
	return whole.String() + "." + fracStr
}

// ScaleUp converts an amount expressed with `from` decimals to a chain
// amount expressed with `to` decimals (to >= from). Used to turn swap units
// (e.g. gwei) into wei.
func ScaleUp(amount uint64, from, to uint8) *big.Int {
	v := new(big.Int).SetUint64(amount)
	if to <= from {
		return v
	}
	return v.Mul(v, pow10(to-from))
}

// ScaleDown is the inverse of ScaleUp. The remainder is truncated; ok is
// false when the result does not fit in uint64.
func ScaleDown(amount *big.Int, from, to uint8) (uint64, bool) {
	if amount == nil || amount.Sign() < 0 {
		return 0, false
	}
	v := new(big.Int).Set(amount)
	if from > to {
		v.Quo(v, pow10(from-to))
	}
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
