// Package money provides common amount-formatting utilities used across
// the core, the same way the exchange's helpers package centralizes
// these conversions instead of scattering big.Int math through callers.
package money

import (
	"fmt"
	"math/big"
)

// Minor units per currency (paise for INR, cents for USD, etc).
const defaultDecimals = 2

// FormatAmount formats an amount given in minor units (e.g. paise) as a
// decimal string. FormatAmount(150099, 2) returns "1500.99".
func FormatAmount(amount int64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	neg := amount < 0
	if neg {
		amount = -amount
	}

	amountBig := new(big.Int).SetInt64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)

	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%s.%s", sign, whole.String(), fracStr)
}

// ParseAmount parses a decimal string into minor units.
// ParseAmount("1500.99", 2) returns 150099.
func ParseAmount(s string, decimals uint8) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var wholeStr, fracStr string
	dot := -1
	for i, c := range s {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot >= 0 {
		wholeStr = s[:dot]
		fracStr = s[dot+1:]
	} else {
		wholeStr = s
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	if _, ok := amount.SetString(combined, 10); !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if !amount.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	v := amount.Int64()
	if neg {
		v = -v
	}
	return v, nil
}

// FormatINR formats paise as a rupee decimal string (2 decimals).
func FormatINR(paise int64) string {
	return FormatAmount(paise, defaultDecimals)
}

// ParseINR parses a rupee decimal string into paise.
func ParseINR(rupees string) (int64, error) {
	return ParseAmount(rupees, defaultDecimals)
}
