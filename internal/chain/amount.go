package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// PriceDecimals is the decimal precision of the payment currency (native
// testnet ether, 18 decimals).
const PriceDecimals = 18

// ParsePrice converts a human-readable decimal amount (e.g. "1.5") to the
// integer base unit (wei). Negative and malformed amounts are rejected.
func ParsePrice(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}
	if whole == "" {
		whole = "0"
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}
	if wholeBig.Sign() < 0 || strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		// Pad or truncate to 18 digits
		if len(decimal) > PriceDecimals {
			decimal = decimal[:PriceDecimals]
		}
		for len(decimal) < PriceDecimals {
			decimal += "0"
		}

		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok || decimalBig.Sign() < 0 {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}

// FormatPrice converts a base-unit (wei) amount to a human-readable decimal
// string with trailing zeros trimmed, so ParsePrice("1.5") round-trips to "1.5".
func FormatPrice(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := remainder.String()
	for len(frac) < PriceDecimals {
		frac = "0" + frac
	}
	frac = strings.TrimRight(frac, "0")

	return whole.String() + "." + frac
}

// HoursToSeconds converts a duration supplied in hours to the seconds the
// contract expects.
func HoursToSeconds(hours uint64) uint64 {
	return hours * 3600
}
