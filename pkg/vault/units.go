package vault

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatUnits renders an integer amount in the token's smallest unit as a decimal
// string, trimming trailing zeros of the fraction.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))

	s := whole.String()
	if frac.Sign() != 0 {
		f := frac.String()
		f = strings.Repeat("0", int(decimals)-len(f)) + f
		s += "." + strings.TrimRight(f, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}

// ParseUnits converts a decimal string such as "12.5" into the smallest unit.
// More fractional digits than decimals is an error, never a silent rounding.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("parse units: empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("parse units: %q has more than %d decimals", s, decimals)
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("parse units: invalid amount %q", s)
		}
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("parse units: invalid amount %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
