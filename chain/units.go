package chain

import (
	"fmt"
	"math/big"
	"strings"
)

const EtherDecimals = 18

// FormatUnits converts an integer token amount into a float for display.
func FormatUnits(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	out, _ := f.Float64()
	return out
}

// ParseUnits converts a decimal string ("1.5") into an integer amount with the
// given number of decimals. Excess fractional digits are rejected.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// Ether returns the wei value of a decimal ether string. It panics on invalid
// input and is meant for constants.
func Ether(s string) *big.Int {
	v, err := ParseUnits(s, EtherDecimals)
	if err != nil {
		panic(err)
	}
	return v
}
