// Package usdc handles the fixed-point USDC amounts used for gig prices and
// escrow settlement.
//
// Amounts travel through the system as canonical decimal strings with exactly
// six fractional digits ("10.000000"). On-chain they are big.Int values in
// the token's smallest unit (1 USDC = 1,000,000 units).
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1.50") to smallest units (1500000).
// It returns (nil, false) for negative values, signs, exponents, more than
// one decimal point or any non-digit character. Fractional digits beyond the
// sixth are truncated. The empty string parses as zero.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	whole, frac, found := strings.Cut(s, ".")
	if found && strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// Format renders smallest units as a decimal string with exactly six
// fractional digits (e.g. 1500000 -> "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Normalize returns the canonical six-decimal form of s.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// IsPositive reports whether s parses to an amount greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two amount strings. Unparseable inputs compare as zero.
func Cmp(a, b string) int {
	x, ok := Parse(a)
	if !ok {
		x = big.NewInt(0)
	}
	y, ok := Parse(b)
	if !ok {
		y = big.NewInt(0)
	}
	return x.Cmp(y)
}

// FromUnits builds the canonical string for a whole number of USDC.
func FromUnits(whole int64) string {
	return Format(new(big.Int).Mul(big.NewInt(whole), unit))
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
