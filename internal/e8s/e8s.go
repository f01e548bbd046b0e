// Package e8s provides parsing, formatting and overflow-checked arithmetic
// for token amounts held in e8s.
//
// Both the base token and the sale token use 8 decimal places. All amounts
// are uint64 in the smallest unit (1 token = 100,000,000 e8s).
package e8s

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

const (
	Decimals = 8
	PerToken = 100_000_000
)

// Parse converts a decimal string (e.g. "1.5") to e8s (150000000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Signs, exponents and multiple decimal points are rejected
//   - More than 8 fractional digits are rejected rather than truncated
//   - Values that do not fit in a uint64 are rejected
func Parse(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return 0, false
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, false
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	v, err := strconv.ParseUint(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format renders e8s with exactly 8 decimal places (e.g. "1.50000000").
func Format(amount uint64) string {
	s := strconv.FormatUint(amount, 10)
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	return s[:point] + "." + s[point:]
}

// MulDiv returns floor(a*b/d) computed in 256-bit precision. ok is false when
// d is zero or the quotient does not fit in a uint64.
func MulDiv(a, b, d uint64) (uint64, bool) {
	if d == 0 {
		return 0, false
	}
	q, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d))
	if overflow || !q.IsUint64() {
		return 0, false
	}
	return q.Uint64(), true
}

// Add returns a+b, or ok=false on overflow.
func Add(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
