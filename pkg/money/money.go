// Package money provides an integer amount type for billing arithmetic.
//
// An Amount is a count of the smallest currency unit (paise, cents). All
// arithmetic is integer-only so that running totals such as an insurance
// enrollment's cumulative payout never drift.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a monetary value in the smallest currency unit.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// ErrOverflow is returned when an operation would exceed the int64 range.
var ErrOverflow = errors.New("money: amount overflow")

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return a - b }

// Mul multiplies the amount by a quantity, reporting overflow.
func (a Amount) Mul(qty int64) (Amount, error) {
	if a == 0 || qty == 0 {
		return 0, nil
	}
	r := int64(a) * qty
	if r/qty != int64(a) || (int64(a) == -1 && qty == math.MinInt64) || (qty == -1 && int64(a) == math.MinInt64) {
		return 0, ErrOverflow
	}
	return Amount(r), nil
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// IsNegative reports whether the amount is less than zero.
func (a Amount) IsNegative() bool { return a < 0 }

// NonNegative clamps negative amounts to zero.
func (a Amount) NonNegative() Amount {
	if a < 0 {
		return 0
	}
	return a
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Sum adds amounts, reporting overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, v := range amounts {
		if (v > 0 && total > math.MaxInt64-v) || (v < 0 && total < math.MinInt64-v) {
			return 0, ErrOverflow
		}
		total += v
	}
	return total, nil
}

// FormatMajor renders the amount in major units using the given number of
// minor-unit decimals, e.g. Amount(4950).FormatMajor(2) == "49.50".
func (a Amount) FormatMajor(decimals int) string {
	if decimals <= 0 {
		return strconv.FormatInt(int64(a), 10)
	}
	neg := a < 0
	abs := uint64(a)
	if neg {
		abs = uint64(-(a + 1)) + 1
	}
	div := uint64(1)
	for i := 0; i < decimals; i++ {
		div *= 10
	}
	s := fmt.Sprintf("%d.%0*d", abs/div, decimals, abs%div)
	if neg {
		return "-" + s
	}
	return s
}

// ParseMajor parses a decimal string in major units ("49.5", "1200") into an
// Amount with the given number of minor-unit decimals. Extra precision is
// rejected rather than rounded.
func ParseMajor(s string, decimals int) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: parse %q: empty", s)
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("money: parse %q: no digits", s)
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("money: parse %q: more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	digits := whole + frac
	if digits == "" {
		digits = "0"
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("money: parse %q: invalid digit %q", s, r)
		}
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, ErrOverflow)
	}
	if neg {
		v = -v
	}
	return Amount(v), nil
}
