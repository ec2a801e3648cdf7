// Package money provides exact decimal arithmetic for fund amounts.
//
// Amounts travel as strings on the wire and as NUMERIC in Postgres; in Go
// they are always decimal.Decimal. Binary floating point is never used.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for currency amounts.
const Scale = 2

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: amount must be positive")
	ErrTooPrecise     = errors.New("money: amount has more than 2 decimal places")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse parses a decimal amount string. Empty input parses as zero.
// Amounts that cannot be stored at Scale without rounding are rejected;
// trailing zeros beyond Scale are fine.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(Scale)) {
		return decimal.Zero, ErrTooPrecise
	}
	return d, nil
}

// ParsePositive parses an amount and rejects zero or negative values.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders an amount with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Remaining returns commitment minus funded. The result is negative when
// an investment has been over-funded.
func Remaining(commitment, funded decimal.Decimal) decimal.Decimal {
	return commitment.Sub(funded)
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
