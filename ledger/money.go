package ledger

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact fixed-point amount (two fractional digits)
// =============================================================================

// MoneyScale is the number of fractional digits every amount carries.
const MoneyScale = 2

// MaxIntegerDigits bounds the integer part of any amount or balance. It
// matches the NUMERIC(20,2) columns the SQL stores use.
const MaxIntegerDigits = 18

// maxFractionDigits bounds the written fraction ("1.230" is fine, a
// thousand trailing zeros are not).
const maxFractionDigits = 18

// amountPattern is plain positional notation only: no exponents, no
// hex, no separators.
var amountPattern = regexp.MustCompile(`^[+-]?[0-9]{1,18}(\.[0-9]{1,18})?$`)

// Money is an exact decimal amount. It never passes through float64.
// The zero value is 0.00.
type Money struct {
	value decimal.Decimal
}

// ParseMoney parses a textual amount such as "400", "400.00" or "-12.5".
// Inputs that are not plain decimals, that have more than MaxIntegerDigits
// integer digits, or that carry more than MoneyScale significant fractional
// digits fail with ErrInvalidAmount. The input is never echoed back.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	if !amountPattern.MatchString(s) {
		return Money{}, fmt.Errorf("%w: expected a plain decimal with at most %d integer digits",
			ErrInvalidAmount, MaxIntegerDigits)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: not a decimal number", ErrInvalidAmount)
	}
	return NewMoney(d)
}

// NewMoney wraps a decimal, rejecting values finer than MoneyScale or
// wider than MaxIntegerDigits. The magnitude is checked from the
// coefficient and exponent before any rounding takes place.
func NewMoney(d decimal.Decimal) (Money, error) {
	exp := int(d.Exponent())
	if exp < -maxFractionDigits || (!d.IsZero() && d.NumDigits()+exp > MaxIntegerDigits) {
		return Money{}, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	rounded := d.Round(MoneyScale)
	if !d.Equal(rounded) {
		return Money{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, MoneyScale)
	}
	return Money{value: rounded}, nil
}

// MustParseMoney is ParseMoney for literals known to be valid. Panics otherwise.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Add returns m + o.
func (m Money) Add(o Money) Money { return Money{value: m.value.Add(o.value)} }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return Money{value: m.value.Sub(o.value)} }

// Neg returns -m.
func (m Money) Neg() Money { return Money{value: m.value.Neg()} }

// Cmp returns -1, 0 or +1 as m is less than, equal to or greater than o.
func (m Money) Cmp(o Money) int { return m.value.Cmp(o.value) }

// Equal compares by value, so 1.0 equals 1.00.
func (m Money) Equal(o Money) bool { return m.value.Equal(o.value) }

// GreaterThan reports m > o.
func (m Money) GreaterThan(o Money) bool { return m.value.GreaterThan(o.value) }

// LessThan reports m < o.
func (m Money) LessThan(o Money) bool { return m.value.LessThan(o.value) }

// IsPositive reports m > 0.
func (m Money) IsPositive() bool { return m.value.IsPositive() }

// IsNegative reports m < 0.
func (m Money) IsNegative() bool { return m.value.IsNegative() }

// IsZero reports m == 0.
func (m Money) IsZero() bool { return m.value.IsZero() }

// InRange reports whether m still fits in MaxIntegerDigits integer digits.
// Sums of in-range amounts can leave the range.
func (m Money) InRange() bool {
	return m.value.Abs().LessThan(maxMoney)
}

// Decimal exposes the underlying value.
func (m Money) Decimal() decimal.Decimal { return m.value }

var maxMoney = decimal.New(1, MaxIntegerDigits)

// String renders the amount with exactly MoneyScale fractional digits.
func (m Money) String() string {
	return m.value.StringFixed(MoneyScale)
}

// MarshalJSON encodes Money as a JSON string ("400.00") so no client
// decodes it into a binary float.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare JSON number.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: null", ErrInvalidAmount)
	}
	s := string(bytes.Trim(data, `"`))
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sum adds up amounts. Sum() is zero.
func Sum(amounts ...Money) Money {
	total := Money{}
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
