package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a cash value in minor units (cents): 100 = 1.00
// Never converted through float64. Decimal strings are the only wire format.
type Amount int64

// AmountScale is the number of fractional digits an Amount carries
const AmountScale = 2

var (
	ErrInvalidDecimal = errors.New("invalid decimal")
	ErrTooPrecise     = errors.New("too many fractional digits")
	ErrOverflow       = errors.New("value out of range")
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// Rounding selects how a venue-reported decimal is snapped to the ledger scale
type Rounding int

const (
	RoundExact Rounding = iota // reject anything finer than the scale
	RoundUp                    // toward +inf (cost of a buy)
	RoundDown                  // toward -inf (proceeds of a sell)
)

// ParseAmount parses an exact decimal string such as "30.00" or "5".
func ParseAmount(s string) (Amount, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	v, err := scaleExact(d, AmountScale)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	return Amount(v), nil
}

// MustAmount is ParseAmount for constants and tests
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromDecimal converts a decimal in major units (e.g. a venue quote amount)
func AmountFromDecimal(d decimal.Decimal, mode Rounding) (Amount, error) {
	switch mode {
	case RoundUp:
		d = d.RoundCeil(AmountScale)
	case RoundDown:
		d = d.RoundFloor(AmountScale)
	}
	v, err := scaleExact(d, AmountScale)
	if err != nil {
		return 0, err
	}
	return Amount(v), nil
}

// Decimal returns the value in major units
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -AmountScale)
}

// String renders the fixed two-digit form, e.g. "70.00"
func (a Amount) String() string {
	return a.Decimal().StringFixed(AmountScale)
}

func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) IsZero() bool     { return a == 0 }

// Neg returns -a
func (a Amount) Neg() Amount { return -a }

// Add returns a+b, or ErrOverflow instead of wrapping
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%s + %s: %w", a, b, ErrOverflow)
	}
	return a + b, nil
}

// MarshalText keeps amounts as decimal strings in JSON and YAML
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// parseDecimal accepts plain decimal notation only: no exponent, no blanks inside
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty string: %w", ErrInvalidDecimal)
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("%q: exponent notation: %w", s, ErrInvalidDecimal)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidDecimal)
	}
	return d, nil
}

// scaleExact shifts d by scale digits and requires an integral, in-range result
func scaleExact(d decimal.Decimal, scale int32) (int64, error) {
	shifted := d.Shift(scale)
	if !shifted.IsInteger() {
		return 0, ErrTooPrecise
	}
	if shifted.GreaterThan(maxInt64) || shifted.LessThan(minInt64) {
		return 0, ErrOverflow
	}
	return shifted.IntPart(), nil
}
