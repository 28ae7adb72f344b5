package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Quantity is an instrument amount with 8 fractional digits (1 BTC = 100_000_000)
type Quantity int64

const QuantityScale = 8

// ParseQuantity parses an exact decimal string such as "0.25"
func ParseQuantity(s string) (Quantity, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	v, err := scaleExact(d, QuantityScale)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: %w", s, err)
	}
	return Quantity(v), nil
}

func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// QuantityFromDecimal converts a venue-reported quantity, truncating sub-scale dust
func QuantityFromDecimal(d decimal.Decimal) (Quantity, error) {
	v, err := scaleExact(d.RoundFloor(QuantityScale), QuantityScale)
	if err != nil {
		return 0, err
	}
	return Quantity(v), nil
}

func (q Quantity) Decimal() decimal.Decimal {
	return decimal.New(int64(q), -QuantityScale)
}

// String renders the canonical venue form with trailing zeros trimmed ("0.5")
func (q Quantity) String() string {
	return q.Decimal().String()
}

func (q Quantity) IsPositive() bool { return q > 0 }

func (q Quantity) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *Quantity) UnmarshalText(b []byte) error {
	v, err := ParseQuantity(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}
