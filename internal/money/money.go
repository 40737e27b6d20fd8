// Package money implements fixed-point decimal arithmetic for plan budgets
// and receipt costs. Amounts cross every boundary as base-10 decimal strings
// with six fractional digits; binary floats are never used.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the fractional precision carried by every amount.
const Places = 6

// Amount is an immutable fixed-point decimal value.
type Amount struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// Parse converts a decimal string into an Amount. The input must be a plain
// base-10 decimal; scientific notation and empty strings are rejected.
func Parse(value string) (Amount, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Amount{}, errors.New("amount is required")
	}
	if strings.ContainsAny(value, "eE") {
		return Amount{}, fmt.Errorf("invalid amount %q: exponent notation not allowed", value)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Amount{d: d.Truncate(Places)}, nil
}

// MustParse is Parse for trusted literals, panicking on malformed input.
func MustParse(value string) Amount {
	a, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// Cmp returns -1, 0 or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

func (a Amount) GreaterThan(b Amount) bool {
	return a.d.Cmp(b.d) > 0
}

func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

func (a Amount) IsPositive() bool {
	return a.d.Sign() > 0
}

func (a Amount) IsNegative() bool {
	return a.d.Sign() < 0
}

// String renders the amount with exactly six fractional digits.
func (a Amount) String() string {
	return a.d.StringFixed(Places)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
