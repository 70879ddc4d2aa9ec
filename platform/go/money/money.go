// Package money implements the two-fractional-digit, half-up decimal used for
// all monetary values. Amounts are never represented as binary floats.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// divisionPrecision is the intermediate precision used for percentage and
// ratio computations before the final cast back to two digits.
const divisionPrecision = 40

// Amount is a monetary value with exactly two fractional digits.
// The zero value is ₹0.00.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{}

// New builds an Amount from a decimal string ("1234.50"). The value is
// rounded half-up to two digits on construction so storage semantics hold
// from the first moment.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d: d.Round(2)}, nil
}

// MustNew is New for trusted literals; panics on malformed input.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal clamps an arbitrary decimal to amount semantics.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Round(2)}
}

// FromPaise builds an Amount from an integer count of hundredths.
func FromPaise(p int64) Amount {
	return Amount{d: decimal.New(p, -2)}
}

// Add returns a + b. Summation preserves two-digit semantics exactly.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// MulInt scales the amount by an integer factor (e.g. late-fee days).
func (a Amount) MulInt(n int64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(n)).Round(2)}
}

// Percent returns p percent of a, computed at 40-digit intermediate
// precision and rounded half-up to two digits at the end. The division
// precision is passed per call; the package-global decimal.DivisionPrecision
// is never touched.
func (a Amount) Percent(p decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(p).DivRound(decimal.NewFromInt(100), divisionPrecision).Round(2)}
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// IsNegative reports a < 0.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// String renders with exactly two fractional digits ("1234.50").
func (a Amount) String() string { return a.d.StringFixed(2) }

// Decimal exposes the underlying decimal for report aggregation.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Sum folds a list of amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON renders the amount as a JSON string to avoid any float round
// trip in clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both string and bare-number encodings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so amounts bind as NUMERIC parameters.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		parsed, err := New(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := New(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		*a = Amount{d: decimal.NewFromInt(v)}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
}
