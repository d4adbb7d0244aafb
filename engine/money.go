/*
money.go - Integer money and fixed-point rate arithmetic

PURPOSE:
  Every monetary value in the engine is an integer count of minor currency
  units. Rates (limit rate, fee rate, billing rate) are integers scaled by
  RateScale, so 8000 means 80.00%. No floating point is used anywhere on the
  money path.

ROUNDING:
  CeilMulDiv:  fees. Rounds up, in favor of the platform.
  FloorMulDiv: limits. Rounds down, in favor of caution.

  CeilMulDiv(1000, 333, 10000)  = 34   (33.3 -> 34)
  FloorMulDiv(1000, 333, 10000) = 33   (33.3 -> 33)

REPRESENTATION:
  Amount wraps decimal.Decimal, which is backed by math/big, so amounts have
  arbitrary precision. Amounts are always integral: constructors and parsers
  reject fractional input, and arithmetic only ever adds, subtracts or does
  integer quotients.

SEE ALSO:
  - limit.go: FloorMulDiv for the advance limit
  - advance.go: CeilMulDiv for the approval fee
  - billing.go: CeilMulDiv for the platform fee
*/
package engine

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Integer minor currency units
// =============================================================================

// Amount is an arbitrary-precision integer amount of minor currency units.
// The zero value is 0.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

func NewAmount(v int64) Amount { return Amount{d: decimal.NewFromInt(v)} }

// ParseAmount parses a base-10 integer string. Fractional or malformed values
// are rejected.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsInteger() {
		return Zero, fmt.Errorf("invalid amount %q: fractional minor units", s)
	}
	return Amount{d: d.Truncate(0)}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount       { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount               { return Amount{d: a.d.Neg()} }
func (a Amount) Cmp(b Amount) int          { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool       { return a.d.Equal(b.d) }
func (a Amount) IsZero() bool              { return a.d.IsZero() }
func (a Amount) IsPositive() bool          { return a.d.IsPositive() }
func (a Amount) IsNegative() bool          { return a.d.IsNegative() }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Decimal exposes the underlying value for formatting.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) String() string { return a.d.String() }

// MarshalJSON encodes the amount as a string so clients without big integer
// support never lose precision.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.d.String())
}

// UnmarshalJSON accepts both "1234" and 1234.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as TEXT.
func (a Amount) Value() (driver.Value, error) {
	return a.d.String(), nil
}

// Scan reads TEXT, INTEGER or REAL columns written by Value.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case int64:
		*a = NewAmount(v)
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}

func (a *Amount) scanString(s string) error {
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// =============================================================================
// RATE - Integers scaled by RateScale
// =============================================================================

// Rate is a percentage scaled by RateScale (10000 = 100%).
type Rate int64

// RateScale gives rates four decimal digits of precision.
const RateScale Rate = 10000

// ParseRate converts a decimal rate such as "0.8" into its scaled form (8000).
// Digits beyond the fourth fractional place are truncated.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid rate %q: negative", s)
	}
	return Rate(d.Shift(4).Truncate(0).IntPart()), nil
}

// String renders the rate as a decimal fraction, e.g. 8000 -> "0.8".
func (r Rate) String() string {
	return decimal.New(int64(r), -4).String()
}

// =============================================================================
// FIXED-POINT MULTIPLY/DIVIDE
// =============================================================================

// CeilMulDiv returns ceil(amount*rate/scale), or 0 if amount or rate is 0.
func CeilMulDiv(amount Amount, rate, scale Rate) Amount {
	q, r, ok := mulDivQuoRem(amount, rate, scale)
	if !ok {
		return Zero
	}
	// QuoRem truncates toward zero, so only a positive remainder needs a bump.
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return Amount{d: q}
}

// FloorMulDiv returns floor(amount*rate/scale), or 0 if amount or rate is 0.
func FloorMulDiv(amount Amount, rate, scale Rate) Amount {
	q, r, ok := mulDivQuoRem(amount, rate, scale)
	if !ok {
		return Zero
	}
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return Amount{d: q}
}

func mulDivQuoRem(amount Amount, rate, scale Rate) (q, r decimal.Decimal, ok bool) {
	if amount.IsZero() || rate == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	if scale == 0 {
		panic("engine: zero rate scale")
	}
	product := amount.d.Mul(decimal.NewFromInt(int64(rate)))
	q, r = product.QuoRem(decimal.NewFromInt(int64(scale)), 0)
	return q, r, true
}
