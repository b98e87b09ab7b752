package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits a Price carries.
const PriceScale = 8

// ErrInvalidPrice is returned for malformed, non-positive or out-of-range
// price values. Invalid prices are never retried.
var ErrInvalidPrice = errors.New("invalid price")

// maxScaledFloat is the largest scaled amount a float64 input may produce.
// Scaled amounts beyond 2^53 lose integer precision in the float domain.
var maxScaledFloat = decimal.NewFromInt(1 << 53)

// Price is an immutable positive monetary amount with a fixed fractional
// precision of PriceScale digits. The zero value is not a valid Price;
// construct one via NewPrice or NewPriceFromFloat.
type Price struct {
	amount decimal.Decimal
}

// NewPrice parses a decimal string into a Price. The value must be strictly
// positive and carry at most PriceScale fractional digits. Parsing is exact
// decimal arithmetic; binary floating point is never involved.
func NewPrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidPrice, s)
	}
	return newPrice(d)
}

// NewPriceFromFloat converts a float64 into a Price through its shortest
// decimal string representation, so artifacts of the binary representation
// never leak into the scaled amount. The scaled amount must stay within the
// float safe-integer bound (2^53).
func NewPriceFromFloat(f float64) (Price, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Price{}, fmt.Errorf("%w: %v is not finite", ErrInvalidPrice, f)
	}
	d, err := decimal.NewFromString(strconv.FormatFloat(f, 'g', -1, 64))
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if d.Shift(PriceScale).Abs().Cmp(maxScaledFloat) >= 0 {
		return Price{}, fmt.Errorf("%w: %v exceeds the safe-integer bound at scale %d", ErrInvalidPrice, f, PriceScale)
	}
	return newPrice(d)
}

// MustPrice parses a decimal string and panics on failure. For fixtures and
// seed data only.
func MustPrice(s string) Price {
	p, err := NewPrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func newPrice(d decimal.Decimal) (Price, error) {
	if d.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s is not positive", ErrInvalidPrice, d)
	}
	if !d.Equal(d.Truncate(PriceScale)) {
		return Price{}, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidPrice, d, PriceScale)
	}
	return Price{amount: d}, nil
}

// Add returns the sum of p and other.
func (p Price) Add(other Price) (Price, error) {
	return newPrice(p.amount.Add(other.amount))
}

// Sub returns p minus other. Fails if the result is not positive.
func (p Price) Sub(other Price) (Price, error) {
	return newPrice(p.amount.Sub(other.amount))
}

// Mul multiplies p by factor. The factor is converted to PriceScale digits
// and the exact product is rounded half-up (away from zero) back to
// PriceScale digits.
func (p Price) Mul(factor float64) (Price, error) {
	if math.IsNaN(factor) || math.IsInf(factor, 0) {
		return Price{}, fmt.Errorf("%w: factor %v is not finite", ErrInvalidPrice, factor)
	}
	f, err := decimal.NewFromString(strconv.FormatFloat(factor, 'g', -1, 64))
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	// Round rounds half away from zero, which is half-up for the positive domain.
	return newPrice(p.amount.Mul(f.Round(PriceScale)).Round(PriceScale))
}

// Equal reports value equality of the scaled amounts.
func (p Price) Equal(other Price) bool {
	return p.amount.Equal(other.amount)
}

// String renders the price losslessly within PriceScale digits.
func (p Price) String() string {
	return p.amount.String()
}

// Float64 returns the nearest float64 value, for wire payloads and summaries.
func (p Price) Float64() float64 {
	f, _ := p.amount.Float64()
	return f
}

// Decimal exposes the backing decimal for storage adapters.
func (p Price) Decimal() decimal.Decimal {
	return p.amount
}

// IsZero reports whether p is the (invalid) zero value.
func (p Price) IsZero() bool {
	return p.amount.IsZero()
}
