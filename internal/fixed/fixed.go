// Package fixed implements the exact arithmetic used for prices and
// monetary amounts throughout the engine.
//
// An Amount is a signed 64-bit integer scaled by 10^8 (eight decimal
// places). Quantities are whole units carried separately as unsigned
// integers. Multiplications run through 128-bit intermediates and
// divisions truncate toward zero, so results are identical across
// platforms and replays.
//
// All monetary values use integer math, never float64.
// shopspring/decimal appears only at the boundaries: parsing config and
// wire values in, formatting event payloads out.
package fixed

import (
	"errors"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point scaling factor: 1 unit = 10^8.
const Scale int64 = 100_000_000

var (
	// ErrOverflow is returned when a result does not fit a signed
	// 64-bit amount. Callers treat it as a fatal engine error.
	ErrOverflow = errors.New("fixed: amount overflow")

	// ErrPrecision is returned when a decimal value carries more than
	// eight fractional digits and cannot be represented exactly.
	ErrPrecision = errors.New("fixed: more than 8 decimal places")

	// ErrNegative is returned by operations defined only for
	// non-negative amounts (weighted averages of entry prices).
	ErrNegative = errors.New("fixed: negative amount")
)

// Amount is a fixed-point number scaled by Scale.
type Amount int64

// FromDecimal converts a decimal value into an Amount, requiring the
// value to be exactly representable.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Shift(8)
	if !scaled.IsInteger() {
		return 0, ErrPrecision
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(bi.Int64()), nil
}

// FromString parses a plain decimal string ("100.05") into an Amount.
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return FromDecimal(d)
}

// FromInt converts whole units into an Amount. n must stay within
// ±(2^63−1)/Scale.
func FromInt(n int64) (Amount, error) {
	if n > math.MaxInt64/Scale || n < math.MinInt64/Scale {
		return 0, ErrOverflow
	}
	return Amount(n * Scale), nil
}

// Decimal returns the exact decimal representation.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -8)
}

// String formats the amount as a plain decimal, trimming trailing
// fractional zeros ("100.05", "0", "-3.2").
func (a Amount) String() string {
	return a.Decimal().String()
}

// MarshalJSON renders the amount as a quoted decimal string so wire
// payloads never round through floats.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON
// number and converts it exactly.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := FromString(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Abs returns |a|. The minimum int64 cannot arise from valid inputs.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// mag splits a signed 64-bit value into magnitude and sign.
func mag(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// toSigned converts a 128-bit magnitude back into a signed Amount,
// failing when it exceeds the int64 range.
func toSigned(hi, lo uint64, neg bool) (Amount, error) {
	if hi != 0 {
		return 0, ErrOverflow
	}
	if neg {
		if lo > uint64(math.MaxInt64)+1 {
			return 0, ErrOverflow
		}
		if lo == uint64(math.MaxInt64)+1 {
			return Amount(math.MinInt64), nil
		}
		return Amount(-int64(lo)), nil
	}
	if lo > uint64(math.MaxInt64) {
		return 0, ErrOverflow
	}
	return Amount(lo), nil
}

// MulQty multiplies a fixed-point price by a whole-unit quantity,
// producing a fixed-point notional. The intermediate product is 128-bit.
func MulQty(price Amount, qty uint32) (Amount, error) {
	m, neg := mag(int64(price))
	hi, lo := bits.Mul64(m, uint64(qty))
	return toSigned(hi, lo, neg && qty != 0)
}

// MulInt multiplies a fixed-point amount by a signed whole-unit count
// (positions can exceed the 32-bit order quantity bound).
func MulInt(amount Amount, n int64) (Amount, error) {
	am, aneg := mag(int64(amount))
	nm, nneg := mag(n)
	hi, lo := bits.Mul64(am, nm)
	return toSigned(hi, lo, aneg != nneg && am != 0 && nm != 0)
}

// MulFrac multiplies an amount by a fixed-point fraction (for margin
// rates and collars): amount × frac / Scale, truncated toward zero.
func MulFrac(amount, frac Amount) (Amount, error) {
	am, aneg := mag(int64(amount))
	fm, fneg := mag(int64(frac))
	hi, lo := bits.Mul64(am, fm)
	if hi >= uint64(Scale) {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(Scale))
	return toSigned(0, q, aneg != fneg && q != 0)
}

// WeightedAvg extends a volume-weighted average entry price:
// (avg×baseQty + px×addQty) / (baseQty+addQty), truncated toward zero.
// Entry prices are non-negative by construction.
func WeightedAvg(avg Amount, baseQty uint64, px Amount, addQty uint64) (Amount, error) {
	if avg < 0 || px < 0 {
		return 0, ErrNegative
	}
	if baseQty+addQty == 0 {
		return 0, nil
	}
	h1, l1 := bits.Mul64(uint64(avg), baseQty)
	h2, l2 := bits.Mul64(uint64(px), addQty)
	lo, carry := bits.Add64(l1, l2, 0)
	hi, carry2 := bits.Add64(h1, h2, carry)
	if carry2 != 0 {
		return 0, ErrOverflow
	}
	den := baseQty + addQty
	if hi >= den {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	if q > uint64(math.MaxInt64) {
		return 0, ErrOverflow
	}
	return Amount(q), nil
}

// Add returns a+b with overflow detection.
func Add(a, b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns a−b with overflow detection.
func Sub(a, b Amount) (Amount, error) {
	d := a - b
	if (b < 0 && d < a) || (b > 0 && d > a) {
		return 0, ErrOverflow
	}
	return d, nil
}

// Mid returns the midpoint of two prices, truncated toward zero.
func Mid(a, b Amount) (Amount, error) {
	s, err := Add(a, b)
	if err != nil {
		return 0, err
	}
	return s / 2, nil
}
