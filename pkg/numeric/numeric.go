// Package numeric implements the closed set of numeric kinds used by aggregate
// commands. Arithmetic is selected explicitly by kind; values of different
// kinds never combine implicitly.
package numeric

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind identifies the arithmetic strategy of a Value.
type Kind uint8

const (
	// KindInteger uses int64 arithmetic.
	KindInteger Kind = iota + 1
	// KindDecimal uses arbitrary precision fixed-point arithmetic.
	KindDecimal
	// KindFloat uses float64 arithmetic.
	KindFloat
)

// AverageScale is the number of fractional digits kept when dividing
// integer or decimal sums.
const AverageScale = 16

var (
	// ErrKindMismatch is returned when two values of different kinds are combined.
	ErrKindMismatch = errors.New("numeric: kind mismatch")
	// ErrDivideByZero is returned by Average when count is zero.
	ErrDivideByZero = errors.New("numeric: divide by zero")
	// ErrNotNumeric is returned when a raw value cannot be converted.
	ErrNotNumeric = errors.New("numeric: value is not numeric")
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindInteger && k <= KindFloat
}

// Value is a number tagged with its kind. The zero Value is invalid.
type Value struct {
	kind Kind
	i    int64
	d    decimal.Decimal
	f    float64
}

// Integer constructs an integer value.
func Integer(v int64) Value { return Value{kind: KindInteger, i: v} }

// Decimal constructs a decimal value.
func Decimal(v decimal.Decimal) Value { return Value{kind: KindDecimal, d: v} }

// Float constructs a float value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Zero returns the additive identity for kind.
func Zero(kind Kind) Value {
	switch kind {
	case KindDecimal:
		return Decimal(decimal.Zero)
	case KindFloat:
		return Float(0)
	default:
		return Integer(0)
	}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether the value is invalid (never assigned).
func (v Value) IsZero() bool { return v.kind == 0 }

// Int64 returns the value truncated to an int64.
func (v Value) Int64() int64 {
	switch v.kind {
	case KindDecimal:
		return v.d.IntPart()
	case KindFloat:
		return int64(v.f)
	default:
		return v.i
	}
}

// Float64 returns the value as a float64, possibly losing precision.
func (v Value) Float64() float64 {
	switch v.kind {
	case KindDecimal:
		return v.d.InexactFloat64()
	case KindFloat:
		return v.f
	default:
		return float64(v.i)
	}
}

// DecimalValue returns the value as a decimal.
func (v Value) DecimalValue() decimal.Decimal {
	switch v.kind {
	case KindDecimal:
		return v.d
	case KindFloat:
		return decimal.NewFromFloat(v.f)
	default:
		return decimal.NewFromInt(v.i)
	}
}

// Interface returns the native Go representation of the value.
func (v Value) Interface() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindDecimal:
		return v.d
	case KindFloat:
		return v.f
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDecimal:
		return v.d.String()
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return "<invalid>"
	}
}

func (v Value) sameKind(o Value) error {
	if v.kind != o.kind || !v.kind.Valid() {
		return fmt.Errorf("%w: %s and %s", ErrKindMismatch, v.kind, o.kind)
	}
	return nil
}

// Add returns v + o.
func (v Value) Add(o Value) (Value, error) {
	if err := v.sameKind(o); err != nil {
		return Value{}, err
	}
	switch v.kind {
	case KindInteger:
		return Integer(v.i + o.i), nil
	case KindDecimal:
		return Decimal(v.d.Add(o.d)), nil
	default:
		return Float(v.f + o.f), nil
	}
}

// Sub returns v - o.
func (v Value) Sub(o Value) (Value, error) {
	if err := v.sameKind(o); err != nil {
		return Value{}, err
	}
	switch v.kind {
	case KindInteger:
		return Integer(v.i - o.i), nil
	case KindDecimal:
		return Decimal(v.d.Sub(o.d)), nil
	default:
		return Float(v.f - o.f), nil
	}
}

// Mul returns v * o.
func (v Value) Mul(o Value) (Value, error) {
	if err := v.sameKind(o); err != nil {
		return Value{}, err
	}
	switch v.kind {
	case KindInteger:
		return Integer(v.i * o.i), nil
	case KindDecimal:
		return Decimal(v.d.Mul(o.d)), nil
	default:
		return Float(v.f * o.f), nil
	}
}

// Quo returns v / o. Integer division truncates toward zero.
func (v Value) Quo(o Value) (Value, error) {
	if err := v.sameKind(o); err != nil {
		return Value{}, err
	}
	switch v.kind {
	case KindInteger:
		if o.i == 0 {
			return Value{}, ErrDivideByZero
		}
		return Integer(v.i / o.i), nil
	case KindDecimal:
		if o.d.IsZero() {
			return Value{}, ErrDivideByZero
		}
		return Decimal(v.d.DivRound(o.d, AverageScale)), nil
	default:
		if o.f == 0 {
			return Value{}, ErrDivideByZero
		}
		return Float(v.f / o.f), nil
	}
}

// Compare returns -1, 0 or +1 comparing v to o.
func (v Value) Compare(o Value) (int, error) {
	if err := v.sameKind(o); err != nil {
		return 0, err
	}
	switch v.kind {
	case KindInteger:
		switch {
		case v.i < o.i:
			return -1, nil
		case v.i > o.i:
			return 1, nil
		}
		return 0, nil
	case KindDecimal:
		return v.d.Cmp(o.d), nil
	default:
		switch {
		case v.f < o.f:
			return -1, nil
		case v.f > o.f:
			return 1, nil
		}
		return 0, nil
	}
}

// Average divides sum by count. Integer sums are promoted to decimal so the
// fractional part is not truncated.
func Average(sum Value, count int64) (Value, error) {
	if count == 0 {
		return Value{}, ErrDivideByZero
	}
	switch sum.kind {
	case KindInteger:
		return Decimal(decimal.NewFromInt(sum.i).DivRound(decimal.NewFromInt(count), AverageScale)), nil
	case KindDecimal:
		return Decimal(sum.d.DivRound(decimal.NewFromInt(count), AverageScale)), nil
	case KindFloat:
		return Float(sum.f / float64(count)), nil
	default:
		return Value{}, fmt.Errorf("%w: average of %s", ErrKindMismatch, sum.kind)
	}
}

// Infer picks a kind from the Go type of raw and converts it.
func Infer(raw any) (Value, error) {
	switch v := raw.(type) {
	case Value:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Of(KindInteger, v)
	case float32, float64:
		return Of(KindFloat, v)
	case decimal.Decimal, *decimal.Decimal:
		return Of(KindDecimal, v)
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return Of(KindInteger, v)
		}
		return Of(KindFloat, v)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrNotNumeric, raw)
	}
}

// Of converts raw to a Value of the requested kind. Strings and byte slices
// are parsed, which covers drivers that return NUMERIC columns as text.
func Of(kind Kind, raw any) (Value, error) {
	if !kind.Valid() {
		return Value{}, fmt.Errorf("%w: unknown kind %d", ErrKindMismatch, kind)
	}
	switch v := raw.(type) {
	case nil:
		return Value{}, fmt.Errorf("%w: nil", ErrNotNumeric)
	case Value:
		if v.kind == kind {
			return v, nil
		}
		return convert(kind, v.DecimalValue())
	case int:
		return fromInt(kind, int64(v)), nil
	case int8:
		return fromInt(kind, int64(v)), nil
	case int16:
		return fromInt(kind, int64(v)), nil
	case int32:
		return fromInt(kind, int64(v)), nil
	case int64:
		return fromInt(kind, v), nil
	case uint:
		return fromUint(kind, uint64(v))
	case uint8:
		return fromInt(kind, int64(v)), nil
	case uint16:
		return fromInt(kind, int64(v)), nil
	case uint32:
		return fromInt(kind, int64(v)), nil
	case uint64:
		return fromUint(kind, v)
	case float32:
		return fromFloat(kind, float64(v))
	case float64:
		return fromFloat(kind, v)
	case decimal.Decimal:
		return convert(kind, v)
	case *decimal.Decimal:
		if v == nil {
			return Value{}, fmt.Errorf("%w: nil", ErrNotNumeric)
		}
		return convert(kind, *v)
	case json.Number:
		return parse(kind, v.String())
	case string:
		return parse(kind, v)
	case []byte:
		return parse(kind, string(v))
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrNotNumeric, raw)
	}
}

func fromInt(kind Kind, v int64) Value {
	switch kind {
	case KindDecimal:
		return Decimal(decimal.NewFromInt(v))
	case KindFloat:
		return Float(float64(v))
	default:
		return Integer(v)
	}
}

func fromUint(kind Kind, v uint64) (Value, error) {
	if v > math.MaxInt64 {
		if kind == KindInteger {
			return Value{}, fmt.Errorf("%w: %d overflows int64", ErrNotNumeric, v)
		}
		return convert(kind, decimal.RequireFromString(strconv.FormatUint(v, 10)))
	}
	return fromInt(kind, int64(v)), nil
}

func fromFloat(kind Kind, v float64) (Value, error) {
	switch kind {
	case KindFloat:
		return Float(v), nil
	case KindDecimal:
		return Decimal(decimal.NewFromFloat(v)), nil
	default:
		if v != math.Trunc(v) {
			return Value{}, fmt.Errorf("%w: %v is not integral", ErrNotNumeric, v)
		}
		return Integer(int64(v)), nil
	}
}

func convert(kind Kind, d decimal.Decimal) (Value, error) {
	switch kind {
	case KindDecimal:
		return Decimal(d), nil
	case KindFloat:
		return Float(d.InexactFloat64()), nil
	default:
		if !d.Equal(d.Truncate(0)) {
			return Value{}, fmt.Errorf("%w: %s is not integral", ErrNotNumeric, d)
		}
		return Integer(d.IntPart()), nil
	}
}

func parse(kind Kind, s string) (Value, error) {
	s = strings.TrimSpace(s)
	if kind == KindInteger {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Integer(i), nil
		}
	}
	if kind == KindFloat {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrNotNumeric, s)
		}
		return Float(f), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	return convert(kind, d)
}
