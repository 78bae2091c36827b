package numeric

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfConvertsPerKind(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		raw  any
		want string
	}{
		{"int to integer", KindInteger, 42, "42"},
		{"int32 to float", KindFloat, int32(3), "3"},
		{"string to decimal", KindDecimal, "10.25", "10.25"},
		{"bytes to integer", KindInteger, []byte("17"), "17"},
		{"json number to float", KindFloat, json.Number("2.5"), "2.5"},
		{"integral float to integer", KindInteger, 8.0, "8"},
		{"decimal text to integer", KindInteger, "12.000", "12"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Of(tc.kind, tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, v.Kind())
			assert.Equal(t, tc.want, v.String())
		})
	}
}

func TestOfRejectsLossyConversion(t *testing.T) {
	_, err := Of(KindInteger, 1.5)
	assert.True(t, errors.Is(err, ErrNotNumeric))

	_, err = Of(KindInteger, nil)
	assert.True(t, errors.Is(err, ErrNotNumeric))

	_, err = Of(KindFloat, "abc")
	assert.True(t, errors.Is(err, ErrNotNumeric))
}

func TestArithmeticRequiresSameKind(t *testing.T) {
	_, err := Integer(1).Add(Float(1))
	assert.True(t, errors.Is(err, ErrKindMismatch))

	_, err = Integer(1).Compare(Decimal(decimal.NewFromInt(1)))
	assert.True(t, errors.Is(err, ErrKindMismatch))
}

func TestAddAndCompare(t *testing.T) {
	sum, err := Integer(10).Add(Integer(7))
	require.NoError(t, err)
	assert.Equal(t, int64(17), sum.Interface())

	d, err := Decimal(decimal.RequireFromString("0.1")).Add(Decimal(decimal.RequireFromString("0.2")))
	require.NoError(t, err)
	assert.Equal(t, "0.3", d.String())

	cmp, err := Float(2.5).Compare(Float(1))
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)
}

func TestQuo(t *testing.T) {
	q, err := Integer(7).Quo(Integer(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Int64())

	_, err = Float(1).Quo(Float(0))
	assert.True(t, errors.Is(err, ErrDivideByZero))
}

func TestAveragePromotesIntegers(t *testing.T) {
	avg, err := Average(Integer(7), 2)
	require.NoError(t, err)
	assert.Equal(t, KindDecimal, avg.Kind())
	assert.Equal(t, "3.5", avg.String())

	avg, err = Average(Float(9), 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, avg.Float64())

	_, err = Average(Integer(1), 0)
	assert.True(t, errors.Is(err, ErrDivideByZero))
}

func TestInfer(t *testing.T) {
	v, err := Infer(int16(4))
	require.NoError(t, err)
	assert.Equal(t, KindInteger, v.Kind())

	v, err = Infer(float32(1.5))
	require.NoError(t, err)
	assert.Equal(t, KindFloat, v.Kind())

	v, err = Infer(decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, KindDecimal, v.Kind())

	_, err = Infer("nope")
	assert.Error(t, err)
}
