package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"warehousecore/pkg/numeric"

	"github.com/shopspring/decimal"
)

// Row is the field-name keyed representation of one entity as exchanged with
// executors.
type Row map[string]any

// Clone returns a copy of the row. Slice and map values are copied one level deep.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Project returns a row restricted to fields. An empty field list returns a clone.
func (r Row) Project(fields []string) Row {
	if len(fields) == 0 {
		return r.Clone()
	}
	out := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = cloneValue(v)
		}
	}
	return out
}

// Page is one window of a paged query plus the total number of matching rows.
type Page struct {
	Rows  []Row
	Total int64
}

// KeyString renders key values deterministically: fields are ordered by name
// and joined with '|'.
func KeyString(keys Row) string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, FormatValue(keys[n]))
	}
	return strings.Join(parts, "|")
}

// FormatValue renders a scalar for identity strings.
func FormatValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case []byte:
		return string(tv)
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprint(tv)
	}
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case []byte:
		return append([]byte(nil), tv...)
	case []any:
		return append([]any(nil), tv...)
	case []string:
		return append([]string(nil), tv...)
	case map[string]any:
		cp := make(map[string]any, len(tv))
		for k, val := range tv {
			cp[k] = val
		}
		return cp
	default:
		return v
	}
}

// CompareValues orders two scalar values. Numbers compare numerically across
// Go types, times chronologically, and nil sorts before everything. ok is
// false when the values are not comparable.
func CompareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if tb, ok := b.(time.Time); ok {
		ta, ok := asTime(a)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if isNumber(a) && isNumber(b) {
		da, errA := numeric.Of(numeric.KindDecimal, a)
		db, errB := numeric.Of(numeric.KindDecimal, b)
		if errA != nil || errB != nil {
			return 0, false
		}
		c, err := da.Compare(db)
		return c, err == nil
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		default:
			return 1, true
		}
	}
	sa, okA := asString(a)
	sb, okB := asString(b)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	if reflect.DeepEqual(a, b) {
		return 0, true
	}
	return 0, false
}

// ValuesEqual reports whether two values are equal under CompareValues, falling
// back to deep equality for non-scalar values.
func ValuesEqual(a, b any) bool {
	if c, ok := CompareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	switch tv := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, decimal.Decimal, numeric.Value:
		return true
	case json.Number:
		return true
	case *decimal.Decimal:
		return tv != nil
	default:
		return false
	}
}

func asString(v any) (string, bool) {
	switch tv := v.(type) {
	case string:
		return tv, true
	case []byte:
		return string(tv), true
	case fmt.Stringer:
		return tv.String(), true
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.String {
			return rv.String(), true
		}
		return "", false
	}
}

func asTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, tv)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}
