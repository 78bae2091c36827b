package entity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
	"warehousecore/pkg/numeric"

	"github.com/shopspring/decimal"
)

var (
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

// assign stores raw into dst. Storage drivers hand back int64 for every
// integer column, []byte or string for text and numerics, and RFC 3339 text
// for timestamps in some dialects; those are converted to the field type.
func assign(dst reflect.Value, raw any) error {
	if raw == nil {
		dst.SetZero()
		return nil
	}
	if nv, ok := raw.(numeric.Value); ok {
		raw = nv.Interface()
	}
	src := reflect.ValueOf(raw)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), raw); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	if src.Kind() == reflect.Pointer {
		if src.IsNil() {
			dst.SetZero()
			return nil
		}
		return assign(dst, src.Elem().Interface())
	}
	if reflect.PointerTo(dst.Type()).Implements(scannerType) && dst.CanAddr() {
		return dst.Addr().Interface().(sql.Scanner).Scan(raw)
	}
	switch {
	case dst.Type() == timeType:
		t, err := toTime(raw)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case dst.Type() == decimalType:
		v, err := numeric.Of(numeric.KindDecimal, raw)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(v.DecimalValue()))
		return nil
	}
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := numeric.Of(numeric.KindInteger, raw)
		if err != nil {
			return err
		}
		if dst.OverflowInt(v.Int64()) {
			return fmt.Errorf("value %d overflows %s", v.Int64(), dst.Type())
		}
		dst.SetInt(v.Int64())
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := numeric.Of(numeric.KindInteger, raw)
		if err != nil {
			return err
		}
		if v.Int64() < 0 || dst.OverflowUint(uint64(v.Int64())) {
			return fmt.Errorf("value %d overflows %s", v.Int64(), dst.Type())
		}
		dst.SetUint(uint64(v.Int64()))
		return nil
	case reflect.Float32, reflect.Float64:
		v, err := numeric.Of(numeric.KindFloat, raw)
		if err != nil {
			return err
		}
		dst.SetFloat(v.Float64())
		return nil
	case reflect.Bool:
		b, err := toBool(raw)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil
	case reflect.String:
		switch tv := raw.(type) {
		case []byte:
			dst.SetString(string(tv))
			return nil
		case fmt.Stringer:
			dst.SetString(tv.String())
			return nil
		default:
			if src.Kind() != reflect.String {
				dst.SetString(fmt.Sprint(raw))
				return nil
			}
		}
	case reflect.Slice, reflect.Map, reflect.Struct:
		if dst.Kind() == reflect.Slice && dst.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		if !dst.CanAddr() {
			break
		}
		if b, ok := raw.([]byte); ok {
			return json.Unmarshal(b, dst.Addr().Interface())
		}
		if s, ok := raw.(string); ok {
			return json.Unmarshal([]byte(s), dst.Addr().Interface())
		}
	}
	if src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", raw, dst.Type())
}

func toTime(raw any) (time.Time, error) {
	switch tv := raw.(type) {
	case string:
		return parseTime(tv)
	case []byte:
		return parseTime(string(tv))
	case int64:
		return time.Unix(tv, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", raw)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func toBool(raw any) (bool, error) {
	switch tv := raw.(type) {
	case int64:
		return tv != 0, nil
	case int:
		return tv != 0, nil
	case string:
		return strconv.ParseBool(tv)
	case []byte:
		return strconv.ParseBool(string(tv))
	default:
		return false, fmt.Errorf("cannot convert %T to bool", raw)
	}
}
