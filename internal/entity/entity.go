// Package entity derives the metadata the staging engine needs from struct
// tags: object name, primary keys, version and timestamp fields, and the
// queryable field set. It also converts entities to and from domain.Row.
package entity

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
	"warehousecore/pkg/domain"
)

// TagName is the struct tag read by Describe.
//
//	type Order struct {
//		ID      int64     `warehouse:"id,pk"`
//		Total   int64     `warehouse:"total"`
//		Version int64     `warehouse:"version,version"`
//		Created time.Time `warehouse:"created_at,created"`
//		Notes   string    `warehouse:"-"`
//	}
const TagName = "warehouse"

// ErrNotStruct is returned by Describe for non-struct types.
var ErrNotStruct = errors.New("entity: type must be a struct")

// ObjectNamer lets an entity type choose its storage object name. Without it
// the snake_case type name is used.
type ObjectNamer interface {
	ObjectName() string
}

// Field describes one persisted struct field.
type Field struct {
	Name       string
	GoName     string
	Type       reflect.Type
	PrimaryKey bool
	Version    bool
	Created    bool
	Updated    bool
	index      []int
}

// Type is the metadata of entity type T.
type Type[T any] struct {
	name    string
	rtype   reflect.Type
	fields  []Field
	byName  map[string]int
	keys    []string
	version string
	created string
	updated string
}

var cache sync.Map // reflect.Type -> *Type[T]

// Describe returns the metadata for T, building it on first use.
func Describe[T any]() (*Type[T], error) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if cached, ok := cache.Load(rt); ok {
		return cached.(*Type[T]), nil
	}
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s", ErrNotStruct, rt)
	}
	t := &Type[T]{rtype: rt, byName: make(map[string]int)}
	if err := t.collect(rt, nil); err != nil {
		return nil, err
	}
	if len(t.keys) == 0 {
		return nil, fmt.Errorf("entity: %s declares no primary key", rt)
	}
	t.name = objectName(rt)
	actual, _ := cache.LoadOrStore(rt, t)
	return actual.(*Type[T]), nil
}

// MustDescribe is Describe for package-level metadata variables.
func MustDescribe[T any]() *Type[T] {
	t, err := Describe[T]()
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type[T]) collect(rt reflect.Type, parent []int) error {
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		tag, hasTag := sf.Tag.Lookup(TagName)
		if tag == "-" {
			continue
		}
		index := append(append([]int(nil), parent...), i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && !hasTag {
			if err := t.collect(sf.Type, index); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		parts := strings.Split(tag, ",")
		f := Field{Name: parts[0], GoName: sf.Name, Type: sf.Type, index: index}
		if f.Name == "" {
			f.Name = SnakeCase(sf.Name)
		}
		for _, opt := range parts[1:] {
			switch strings.TrimSpace(opt) {
			case "pk":
				f.PrimaryKey = true
			case "version":
				f.Version = true
			case "created":
				f.Created = true
			case "updated":
				f.Updated = true
			case "":
			default:
				return fmt.Errorf("entity: %s.%s: unknown tag option %q", rt, sf.Name, opt)
			}
		}
		if _, dup := t.byName[f.Name]; dup {
			return fmt.Errorf("entity: %s: duplicate field name %q", rt, f.Name)
		}
		if err := t.assignRole(rt, f); err != nil {
			return err
		}
		t.byName[f.Name] = len(t.fields)
		t.fields = append(t.fields, f)
	}
	return nil
}

func (t *Type[T]) assignRole(rt reflect.Type, f Field) error {
	if f.PrimaryKey {
		t.keys = append(t.keys, f.Name)
	}
	if f.Version {
		switch f.Type.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return fmt.Errorf("entity: %s.%s: version field must be an integer", rt, f.GoName)
		}
		if t.version != "" {
			return fmt.Errorf("entity: %s declares more than one version field", rt)
		}
		t.version = f.Name
	}
	if f.Created || f.Updated {
		if f.Type != timeType && f.Type != reflect.PointerTo(timeType) {
			return fmt.Errorf("entity: %s.%s: timestamp field must be time.Time", rt, f.GoName)
		}
		if f.Created {
			t.created = f.Name
		}
		if f.Updated {
			t.updated = f.Name
		}
	}
	return nil
}

func objectName(rt reflect.Type) string {
	zero := reflect.New(rt)
	if n, ok := zero.Interface().(ObjectNamer); ok {
		return n.ObjectName()
	}
	if n, ok := zero.Elem().Interface().(ObjectNamer); ok {
		return n.ObjectName()
	}
	return SnakeCase(rt.Name())
}

// Name returns the storage object name.
func (t *Type[T]) Name() string { return t.name }

// PrimaryKeys returns the primary-key field names in declaration order.
func (t *Type[T]) PrimaryKeys() []string { return append([]string(nil), t.keys...) }

// VersionField returns the optimistic-concurrency field, or "".
func (t *Type[T]) VersionField() string { return t.version }

// CreatedField returns the creation timestamp field, or "".
func (t *Type[T]) CreatedField() string { return t.created }

// UpdatedField returns the update timestamp field, or "".
func (t *Type[T]) UpdatedField() string { return t.updated }

// FieldCount returns the number of queryable fields.
func (t *Type[T]) FieldCount() int { return len(t.fields) }

// Fields returns the queryable field names in declaration order.
func (t *Type[T]) Fields() []string {
	out := make([]string, len(t.fields))
	for i, f := range t.fields {
		out[i] = f.Name
	}
	return out
}

// Field returns the description of name.
func (t *Type[T]) Field(name string) (Field, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Field{}, false
	}
	return t.fields[i], true
}

// HasField reports whether name is a declared field.
func (t *Type[T]) HasField(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Identity renders the primary-key values of v. Zero-valued keys are rejected.
func (t *Type[T]) Identity(v T) (string, error) {
	rv := reflect.ValueOf(&v).Elem()
	parts := make([]string, 0, len(t.keys))
	for _, key := range t.keys {
		fv := rv.FieldByIndex(t.fields[t.byName[key]].index)
		if fv.IsZero() {
			return "", fmt.Errorf("%w: %s.%s", domain.ErrEmptyIdentity, t.name, key)
		}
		parts = append(parts, domain.FormatValue(indirect(fv)))
	}
	return strings.Join(parts, "|"), nil
}

// KeyRow returns the primary-key values of v.
func (t *Type[T]) KeyRow(v T) domain.Row {
	rv := reflect.ValueOf(&v).Elem()
	row := make(domain.Row, len(t.keys))
	for _, key := range t.keys {
		row[key] = indirect(rv.FieldByIndex(t.fields[t.byName[key]].index))
	}
	return row
}

// IdentityOfRow renders the identity of a row holding key values.
func (t *Type[T]) IdentityOfRow(row domain.Row) string {
	parts := make([]string, 0, len(t.keys))
	for _, key := range t.keys {
		parts = append(parts, domain.FormatValue(row[key]))
	}
	return strings.Join(parts, "|")
}

// ToRow returns every field of v keyed by field name.
func (t *Type[T]) ToRow(v T) domain.Row {
	rv := reflect.ValueOf(&v).Elem()
	row := make(domain.Row, len(t.fields))
	for _, f := range t.fields {
		row[f.Name] = indirect(rv.FieldByIndex(f.index))
	}
	return row
}

// FromRow builds a T from row. Fields missing from row keep their zero value;
// unknown row keys are ignored.
func (t *Type[T]) FromRow(row domain.Row) (T, error) {
	var v T
	rv := reflect.ValueOf(&v).Elem()
	for name, raw := range row {
		i, ok := t.byName[name]
		if !ok {
			continue
		}
		if err := assign(rv.FieldByIndex(t.fields[i].index), raw); err != nil {
			return v, fmt.Errorf("entity: %s.%s: %w", t.name, name, err)
		}
	}
	return v, nil
}

// Get returns the value of field on v.
func (t *Type[T]) Get(v T, field string) (any, error) {
	i, ok := t.byName[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownField, t.name, field)
	}
	return indirect(reflect.ValueOf(&v).Elem().FieldByIndex(t.fields[i].index)), nil
}

// Set assigns value to field on *v, converting between compatible types.
func (t *Type[T]) Set(v *T, field string, value any) error {
	i, ok := t.byName[field]
	if !ok {
		return fmt.Errorf("%w: %s.%s", domain.ErrUnknownField, t.name, field)
	}
	if err := assign(reflect.ValueOf(v).Elem().FieldByIndex(t.fields[i].index), value); err != nil {
		return fmt.Errorf("entity: %s.%s: %w", t.name, field, err)
	}
	return nil
}

// Clone returns a deep copy of v.
func (t *Type[T]) Clone(v T) T {
	src := reflect.ValueOf(&v).Elem()
	dst := reflect.New(src.Type()).Elem()
	deepCopy(dst, src)
	return dst.Interface().(T)
}

var timeType = reflect.TypeOf(time.Time{})

func indirect(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func deepCopy(dst, src reflect.Value) {
	switch src.Kind() {
	case reflect.Pointer:
		if src.IsNil() {
			return
		}
		p := reflect.New(src.Type().Elem())
		deepCopy(p.Elem(), src.Elem())
		dst.Set(p)
	case reflect.Slice:
		if src.IsNil() {
			return
		}
		s := reflect.MakeSlice(src.Type(), src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			deepCopy(s.Index(i), src.Index(i))
		}
		dst.Set(s)
	case reflect.Map:
		if src.IsNil() {
			return
		}
		m := reflect.MakeMapWithSize(src.Type(), src.Len())
		iter := src.MapRange()
		for iter.Next() {
			val := reflect.New(src.Type().Elem()).Elem()
			deepCopy(val, iter.Value())
			m.SetMapIndex(iter.Key(), val)
		}
		dst.Set(m)
	case reflect.Struct:
		dst.Set(src)
		for i := 0; i < src.NumField(); i++ {
			if dst.Field(i).CanSet() {
				deepCopy(dst.Field(i), src.Field(i))
			}
		}
	case reflect.Interface:
		if src.IsNil() {
			return
		}
		inner := reflect.New(src.Elem().Type()).Elem()
		deepCopy(inner, src.Elem())
		dst.Set(inner)
	default:
		dst.Set(src)
	}
}

// SnakeCase converts a Go identifier to snake_case, keeping acronyms together
// ("OrderID" becomes "order_id").
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
