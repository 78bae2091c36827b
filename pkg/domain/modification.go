package domain

import (
	"fmt"

	"warehousecore/pkg/numeric"
)

// ModifyKind selects how a ModifyEntry derives its new value.
type ModifyKind uint8

const (
	// ModifySet assigns Value.
	ModifySet ModifyKind = iota + 1
	// ModifyCalculate applies Operator with Value to the current value.
	ModifyCalculate
	// ModifyFixed assigns Value verbatim; executors must not re-evaluate it.
	ModifyFixed
)

// CalculateOperator is the arithmetic of a ModifyCalculate entry.
type CalculateOperator string

// Calculate operators.
const (
	CalculateAdd      CalculateOperator = "+"
	CalculateSubtract CalculateOperator = "-"
	CalculateMultiply CalculateOperator = "*"
	CalculateDivide   CalculateOperator = "/"
)

// ModifyEntry changes one field.
type ModifyEntry struct {
	Field    string
	Kind     ModifyKind
	Operator CalculateOperator
	Value    any
}

// Evaluate returns the field's new value given its current value.
func (e ModifyEntry) Evaluate(current any) (any, error) {
	switch e.Kind {
	case ModifySet, ModifyFixed:
		return e.Value, nil
	case ModifyCalculate:
	default:
		return nil, fmt.Errorf("%w: field %s has no modify kind", ErrInvalidModification, e.Field)
	}
	operand, err := numeric.Infer(e.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidModification, e.Field, err)
	}
	base := numeric.Zero(operand.Kind())
	if current != nil {
		cur, err := numeric.Infer(current)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidModification, e.Field, err)
		}
		base = cur
		if operand, err = numeric.Of(cur.Kind(), operand); err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidModification, e.Field, err)
		}
	}
	var out numeric.Value
	switch e.Operator {
	case CalculateAdd:
		out, err = base.Add(operand)
	case CalculateSubtract:
		out, err = base.Sub(operand)
	case CalculateMultiply:
		out, err = base.Mul(operand)
	case CalculateDivide:
		out, err = base.Quo(operand)
	default:
		return nil, fmt.Errorf("%w: field %s: operator %q", ErrInvalidModification, e.Field, e.Operator)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidModification, e.Field, err)
	}
	return out.Interface(), nil
}

// Modification is a modify-by-expression payload: an ordered list of field
// changes applied to every entity matching a query.
type Modification struct {
	Entries []ModifyEntry
}

// NewModification returns an empty modification.
func NewModification() *Modification {
	return &Modification{}
}

// Set assigns value to field.
func (m *Modification) Set(field string, value any) *Modification {
	m.Entries = append(m.Entries, ModifyEntry{Field: field, Kind: ModifySet, Value: value})
	return m
}

// Fixed assigns a literal value to field.
func (m *Modification) Fixed(field string, value any) *Modification {
	m.Entries = append(m.Entries, ModifyEntry{Field: field, Kind: ModifyFixed, Value: value})
	return m
}

// Calculate applies op with value to field's current value.
func (m *Modification) Calculate(field string, op CalculateOperator, value any) *Modification {
	m.Entries = append(m.Entries, ModifyEntry{Field: field, Kind: ModifyCalculate, Operator: op, Value: value})
	return m
}

// Fields returns the modified field names in entry order.
func (m *Modification) Fields() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.Field)
	}
	return out
}

// Apply evaluates every entry against row in place.
func (m *Modification) Apply(row Row) error {
	if m == nil {
		return nil
	}
	for _, e := range m.Entries {
		v, err := e.Evaluate(row[e.Field])
		if err != nil {
			return err
		}
		row[e.Field] = v
	}
	return nil
}

// Validate checks that every entry is well formed.
func (m *Modification) Validate() error {
	if m == nil || len(m.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidModification)
	}
	for _, e := range m.Entries {
		if e.Field == "" {
			return fmt.Errorf("%w: entry without field", ErrInvalidModification)
		}
		if e.Kind == ModifyCalculate {
			switch e.Operator {
			case CalculateAdd, CalculateSubtract, CalculateMultiply, CalculateDivide:
			default:
				return fmt.Errorf("%w: field %s: operator %q", ErrInvalidModification, e.Field, e.Operator)
			}
		}
	}
	return nil
}

// Clone returns an independent copy.
func (m *Modification) Clone() *Modification {
	if m == nil {
		return nil
	}
	return &Modification{Entries: append([]ModifyEntry(nil), m.Entries...)}
}
