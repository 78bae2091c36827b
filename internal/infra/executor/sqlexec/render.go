package sqlexec

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"warehousecore/internal/rowset"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"
)

// statement is rendered SQL plus its positional arguments.
type statement struct {
	text string
	args []any
}

type builder struct {
	strings.Builder
	d    Dialect
	args []any
}

func newBuilder(d Dialect) *builder { return &builder{d: d} }

// arg registers v and returns its placeholder. Placeholders are numbered in
// text order, so callers must render left to right.
func (b *builder) arg(v any) string {
	b.args = append(b.args, bindValue(v))
	return b.d.placeholder(len(b.args))
}

func (b *builder) ident(name string) string { return b.d.Quote(name) }

func (b *builder) statement() statement { return statement{text: b.String(), args: b.args} }

func bindValue(v any) any {
	switch tv := v.(type) {
	case numeric.Value:
		return tv.Interface()
	case json.Number:
		return tv.String()
	default:
		return v
	}
}

// where renders the AND-joined criteria. An empty list renders nothing.
func (b *builder) where(criteria []domain.Criterion) error {
	if len(criteria) == 0 {
		return nil
	}
	b.WriteString(" WHERE ")
	return b.conjunction(criteria, " AND ")
}

// conjunction joins criteria with sep. Groups parenthesize themselves, so
// mixing AND and OR never depends on precedence.
func (b *builder) conjunction(criteria []domain.Criterion, sep string) error {
	for i, c := range criteria {
		if i > 0 {
			b.WriteString(sep)
		}
		if err := b.criterion(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) criterion(c domain.Criterion) error {
	if c.Not {
		b.WriteString("NOT ")
	}
	switch {
	case len(c.Any) > 0:
		b.WriteString("(")
		err := b.conjunction(c.Any, " OR ")
		b.WriteString(")")
		return err
	case len(c.All) > 0:
		b.WriteString("(")
		err := b.conjunction(c.All, " AND ")
		b.WriteString(")")
		return err
	}
	if c.Field == "" {
		return fmt.Errorf("%w: criterion without field", domain.ErrUnsupported)
	}
	col := b.ident(c.Field)
	if c.Not {
		b.WriteString("(")
		defer b.WriteString(")")
	}
	switch c.Operator {
	case domain.OpEqual, domain.OpNotEqual:
		if c.Value == nil {
			if c.Operator == domain.OpEqual {
				b.WriteString(col + " IS NULL")
			} else {
				b.WriteString(col + " IS NOT NULL")
			}
			return nil
		}
		fallthrough
	case domain.OpGreaterThan, domain.OpGreaterOrEqual, domain.OpLessThan, domain.OpLessOrEqual:
		b.WriteString(col + " " + string(c.Operator) + " " + b.arg(c.Value))
	case domain.OpIn, domain.OpNotIn:
		values := domain.ValueList(c.Value)
		if len(values) == 0 {
			if c.Operator == domain.OpIn {
				b.WriteString("1 = 0")
			} else {
				b.WriteString("1 = 1")
			}
			return nil
		}
		b.WriteString(col)
		if c.Operator == domain.OpIn {
			b.WriteString(" IN (")
		} else {
			b.WriteString(" NOT IN (")
		}
		for i, v := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(b.arg(v))
		}
		b.WriteString(")")
	case domain.OpContains, domain.OpStartsWith:
		pattern := escapeLike(domain.FormatValue(c.Value)) + "%"
		if c.Operator == domain.OpContains {
			pattern = "%" + pattern
		}
		b.WriteString(col + " LIKE " + b.arg(pattern) + ` ESCAPE '\'`)
	case domain.OpIsNull:
		b.WriteString(col + " IS NULL")
	case domain.OpNotNull:
		b.WriteString(col + " IS NOT NULL")
	default:
		return fmt.Errorf("%w: operator %q", domain.ErrUnsupported, c.Operator)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (b *builder) orderBy(q *domain.Query) bool {
	if !q.HasSort() {
		return false
	}
	b.WriteString(" ORDER BY ")
	for i, s := range q.Sorts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(b.ident(s.Field))
		if s.Desc {
			b.WriteString(" DESC")
		}
	}
	return true
}

// readFilter is the filter of a read command: key equality plus query
// criteria, with sorting and windowing taken from the command's query.
func readFilter(cmd *domain.Command) []domain.Criterion {
	return rowset.Target(cmd).Criteria
}

func renderSelect(d Dialect, cmd *domain.Command, windowed bool) (statement, error) {
	b := newBuilder(d)
	q := cmd.Query
	b.WriteString("SELECT ")
	if q != nil && len(q.Fields) > 0 {
		for i, f := range q.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(b.ident(f))
		}
	} else {
		b.WriteString("*")
	}
	b.WriteString(" FROM " + b.ident(cmd.ObjectName))
	if err := b.where(readFilter(cmd)); err != nil {
		return statement{}, err
	}
	ordered := b.orderBy(q)
	if windowed && q != nil {
		switch {
		case q.Paging != nil && q.Paging.PageSize > 0:
			d.window(b, ordered, q.Paging.PageSize, q.Paging.Offset())
		case q.Size > 0:
			d.window(b, ordered, q.Size, 0)
		}
	}
	return b.statement(), nil
}

func renderExists(d Dialect, cmd *domain.Command) (statement, error) {
	b := newBuilder(d)
	b.WriteString("SELECT 1 FROM " + b.ident(cmd.ObjectName))
	if err := b.where(readFilter(cmd)); err != nil {
		return statement{}, err
	}
	d.window(b, false, 1, 0)
	return b.statement(), nil
}

// renderAggregate selects the aggregate and the number of contributing
// rows. Avg is computed as a sum so partial results merge exactly.
func renderAggregate(d Dialect, cmd *domain.Command) (statement, error) {
	b := newBuilder(d)
	switch cmd.Operation {
	case domain.OperationCount:
		b.WriteString("SELECT COUNT(*)")
	case domain.OperationMax, domain.OperationMin, domain.OperationSum, domain.OperationAvg:
		if cmd.AggregateField == "" {
			return statement{}, fmt.Errorf("%w: %s without field", domain.ErrUnsupported, cmd.Operation)
		}
		fn := map[domain.Operation]string{
			domain.OperationMax: "MAX", domain.OperationMin: "MIN",
			domain.OperationSum: "SUM", domain.OperationAvg: "SUM",
		}[cmd.Operation]
		col := b.ident(cmd.AggregateField)
		fmt.Fprintf(b, "SELECT %s(%s), COUNT(%s)", fn, col, col)
	default:
		return statement{}, fmt.Errorf("%w: aggregate %s", domain.ErrUnsupported, cmd.Operation)
	}
	b.WriteString(" FROM " + b.ident(cmd.ObjectName))
	if err := b.where(readFilter(cmd)); err != nil {
		return statement{}, err
	}
	return b.statement(), nil
}

func renderCount(d Dialect, cmd *domain.Command) (statement, error) {
	count := *cmd
	count.Operation = domain.OperationCount
	return renderAggregate(d, &count)
}

// renderWrite renders an insert, update or delete. Commands whose query is
// complex run the query text verbatim.
func renderWrite(d Dialect, cmd *domain.Command) (statement, error) {
	if cmd.Query.IsComplex() && cmd.Operation != domain.OperationInsert {
		return statement{text: cmd.Query.Text, args: cmd.Query.Args}, nil
	}
	b := newBuilder(d)
	switch cmd.Operation {
	case domain.OperationInsert:
		row := cmd.Parameters.Clone()
		if row == nil {
			row = domain.Row{}
		}
		maps.Copy(row, cmd.Keys)
		cols := slices.Sorted(maps.Keys(row))
		if len(cols) == 0 {
			return statement{}, fmt.Errorf("%w: insert without values", domain.ErrUnsupported)
		}
		b.WriteString("INSERT INTO " + b.ident(cmd.ObjectName) + " (")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(b.ident(c))
		}
		b.WriteString(") VALUES (")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(b.arg(row[c]))
		}
		b.WriteString(")")
	case domain.OperationUpdate:
		b.WriteString("UPDATE " + b.ident(cmd.ObjectName) + " SET ")
		if err := b.assignments(cmd); err != nil {
			return statement{}, err
		}
		if err := b.where(rowset.Target(cmd).Criteria); err != nil {
			return statement{}, err
		}
	case domain.OperationDelete:
		b.WriteString("DELETE FROM " + b.ident(cmd.ObjectName))
		if err := b.where(rowset.Target(cmd).Criteria); err != nil {
			return statement{}, err
		}
	default:
		return statement{}, fmt.Errorf("%w: execute %s", domain.ErrUnsupported, cmd.Operation)
	}
	return b.statement(), nil
}

// assignment is the pending SET expression of one column: an optional base
// value followed by arithmetic steps.
type assignment struct {
	field string
	base  any
	set   bool
	steps []domain.ModifyEntry
}

// assignments renders the SET list. Parameters are written first, then the
// modification entries; several entries on one column compose into one
// expression so each column is assigned once.
func (b *builder) assignments(cmd *domain.Command) error {
	var list []*assignment
	byField := map[string]*assignment{}
	get := func(field string) *assignment {
		a, ok := byField[field]
		if !ok {
			a = &assignment{field: field}
			byField[field] = a
			list = append(list, a)
		}
		return a
	}
	fields := cmd.Fields
	if len(fields) == 0 {
		fields = slices.Sorted(maps.Keys(cmd.Parameters))
	}
	for _, f := range fields {
		if v, ok := cmd.Parameters[f]; ok {
			a := get(f)
			a.base, a.set, a.steps = v, true, nil
		}
	}
	if cmd.Modification != nil {
		for _, e := range cmd.Modification.Entries {
			a := get(e.Field)
			switch e.Kind {
			case domain.ModifySet, domain.ModifyFixed:
				a.base, a.set, a.steps = e.Value, true, nil
			case domain.ModifyCalculate:
				switch e.Operator {
				case domain.CalculateAdd, domain.CalculateSubtract, domain.CalculateMultiply, domain.CalculateDivide:
				default:
					return fmt.Errorf("%w: field %s: operator %q", domain.ErrInvalidModification, e.Field, e.Operator)
				}
				a.steps = append(a.steps, e)
			default:
				return fmt.Errorf("%w: field %s has no modify kind", domain.ErrInvalidModification, e.Field)
			}
		}
	}
	if len(list) == 0 {
		return fmt.Errorf("%w: update without fields", domain.ErrUnsupported)
	}
	for i, a := range list {
		if i > 0 {
			b.WriteString(", ")
		}
		col := b.ident(a.field)
		b.WriteString(col + " = ")
		// open one paren per step so placeholders stay in text order
		b.WriteString(strings.Repeat("(", len(a.steps)))
		switch {
		case a.set && len(a.steps) > 0:
			b.WriteString("COALESCE(" + b.arg(a.base) + ", 0)")
		case a.set:
			b.WriteString(b.arg(a.base))
		default:
			b.WriteString("COALESCE(" + col + ", 0)")
		}
		for _, s := range a.steps {
			b.WriteString(" " + string(s.Operator) + " " + b.arg(s.Value) + ")")
		}
	}
	return nil
}
