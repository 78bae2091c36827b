package domain

import (
	"reflect"
	"sort"
	"strings"
)

// Operator is the comparison applied by a leaf Criterion.
type Operator string

// Supported criterion operators.
const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "<>"
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpIn             Operator = "in"
	OpNotIn          Operator = "not in"
	OpContains       Operator = "contains"
	OpStartsWith     Operator = "starts with"
	OpIsNull         Operator = "is null"
	OpNotNull        Operator = "is not null"
)

// Criterion is one node of a filter expression. A leaf compares Field to
// Value with Operator. A node with Any set matches when at least one child
// matches; a node with All set matches when every child matches. Not negates
// the node's result.
type Criterion struct {
	Field    string
	Operator Operator
	Value    any
	Any      []Criterion
	All      []Criterion
	Not      bool
}

// Match evaluates the criterion against row. Missing fields read as nil.
func (c Criterion) Match(row Row) bool {
	var ok bool
	switch {
	case len(c.Any) > 0:
		for _, child := range c.Any {
			if child.Match(row) {
				ok = true
				break
			}
		}
	case len(c.All) > 0:
		ok = true
		for _, child := range c.All {
			if !child.Match(row) {
				ok = false
				break
			}
		}
	default:
		ok = c.Operator.apply(row[c.Field], c.Value)
	}
	if c.Not {
		return !ok
	}
	return ok
}

// Fields returns every field name referenced by the criterion tree.
func (c Criterion) Fields() []string {
	var out []string
	if c.Field != "" {
		out = append(out, c.Field)
	}
	for _, child := range c.Any {
		out = append(out, child.Fields()...)
	}
	for _, child := range c.All {
		out = append(out, child.Fields()...)
	}
	return out
}

func (c Criterion) clone() Criterion {
	cp := c
	if vals, ok := c.Value.([]any); ok {
		cp.Value = append([]any(nil), vals...)
	}
	if c.Any != nil {
		cp.Any = make([]Criterion, len(c.Any))
		for i, child := range c.Any {
			cp.Any[i] = child.clone()
		}
	}
	if c.All != nil {
		cp.All = make([]Criterion, len(c.All))
		for i, child := range c.All {
			cp.All[i] = child.clone()
		}
	}
	return cp
}

func (op Operator) apply(field, value any) bool {
	switch op {
	case OpIsNull:
		return field == nil
	case OpNotNull:
		return field != nil
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range ValueList(value) {
			if c, ok := CompareValues(field, candidate); ok && c == 0 {
				found = true
				break
			}
		}
		if op == OpIn {
			return found
		}
		return !found
	case OpContains, OpStartsWith:
		s, okField := asString(field)
		sub, okValue := asString(value)
		if !okField || !okValue {
			return false
		}
		if op == OpContains {
			return strings.Contains(s, sub)
		}
		return strings.HasPrefix(s, sub)
	}
	if field == nil || value == nil {
		switch op {
		case OpEqual:
			return field == nil && value == nil
		case OpNotEqual:
			return (field == nil) != (value == nil)
		default:
			return false
		}
	}
	c, ok := CompareValues(field, value)
	if !ok {
		return op == OpNotEqual
	}
	switch op {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	case OpLessThan:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	default:
		return false
	}
}

// ValueList flattens an In/NotIn operand into a slice.
func ValueList(value any) []any {
	switch tv := value.(type) {
	case nil:
		return nil
	case []any:
		return tv
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{value}
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// Sort orders results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Paging selects a 1-based page of PageSize rows.
type Paging struct {
	Page     int
	PageSize int
}

// Offset returns the index of the first row of the page.
func (p Paging) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Query is the filter object attached to commands. Criteria are AND-joined.
// A query with Text set is complex: it is passed to executors verbatim and
// cannot be evaluated in memory.
type Query struct {
	Criteria []Criterion
	Sorts    []Sort
	Paging   *Paging
	Size     int
	Fields   []string
	Text     string
	Args     []any
	Obsolete bool
}

// NewQuery returns an empty query that matches everything.
func NewQuery() *Query {
	return &Query{}
}

// Where appends a leaf criterion.
func (q *Query) Where(field string, op Operator, value any) *Query {
	q.Criteria = append(q.Criteria, Criterion{Field: field, Operator: op, Value: value})
	return q
}

// And appends arbitrary criteria.
func (q *Query) And(criteria ...Criterion) *Query {
	q.Criteria = append(q.Criteria, criteria...)
	return q
}

// OrderBy appends a sort.
func (q *Query) OrderBy(field string, desc bool) *Query {
	q.Sorts = append(q.Sorts, Sort{Field: field, Desc: desc})
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(size int) *Query {
	q.Size = size
	return q
}

// Page sets the paging descriptor.
func (q *Query) Page(page, pageSize int) *Query {
	q.Paging = &Paging{Page: page, PageSize: pageSize}
	return q
}

// Select restricts the loaded fields.
func (q *Query) Select(fields ...string) *Query {
	q.Fields = append(q.Fields, fields...)
	return q
}

// Raw turns the query into a complex query executed verbatim.
func (q *Query) Raw(text string, args ...any) *Query {
	q.Text = text
	q.Args = args
	return q
}

// IsComplex reports whether the query cannot be evaluated in memory.
func (q *Query) IsComplex() bool {
	return q != nil && strings.TrimSpace(q.Text) != ""
}

// Match is the validation predicate. A nil query matches every row; a complex
// query matches none.
func (q *Query) Match(row Row) bool {
	if q == nil {
		return true
	}
	if q.IsComplex() {
		return false
	}
	for _, c := range q.Criteria {
		if !c.Match(row) {
			return false
		}
	}
	return true
}

// HasSort reports whether a sort expression is present.
func (q *Query) HasSort() bool {
	return q != nil && len(q.Sorts) > 0
}

// Less orders two rows by the query's sort expression.
func (q *Query) Less(a, b Row) bool {
	if q == nil {
		return false
	}
	for _, s := range q.Sorts {
		c, ok := CompareValues(a[s.Field], b[s.Field])
		if !ok || c == 0 {
			continue
		}
		if s.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// SortRows stably sorts rows in place by the query's sort expression.
func (q *Query) SortRows(rows []Row) {
	if !q.HasSort() {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool { return q.Less(rows[i], rows[j]) })
}

// ResultSize returns the maximum number of rows a plain query may return, or
// zero when unlimited.
func (q *Query) ResultSize() int {
	if q == nil {
		return 0
	}
	if q.Paging != nil && q.Paging.PageSize > 0 {
		return q.Paging.PageSize
	}
	return q.Size
}

// ExcludeIdentities appends a criterion rejecting rows whose key fields equal
// any of the given key rows.
func (q *Query) ExcludeIdentities(keys []Row) *Query {
	if len(keys) == 0 {
		return q
	}
	if single, values := singleKey(keys); single != "" {
		q.Criteria = append(q.Criteria, Criterion{Field: single, Operator: OpNotIn, Value: values})
		return q
	}
	alternatives := make([]Criterion, 0, len(keys))
	for _, key := range keys {
		names := make([]string, 0, len(key))
		for name := range key {
			names = append(names, name)
		}
		sort.Strings(names)
		all := make([]Criterion, 0, len(names))
		for _, name := range names {
			all = append(all, Criterion{Field: name, Operator: OpEqual, Value: key[name]})
		}
		alternatives = append(alternatives, Criterion{All: all})
	}
	q.Criteria = append(q.Criteria, Criterion{Any: alternatives, Not: true})
	return q
}

// ExcludeCriteria appends NOT(all criteria of other). Complex or empty
// queries are ignored.
func (q *Query) ExcludeCriteria(other *Query) *Query {
	if other == nil || other.IsComplex() || len(other.Criteria) == 0 {
		return q
	}
	all := make([]Criterion, len(other.Criteria))
	for i, c := range other.Criteria {
		all[i] = c.clone()
	}
	q.Criteria = append(q.Criteria, Criterion{All: all, Not: true})
	return q
}

func singleKey(keys []Row) (string, []any) {
	var field string
	values := make([]any, 0, len(keys))
	for _, key := range keys {
		if len(key) != 1 {
			return "", nil
		}
		for name, v := range key {
			if field == "" {
				field = name
			} else if field != name {
				return "", nil
			}
			values = append(values, v)
		}
	}
	return field, values
}

// Clone returns an independent copy of the query.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	cp := *q
	if q.Criteria != nil {
		cp.Criteria = make([]Criterion, len(q.Criteria))
		for i, c := range q.Criteria {
			cp.Criteria[i] = c.clone()
		}
	}
	cp.Sorts = append([]Sort(nil), q.Sorts...)
	cp.Fields = append([]string(nil), q.Fields...)
	cp.Args = append([]any(nil), q.Args...)
	if q.Paging != nil {
		p := *q.Paging
		cp.Paging = &p
	}
	return &cp
}
