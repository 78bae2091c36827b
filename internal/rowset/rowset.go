// Package rowset evaluates commands against rows held in memory. Executors
// that cannot push filtering down to a storage engine (the in-memory and blob
// executors) share it.
package rowset

import (
	"fmt"
	"maps"
	"slices"

	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"
)

// Filter returns the rows matching q. Complex queries cannot be evaluated.
func Filter(rows []domain.Row, q *domain.Query) ([]domain.Row, error) {
	if q.IsComplex() {
		return nil, fmt.Errorf("%w: raw query text", domain.ErrUnsupported)
	}
	out := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		if q.Match(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Select filters, sorts and windows rows for a plain query and projects the
// selected fields.
func Select(rows []domain.Row, q *domain.Query) ([]domain.Row, error) {
	matched, err := Filter(rows, q)
	if err != nil {
		return nil, err
	}
	q.SortRows(matched)
	return project(window(matched, q), q), nil
}

// Paged returns the requested page and the total number of matches.
func Paged(rows []domain.Row, q *domain.Query) (domain.Page, error) {
	matched, err := Filter(rows, q)
	if err != nil {
		return domain.Page{}, err
	}
	q.SortRows(matched)
	return domain.Page{Rows: project(window(matched, q), q), Total: int64(len(matched))}, nil
}

// Window pages rows that were already filtered and ordered elsewhere, such
// as the result of a raw query.
func Window(rows []domain.Row, q *domain.Query) domain.Page {
	return domain.Page{Rows: window(rows, q), Total: int64(len(rows))}
}

func window(rows []domain.Row, q *domain.Query) []domain.Row {
	if q == nil {
		return rows
	}
	if q.Paging != nil && q.Paging.PageSize > 0 {
		from := q.Paging.Offset()
		if from >= len(rows) {
			return []domain.Row{}
		}
		to := min(from+q.Paging.PageSize, len(rows))
		return rows[from:to]
	}
	if q.Size > 0 && len(rows) > q.Size {
		return rows[:q.Size]
	}
	return rows
}

func project(rows []domain.Row, q *domain.Query) []domain.Row {
	var fields []string
	if q != nil {
		fields = q.Fields
	}
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Project(fields)
	}
	return out
}

// Aggregate computes op over field for the rows matching q. Null values do
// not contribute. When kind is zero the kind of the first value is used.
func Aggregate(rows []domain.Row, q *domain.Query, op domain.Operation, field string, kind numeric.Kind) (domain.AggregateResult, error) {
	matched, err := Filter(rows, q)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	if op == domain.OperationCount {
		return domain.CountResult(int64(len(matched))), nil
	}
	if !op.IsAggregate() {
		return domain.AggregateResult{}, fmt.Errorf("%w: aggregate %s", domain.ErrUnsupported, op)
	}
	if field == "" {
		return domain.AggregateResult{}, fmt.Errorf("%w: %s without field", domain.ErrUnsupported, op)
	}
	merge := op
	if op == domain.OperationAvg {
		merge = domain.OperationSum
	}
	var acc domain.AggregateResult
	for _, row := range matched {
		raw := row[field]
		if raw == nil {
			continue
		}
		v, err := convert(kind, raw)
		if err != nil {
			return domain.AggregateResult{}, fmt.Errorf("%s: %w", field, err)
		}
		kind = v.Kind()
		if acc, err = acc.Merge(merge, domain.AggregateResult{Value: v, Count: 1, Valid: true}); err != nil {
			return domain.AggregateResult{}, err
		}
	}
	if op == domain.OperationAvg {
		return acc.Average()
	}
	return acc, nil
}

func convert(kind numeric.Kind, raw any) (numeric.Value, error) {
	if kind.Valid() {
		return numeric.Of(kind, raw)
	}
	return numeric.Infer(raw)
}

// ApplyUpdate writes an update command into row: the listed parameters
// first, then the modification expression.
func ApplyUpdate(row domain.Row, cmd *domain.Command) error {
	fields := cmd.Fields
	if len(fields) == 0 {
		fields = slices.Sorted(maps.Keys(cmd.Parameters))
	}
	for _, name := range fields {
		if v, ok := cmd.Parameters[name]; ok {
			row[name] = v
		}
	}
	if cmd.Modification != nil {
		return cmd.Modification.Apply(row)
	}
	return nil
}

// Target returns the filter selecting the rows a write command touches:
// its key values when present, its query otherwise.
func Target(cmd *domain.Command) *domain.Query {
	if len(cmd.Keys) == 0 {
		if cmd.Query == nil {
			return domain.NewQuery()
		}
		return cmd.Query
	}
	q := domain.NewQuery()
	for _, name := range slices.Sorted(maps.Keys(cmd.Keys)) {
		q.Where(name, domain.OpEqual, cmd.Keys[name])
	}
	if cmd.Query != nil {
		q.And(cmd.Query.Criteria...)
	}
	return q
}
