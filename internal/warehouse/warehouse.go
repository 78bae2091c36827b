// Package warehouse is the entity-facing data access layer. Writes are staged
// in the unit of work carried by the context; reads ask the executors for
// storage truth and merge the staged state on top of it.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"warehousecore/internal/entity"
	"warehousecore/internal/logging"
	"warehousecore/internal/staging"
	"warehousecore/internal/uow"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"

	"go.uber.org/zap"
)

// Reader is the read side of the execution manager.
type Reader interface {
	Query(ctx context.Context, cmd *domain.Command) ([]domain.Row, error)
	QueryPaging(ctx context.Context, cmd *domain.Command) (domain.Page, error)
	Exists(ctx context.Context, cmd *domain.Command) (bool, error)
	Aggregate(ctx context.Context, cmd *domain.Command) (domain.AggregateResult, error)
}

// Page is one window of typed results plus the total number of matches.
type Page[T any] struct {
	Items []T
	Total int64
}

// Option configures a Warehouse.
type Option func(*config)

type config struct {
	now    func() time.Time
	logger *zap.Logger
}

// WithClock overrides the clock used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = logging.OrNop(l) }
}

// Warehouse stages and reads entities of type T.
type Warehouse[T any] struct {
	meta   *entity.Type[T]
	reader Reader
	now    func() time.Time
	logger *zap.Logger
}

// New describes T and binds it to reader.
func New[T any](reader Reader, opts ...Option) (*Warehouse[T], error) {
	if reader == nil {
		return nil, fmt.Errorf("warehouse: %w", domain.ErrNoExecutor)
	}
	meta, err := entity.Describe[T]()
	if err != nil {
		return nil, fmt.Errorf("warehouse: %w", err)
	}
	cfg := config{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Warehouse[T]{meta: meta, reader: reader, now: cfg.now, logger: cfg.logger}, nil
}

// Meta returns the entity description.
func (w *Warehouse[T]) Meta() *entity.Type[T] { return w.meta }

func (w *Warehouse[T]) staged(ctx context.Context) (*uow.Unit, *staging.Storage[T], bool) {
	u, ok := uow.FromContext(ctx)
	if !ok {
		return nil, nil, false
	}
	return u, staging.StorageFor(u.Registry(), w.meta), true
}

func (w *Warehouse[T]) writable(ctx context.Context) (*uow.Unit, *staging.Storage[T], error) {
	u, st, ok := w.staged(ctx)
	if !ok {
		return nil, nil, fmt.Errorf("warehouse %s: %w", w.meta.Name(), uow.ErrNoUnit)
	}
	return u, st, nil
}

func (w *Warehouse[T]) source(st *staging.Storage[T]) uow.CommandSource {
	return &materializer[T]{w: w, st: st}
}

// Save stages v for insert or update.
func (w *Warehouse[T]) Save(ctx context.Context, v T, opts ...uow.Options) (uow.Record, error) {
	u, st, err := w.writable(ctx)
	if err != nil {
		return uow.Record{}, err
	}
	p, err := st.Save(v)
	if err != nil {
		return uow.Record{}, fmt.Errorf("warehouse %s save: %w", w.meta.Name(), err)
	}
	return u.AddRecord(uow.RecordSpec{
		Operation:     uow.RecordSave,
		ObjectName:    w.meta.Name(),
		IdentityValue: p.Identity(),
		Options:       merge(opts),
		Source:        w.source(st),
	})
}

// Remove stages deletion of v. force marks the entity as gone for the rest
// of the unit of work.
func (w *Warehouse[T]) Remove(ctx context.Context, v T, force bool, opts ...uow.Options) (uow.Record, error) {
	u, st, err := w.writable(ctx)
	if err != nil {
		return uow.Record{}, err
	}
	p, err := st.Remove(v, force)
	if err != nil {
		return uow.Record{}, fmt.Errorf("warehouse %s remove: %w", w.meta.Name(), err)
	}
	return u.AddRecord(uow.RecordSpec{
		Operation:     uow.RecordRemoveObject,
		ObjectName:    w.meta.Name(),
		IdentityValue: p.Identity(),
		Options:       merge(opts),
		Source:        w.source(st),
	})
}

// RemoveByQuery stages deletion of every entity matching q, including ones
// read later in the unit of work.
func (w *Warehouse[T]) RemoveByQuery(ctx context.Context, q *domain.Query, opts ...uow.Options) (uow.Record, error) {
	u, st, err := w.writable(ctx)
	if err != nil {
		return uow.Record{}, err
	}
	q = orAll(q)
	st.RemoveByQuery(q)
	return u.AddRecord(uow.RecordSpec{
		Operation:  uow.RecordRemoveCondition,
		ObjectName: w.meta.Name(),
		Query:      q.Clone(),
		Options:    merge(opts),
		Source:     w.source(st),
	})
}

// Modify stages mod for every entity matching q.
func (w *Warehouse[T]) Modify(ctx context.Context, mod *domain.Modification, q *domain.Query, opts ...uow.Options) (uow.Record, error) {
	u, st, err := w.writable(ctx)
	if err != nil {
		return uow.Record{}, err
	}
	q = orAll(q)
	for _, f := range mod.Fields() {
		if !w.meta.HasField(f) {
			return uow.Record{}, fmt.Errorf("warehouse %s modify: %w: %s", w.meta.Name(), domain.ErrUnknownField, f)
		}
	}
	inserted, err := st.Modify(mod, q)
	if err != nil {
		return uow.Record{}, fmt.Errorf("warehouse %s modify: %w", w.meta.Name(), err)
	}
	return u.AddRecord(uow.RecordSpec{
		Operation:    uow.RecordModifyExpression,
		ObjectName:   w.meta.Name(),
		Query:        q.Clone().ExcludeIdentities(inserted),
		Modification: mod.Clone(),
		Options:      merge(opts),
		Source:       w.source(st),
	})
}

func orAll(q *domain.Query) *domain.Query {
	if q == nil {
		return domain.NewQuery()
	}
	return q
}

func merge(opts []uow.Options) uow.Options {
	var out uow.Options
	for _, o := range opts {
		out.StartingEvents = append(out.StartingEvents, o.StartingEvents...)
		out.CallbackEvents = append(out.CallbackEvents, o.CallbackEvents...)
		out.MustAffectedData = out.MustAffectedData || o.MustAffectedData
	}
	return out
}

func (w *Warehouse[T]) command(op domain.Operation, q *domain.Query) *domain.Command {
	cmd := &domain.Command{Operation: op, ObjectName: w.meta.Name(), Query: q}
	if q != nil {
		cmd.Fields = append([]string(nil), q.Fields...)
	}
	return cmd
}

func (w *Warehouse[T]) decode(rows []domain.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := w.meta.FromRow(row)
		if err != nil {
			return nil, fmt.Errorf("warehouse %s decode: %w", w.meta.Name(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns the entity whose key fields equal probe's. Entities staged in
// the unit of work are served without a storage read when fully loaded.
func (w *Warehouse[T]) Get(ctx context.Context, probe T) (T, bool, error) {
	var zero T
	id, err := w.meta.Identity(probe)
	if err != nil {
		return zero, false, err
	}
	_, st, staged := w.staged(ctx)
	if staged {
		switch v, state := st.Get(id); state {
		case staging.LookupHit:
			return v, true, nil
		case staging.LookupHidden:
			return zero, false, nil
		}
	}
	q := domain.NewQuery()
	for name, v := range w.meta.KeyRow(probe) {
		q.Where(name, domain.OpEqual, v)
	}
	items, err := w.Query(ctx, q)
	if err != nil || len(items) == 0 {
		return zero, false, err
	}
	return items[0], true, nil
}

// Query returns the entities matching q.
func (w *Warehouse[T]) Query(ctx context.Context, q *domain.Query) ([]T, error) {
	q = orAll(q)
	if _, st, ok := w.staged(ctx); ok {
		return w.readStaged(ctx, st, q)
	}
	rows, err := w.reader.Query(ctx, w.command(domain.OperationQuery, q))
	if err != nil {
		return nil, err
	}
	return w.decode(rows)
}

// QueryPaging returns one page of entities matching q. When entities are
// staged the total is recounted so it reflects them.
func (w *Warehouse[T]) QueryPaging(ctx context.Context, q *domain.Query) (Page[T], error) {
	q = orAll(q)
	_, st, staged := w.staged(ctx)
	if staged && !q.IsComplex() {
		items, err := w.readStaged(ctx, st, q)
		if err != nil {
			return Page[T]{}, err
		}
		count := q.Clone()
		count.Paging, count.Size, count.Sorts = nil, 0, nil
		total, err := w.Count(ctx, count)
		if err != nil {
			return Page[T]{}, err
		}
		return Page[T]{Items: items, Total: total}, nil
	}
	page, err := w.reader.QueryPaging(ctx, w.command(domain.OperationQuery, q))
	if err != nil {
		return Page[T]{}, err
	}
	items, err := w.decode(page.Rows)
	if err != nil {
		return Page[T]{}, err
	}
	if staged {
		if items, err = st.Merge(items, q); err != nil {
			return Page[T]{}, err
		}
	}
	return Page[T]{Items: items, Total: page.Total}, nil
}

// readStaged reads q through the staging area. Staged entities can land on
// any page, so a paged query is read from the first row through the end of
// its page, plus one row for every tracked entity the merge may drop, and the
// page is cut from the merged result.
func (w *Warehouse[T]) readStaged(ctx context.Context, st *staging.Storage[T], q *domain.Query) ([]T, error) {
	fetch, from, size := q, 0, 0
	if !q.IsComplex() && q.Paging != nil && q.Paging.PageSize > 0 {
		from, size = q.Paging.Offset(), q.Paging.PageSize
		fetch = q.Clone()
		fetch.Paging = nil
		fetch.Size = from + size + st.Len()
	}
	rows, err := w.reader.Query(ctx, w.command(domain.OperationQuery, fetch))
	if err != nil {
		return nil, err
	}
	items, err := w.decode(rows)
	if err != nil {
		return nil, err
	}
	if items, err = st.Merge(items, fetch); err != nil {
		return nil, err
	}
	if size == 0 {
		return items, nil
	}
	if from >= len(items) {
		return []T{}, nil
	}
	return items[from:min(from+size, len(items))], nil
}

// Exists reports whether an entity matches q.
func (w *Warehouse[T]) Exists(ctx context.Context, q *domain.Query) (bool, error) {
	q = orAll(q)
	adjusted := q
	if _, st, ok := w.staged(ctx); ok {
		var found bool
		if found, adjusted = st.Exists(q); found {
			return true, nil
		}
		if adjusted.Obsolete {
			return false, nil
		}
	}
	return w.reader.Exists(ctx, w.command(domain.OperationExist, adjusted))
}

// Count counts the entities matching q.
func (w *Warehouse[T]) Count(ctx context.Context, q *domain.Query) (int64, error) {
	q = orAll(q)
	adjusted := q
	var staged int64
	if _, st, ok := w.staged(ctx); ok {
		staged, adjusted = st.Count(q)
		if adjusted.Obsolete {
			return staged, nil
		}
	}
	res, err := w.reader.Aggregate(ctx, w.command(domain.OperationCount, adjusted))
	if err != nil {
		return 0, err
	}
	return staged + res.Count, nil
}

// Max returns the largest value of field among entities matching q. Valid
// is false when nothing matched.
func (w *Warehouse[T]) Max(ctx context.Context, field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, error) {
	return w.aggregate(ctx, domain.OperationMax, field, kind, q)
}

// Min returns the smallest value of field among entities matching q.
func (w *Warehouse[T]) Min(ctx context.Context, field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, error) {
	return w.aggregate(ctx, domain.OperationMin, field, kind, q)
}

// Sum adds field over the entities matching q.
func (w *Warehouse[T]) Sum(ctx context.Context, field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, error) {
	return w.aggregate(ctx, domain.OperationSum, field, kind, q)
}

// Avg averages field over the entities matching q. It is derived from the
// combined staged and stored sum and count.
func (w *Warehouse[T]) Avg(ctx context.Context, field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, error) {
	sum, err := w.aggregate(ctx, domain.OperationSum, field, kind, q)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	return sum.Average()
}

func (w *Warehouse[T]) aggregate(ctx context.Context, op domain.Operation, field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, error) {
	if !w.meta.HasField(field) {
		return domain.AggregateResult{}, fmt.Errorf("warehouse %s: %w: %s", w.meta.Name(), domain.ErrUnknownField, field)
	}
	q = orAll(q)
	adjusted := q
	var staged domain.AggregateResult
	if _, st, ok := w.staged(ctx); ok {
		var err error
		switch op {
		case domain.OperationMax:
			staged, adjusted, err = st.Max(field, kind, q)
		case domain.OperationMin:
			staged, adjusted, err = st.Min(field, kind, q)
		default:
			staged, adjusted, err = st.Sum(field, kind, q)
		}
		if err != nil {
			return domain.AggregateResult{}, err
		}
		if adjusted.Obsolete {
			return staged, nil
		}
	}
	cmd := w.command(op, adjusted)
	cmd.AggregateField = field
	cmd.ValueKind = kind
	stored, err := w.reader.Aggregate(ctx, cmd)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	return staged.Merge(op, stored)
}
