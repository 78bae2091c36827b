// Package memory provides an in-memory executor used for tests and ephemeral
// environments. Write batches run against a cloned state that replaces the
// live state only when every command succeeds.
package memory

import (
	"context"
	"fmt"
	"sync"

	"warehousecore/internal/logging"
	"warehousecore/internal/rowset"
	"warehousecore/pkg/domain"

	"go.uber.org/zap"
)

// Compile-time contract assertions.
var (
	_ domain.Executor       = (*Executor)(nil)
	_ domain.CommandCounter = (*Executor)(nil)
)

type table struct {
	rows  map[string]domain.Row
	order []string
}

func (t *table) clone() *table {
	cp := &table{rows: make(map[string]domain.Row, len(t.rows)), order: append([]string(nil), t.order...)}
	for id, row := range t.rows {
		cp.rows[id] = row.Clone()
	}
	return cp
}

func (t *table) list() []domain.Row {
	out := make([]domain.Row, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.rows[id])
	}
	return out
}

func (t *table) remove(id string) {
	delete(t.rows, id)
	for i, cur := range t.order {
		if cur == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

type state map[string]*table

func (s state) clone() state {
	cp := make(state, len(s))
	for name, t := range s {
		cp[name] = t.clone()
	}
	return cp
}

func (s state) table(name string) *table {
	t, ok := s[name]
	if !ok {
		t = &table{rows: make(map[string]domain.Row)}
		s[name] = t
	}
	return t
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// Executor keeps rows per object name keyed by their primary-key values.
type Executor struct {
	name   string
	mu     sync.RWMutex
	state  state
	logger *zap.Logger
}

// New returns an empty executor. name distinguishes instances for grouping.
func New(name string, opts ...Option) *Executor {
	if name == "" {
		name = "default"
	}
	e := &Executor{name: name, state: make(state), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IdentityValue implements domain.Executor.
func (e *Executor) IdentityValue() string { return "memory:" + e.name }

// Seed stores rows for object, keyed by the given primary-key fields.
// Existing rows with the same keys are replaced.
func (e *Executor) Seed(object string, keys []string, rows ...domain.Row) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.state.table(object)
	for _, row := range rows {
		id := domain.KeyString(row.Project(keys))
		if _, ok := t.rows[id]; !ok {
			t.order = append(t.order, id)
		}
		t.rows[id] = row.Clone()
	}
}

// Rows returns a copy of every stored row of object in insertion order.
func (e *Executor) Rows(object string) []domain.Row {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.state[object]
	if !ok {
		return nil
	}
	out := t.list()
	for i, row := range out {
		out[i] = row.Clone()
	}
	return out
}

// Execute applies cmds atomically. A MustAffectedData command that changes
// nothing rolls the batch back with a *domain.AffectedDataError.
func (e *Executor) Execute(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (int64, error) {
	counts, err := e.ExecuteCounted(ctx, opts, cmds)
	if err != nil {
		return 0, err
	}
	return domain.SumAffected(counts), nil
}

// ExecuteCounted is Execute reporting the rows each command affected.
func (e *Executor) ExecuteCounted(ctx context.Context, _ domain.ExecutionOptions, cmds []*domain.Command) ([]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.state.clone()
	counts := make([]int64, len(cmds))
	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := apply(working, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		if n == 0 && cmd.MustAffectedData {
			return nil, &domain.AffectedDataError{CommandIDs: []int64{cmd.ID}}
		}
		counts[i] = n
	}
	e.state = working
	e.logger.Debug("memory batch committed", zap.String("executor", e.name), zap.Int("commands", len(cmds)), zap.Int64("affected", domain.SumAffected(counts)))
	return counts, nil
}

func apply(s state, cmd *domain.Command) (int64, error) {
	t := s.table(cmd.ObjectName)
	switch cmd.Operation {
	case domain.OperationInsert:
		if len(cmd.Keys) == 0 {
			return 0, fmt.Errorf("%w: insert without keys", domain.ErrUnsupported)
		}
		id := domain.KeyString(cmd.Keys)
		if _, exists := t.rows[id]; exists {
			return 0, fmt.Errorf("%w: %s", domain.ErrDuplicateKey, id)
		}
		row := cmd.Parameters.Clone()
		if row == nil {
			row = domain.Row{}
		}
		for k, v := range cmd.Keys {
			row[k] = v
		}
		t.rows[id] = row
		t.order = append(t.order, id)
		return 1, nil
	case domain.OperationUpdate, domain.OperationDelete:
		if cmd.IsObsolete() {
			return 0, nil
		}
		target := rowset.Target(cmd)
		if target.IsComplex() {
			return 0, fmt.Errorf("%w: raw query text", domain.ErrUnsupported)
		}
		var n int64
		for _, id := range append([]string(nil), t.order...) {
			row := t.rows[id]
			if !target.Match(row) {
				continue
			}
			n++
			if cmd.Operation == domain.OperationDelete {
				t.remove(id)
				continue
			}
			if err := rowset.ApplyUpdate(row, cmd); err != nil {
				return 0, err
			}
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: execute %s", domain.ErrUnsupported, cmd.Operation)
	}
}

func (e *Executor) snapshot(object string) []domain.Row {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.state[object]
	if !ok {
		return nil
	}
	return t.list()
}

// Query implements domain.Executor.
func (e *Executor) Query(_ context.Context, cmd *domain.Command) ([]domain.Row, error) {
	if cmd.IsObsolete() {
		return []domain.Row{}, nil
	}
	return rowset.Select(e.snapshot(cmd.ObjectName), cmd.Query)
}

// QueryPaging implements domain.Executor.
func (e *Executor) QueryPaging(_ context.Context, cmd *domain.Command) (domain.Page, error) {
	if cmd.IsObsolete() {
		return domain.Page{Rows: []domain.Row{}}, nil
	}
	return rowset.Paged(e.snapshot(cmd.ObjectName), cmd.Query)
}

// Exists implements domain.Executor.
func (e *Executor) Exists(_ context.Context, cmd *domain.Command) (bool, error) {
	if cmd.IsObsolete() {
		return false, nil
	}
	matched, err := rowset.Filter(e.snapshot(cmd.ObjectName), cmd.Query)
	if err != nil {
		return false, err
	}
	return len(matched) > 0, nil
}

// Aggregate implements domain.Executor.
func (e *Executor) Aggregate(_ context.Context, cmd *domain.Command) (domain.AggregateResult, error) {
	if cmd.IsObsolete() {
		if cmd.Operation == domain.OperationCount {
			return domain.CountResult(0), nil
		}
		return domain.AggregateResult{}, nil
	}
	return rowset.Aggregate(e.snapshot(cmd.ObjectName), cmd.Query, cmd.Operation, cmd.AggregateField, cmd.ValueKind)
}
