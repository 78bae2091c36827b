// Package sqlexec executes commands against relational databases through
// database/sql. Write batches run in one transaction; reads render a single
// statement per command.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"warehousecore/internal/logging"
	"warehousecore/internal/rowset"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"

	"go.uber.org/zap"
)

// Compile-time contract assertions.
var (
	_ domain.Executor       = (*Executor)(nil)
	_ domain.CommandCounter = (*Executor)(nil)
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// Executor implements domain.Executor on a *sql.DB.
type Executor struct {
	name    string
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// New wraps an open database. The caller keeps ownership of db.
func New(name string, db *sql.DB, dialect Dialect, opts ...Option) *Executor {
	if name == "" {
		name = dialect.Name
	}
	e := &Executor{name: name, db: db, dialect: dialect, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open opens dsn with the dialect's driver and verifies the connection.
func Open(ctx context.Context, name string, dialect Dialect, dsn string, opts ...Option) (*Executor, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s: dsn required", dialect.Name)
	}
	openMu.Lock()
	db, err := sqlOpen(dialect.DriverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	e := New(name, db, dialect, opts...)
	if err := e.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s (%s): %w", dialect.Name, logging.SanitizeConnectionString(dsn), err)
	}
	return e, nil
}

// IdentityValue implements domain.Executor.
func (e *Executor) IdentityValue() string { return e.dialect.Name + ":" + e.name }

// DB exposes the underlying database for migrations and tests.
func (e *Executor) DB() *sql.DB { return e.db }

// Dialect returns the executor's dialect.
func (e *Executor) Dialect() Dialect { return e.dialect }

// Ping verifies the connection.
func (e *Executor) Ping(ctx context.Context) error { return e.db.PingContext(ctx) }

// Close closes the database.
func (e *Executor) Close() error { return e.db.Close() }

// Execute implements domain.Executor. Commands run in order in one
// transaction; a MustAffectedData command that changes nothing rolls the
// batch back with a *domain.AffectedDataError.
func (e *Executor) Execute(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (int64, error) {
	counts, err := e.ExecuteCounted(ctx, opts, cmds)
	if err != nil {
		return 0, err
	}
	return domain.SumAffected(counts), nil
}

// ExecuteCounted implements domain.CommandCounter.
func (e *Executor) ExecuteCounted(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (counts []int64, retErr error) {
	level, err := isolation(opts.Isolation)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			counts = nil
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				e.logger.Warn("rollback failed", zap.String("executor", e.name), logging.Error(rbErr))
			}
		}
	}()
	counts = make([]int64, len(cmds))
	for i, cmd := range cmds {
		if cmd.IsObsolete() {
			continue
		}
		st, err := renderWrite(e.dialect, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		res, err := tx.ExecContext(ctx, st.text, st.args...)
		if err != nil {
			if e.dialect.duplicate(err) {
				return nil, fmt.Errorf("%s: %w: %v", cmd, domain.ErrDuplicateKey, err)
			}
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%s: rows affected: %w", cmd, err)
		}
		if n == 0 && cmd.MustAffectedData {
			return nil, &domain.AffectedDataError{CommandIDs: []int64{cmd.ID}}
		}
		counts[i] = n
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	e.logger.Debug("sql batch committed",
		zap.String("executor", e.name),
		zap.Int("commands", len(cmds)),
		zap.Int64("affected", domain.SumAffected(counts)),
		zap.Duration("elapsed", time.Since(start)))
	return counts, nil
}

// Query implements domain.Executor. Complex queries run their text verbatim.
func (e *Executor) Query(ctx context.Context, cmd *domain.Command) ([]domain.Row, error) {
	if cmd.IsObsolete() {
		return []domain.Row{}, nil
	}
	if cmd.Query.IsComplex() {
		return e.scan(ctx, statement{text: cmd.Query.Text, args: cmd.Query.Args})
	}
	st, err := renderSelect(e.dialect, cmd, true)
	if err != nil {
		return nil, err
	}
	return e.scan(ctx, st)
}

// QueryPaging implements domain.Executor. The total is counted with a
// separate statement; complex queries are windowed in memory.
func (e *Executor) QueryPaging(ctx context.Context, cmd *domain.Command) (domain.Page, error) {
	if cmd.IsObsolete() {
		return domain.Page{Rows: []domain.Row{}}, nil
	}
	if cmd.Query.IsComplex() {
		rows, err := e.scan(ctx, statement{text: cmd.Query.Text, args: cmd.Query.Args})
		if err != nil {
			return domain.Page{}, err
		}
		return rowset.Window(rows, cmd.Query), nil
	}
	count, err := renderCount(e.dialect, cmd)
	if err != nil {
		return domain.Page{}, err
	}
	var total int64
	if err := e.db.QueryRowContext(ctx, count.text, count.args...).Scan(&total); err != nil {
		return domain.Page{}, fmt.Errorf("count %s: %w", cmd.ObjectName, err)
	}
	rows, err := e.Query(ctx, cmd)
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{Rows: rows, Total: total}, nil
}

// Exists implements domain.Executor.
func (e *Executor) Exists(ctx context.Context, cmd *domain.Command) (bool, error) {
	if cmd.IsObsolete() {
		return false, nil
	}
	st := statement{}
	if cmd.Query.IsComplex() {
		st = statement{text: cmd.Query.Text, args: cmd.Query.Args}
	} else {
		var err error
		if st, err = renderExists(e.dialect, cmd); err != nil {
			return false, err
		}
	}
	rows, err := e.db.QueryContext(ctx, st.text, st.args...)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", cmd.ObjectName, err)
	}
	defer func() { _ = rows.Close() }()
	found := rows.Next()
	return found, rows.Err()
}

// Aggregate implements domain.Executor.
func (e *Executor) Aggregate(ctx context.Context, cmd *domain.Command) (domain.AggregateResult, error) {
	if cmd.IsObsolete() {
		if cmd.Operation == domain.OperationCount {
			return domain.CountResult(0), nil
		}
		return domain.AggregateResult{}, nil
	}
	if cmd.Query.IsComplex() {
		return domain.AggregateResult{}, fmt.Errorf("%w: aggregate over raw query", domain.ErrUnsupported)
	}
	st, err := renderAggregate(e.dialect, cmd)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	row := e.db.QueryRowContext(ctx, st.text, st.args...)
	if cmd.Operation == domain.OperationCount {
		var n int64
		if err := row.Scan(&n); err != nil {
			return domain.AggregateResult{}, fmt.Errorf("%s %s: %w", cmd.Operation, cmd.ObjectName, err)
		}
		return domain.CountResult(n), nil
	}
	var (
		raw   any
		count int64
	)
	if err := row.Scan(&raw, &count); err != nil {
		return domain.AggregateResult{}, fmt.Errorf("%s %s: %w", cmd.Operation, cmd.ObjectName, err)
	}
	if raw == nil || count == 0 {
		return domain.AggregateResult{}, nil
	}
	v, err := toNumeric(cmd.ValueKind, raw)
	if err != nil {
		return domain.AggregateResult{}, fmt.Errorf("%s: %w", cmd.AggregateField, err)
	}
	res := domain.AggregateResult{Value: v, Count: count, Valid: true}
	if cmd.Operation == domain.OperationAvg {
		return res.Average()
	}
	return res, nil
}

// toNumeric converts a scanned aggregate. Drivers return NUMERIC sums as
// text, which parse as decimals when no kind is requested.
func toNumeric(kind numeric.Kind, raw any) (numeric.Value, error) {
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	if kind.Valid() {
		return numeric.Of(kind, raw)
	}
	if _, ok := raw.(string); ok {
		return numeric.Of(numeric.KindDecimal, raw)
	}
	return numeric.Infer(raw)
}

func (e *Executor) scan(ctx context.Context, st statement) ([]domain.Row, error) {
	rows, err := e.db.QueryContext(ctx, st.text, st.args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []domain.Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(domain.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
