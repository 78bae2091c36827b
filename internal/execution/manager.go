// Package execution routes commands to executors and merges their results.
// Commands are bucketed by executor identity; a single bucket is a direct
// call, several buckets run concurrently and their results are combined with
// global ordering, paging and aggregate semantics.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"warehousecore/internal/logging"
	"warehousecore/internal/metrics"
	"warehousecore/pkg/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithRecorder sets the metrics recorder. The default is a no-op.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// Manager is the command execution manager. It holds no per-call state and
// is safe for concurrent use.
type Manager struct {
	resolver domain.Resolver
	logger   *zap.Logger
	recorder metrics.Recorder
}

// NewManager returns a manager resolving executors with resolver.
func NewManager(resolver domain.Resolver, opts ...Option) (*Manager, error) {
	if resolver == nil {
		return nil, fmt.Errorf("execution manager: %w", domain.ErrNoExecutor)
	}
	m := &Manager{resolver: resolver, logger: zap.NewNop(), recorder: metrics.Noop{}}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger { return m.logger }

type bucket struct {
	executor domain.Executor
	commands []*domain.Command
}

// group buckets cmds by executor identity in first-appearance order. The map
// is built per call.
func (m *Manager) group(ctx context.Context, cmds []*domain.Command) ([]*bucket, error) {
	index := make(map[string]*bucket)
	var out []*bucket
	for _, cmd := range cmds {
		executors, err := m.resolver.Resolve(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cmd, err)
		}
		if len(executors) == 0 {
			return nil, fmt.Errorf("resolve %s: %w", cmd, domain.ErrNoExecutor)
		}
		for _, ex := range executors {
			id := ex.IdentityValue()
			b, ok := index[id]
			if !ok {
				b = &bucket{executor: ex}
				index[id] = b
				out = append(out, b)
			}
			b.commands = append(b.commands, cmd)
		}
	}
	return out, nil
}

func (m *Manager) observe(ctx context.Context, op string, start time.Time, buckets int, err error) {
	m.recorder.Observe(ctx, op, err == nil, time.Since(start))
	if buckets > 0 {
		m.recorder.ObserveBuckets(ctx, op, buckets)
	}
	if err != nil {
		m.logger.Warn("command execution failed", zap.String("operation", op), zap.Int("buckets", buckets), logging.Error(err))
		return
	}
	m.logger.Debug("command execution", zap.String("operation", op), zap.Int("buckets", buckets), zap.Duration("elapsed", time.Since(start)))
}

// fanOut runs fn for every bucket concurrently and returns the results in
// bucket order. The first error cancels the others and is returned.
func fanOut[R any](ctx context.Context, buckets []*bucket, fn func(context.Context, *bucket) (R, error)) ([]R, error) {
	results := make([]R, len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range buckets {
		g.Go(func() error {
			r, err := fn(gctx, b)
			if err != nil {
				return fmt.Errorf("executor %s: %w", b.executor.IdentityValue(), err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Execute runs write commands and returns the total affected rows.
func (m *Manager) Execute(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (int64, error) {
	counts, err := m.ExecuteCounted(ctx, opts, cmds)
	if err != nil {
		return 0, err
	}
	return domain.SumAffected(counts), nil
}

// ExecuteCounted runs write commands and returns the rows each command
// affected, summed over every executor it was sent to. With more than one
// bucket every bucket receives its own copies of the commands and
// MustAffectedData is checked against the summed counts, so a broadcast
// command only fails when no executor changed anything.
func (m *Manager) ExecuteCounted(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (counts []int64, err error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	start := time.Now()
	buckets, err := m.group(ctx, cmds)
	defer func() { m.observe(ctx, "execute", start, len(buckets), err) }()
	if err != nil {
		return nil, err
	}
	if len(buckets) == 1 {
		return executeCounted(ctx, buckets[0].executor, opts, buckets[0].commands)
	}
	parts, err := fanOut(ctx, buckets, func(ctx context.Context, b *bucket) ([]int64, error) {
		cloned := make([]*domain.Command, len(b.commands))
		for i, c := range b.commands {
			cloned[i] = c.Clone()
			cloned[i].MustAffectedData = false
		}
		return executeCounted(ctx, b.executor, opts, cloned)
	})
	if err != nil {
		return nil, err
	}
	position := make(map[*domain.Command]int, len(cmds))
	for i, c := range cmds {
		position[c] = i
	}
	counts = make([]int64, len(cmds))
	for i, b := range buckets {
		for j, c := range b.commands {
			counts[position[c]] += parts[i][j]
		}
	}
	if err = domain.CheckAffected(cmds, counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// executeCounted runs cmds on ex. Executors that cannot report per-command
// counts get one call per command.
func executeCounted(ctx context.Context, ex domain.Executor, opts domain.ExecutionOptions, cmds []*domain.Command) ([]int64, error) {
	if c, ok := ex.(domain.CommandCounter); ok {
		return c.ExecuteCounted(ctx, opts, cmds)
	}
	counts := make([]int64, len(cmds))
	for i, cmd := range cmds {
		n, err := ex.Execute(ctx, opts, []*domain.Command{cmd})
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}
	return counts, nil
}

// Query runs a read on every responsible executor. The union is sorted
// globally when the query sorts, then truncated to the query size.
func (m *Manager) Query(ctx context.Context, cmd *domain.Command) (rows []domain.Row, err error) {
	start := time.Now()
	buckets, err := m.group(ctx, []*domain.Command{cmd})
	defer func() { m.observe(ctx, "query", start, len(buckets), err) }()
	if err != nil {
		return nil, err
	}
	if len(buckets) == 1 {
		return buckets[0].executor.Query(ctx, cmd)
	}
	parts, err := fanOut(ctx, buckets, func(ctx context.Context, b *bucket) ([]domain.Row, error) {
		return b.executor.Query(ctx, cmd.Clone())
	})
	if err != nil {
		return nil, err
	}
	return MergeRows(cmd.Query, parts), nil
}

// MergeRows unions per-executor rows for q. Unsorted unions are cut at the
// query size in arrival order; sorted unions are sorted once as a whole
// first because each part is only sorted locally.
func MergeRows(q *domain.Query, parts [][]domain.Row) []domain.Row {
	size := q.ResultSize()
	var out []domain.Row
	for _, part := range parts {
		out = append(out, part...)
		if !q.HasSort() && size > 0 && len(out) >= size {
			return out[:size]
		}
	}
	q.SortRows(out)
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}

// QueryPaging runs a paged read. With several executors each is asked for
// the first page*pageSize rows, the union is sorted and the requested window
// sliced from it; the total is the sum of executor totals.
func (m *Manager) QueryPaging(ctx context.Context, cmd *domain.Command) (page domain.Page, err error) {
	start := time.Now()
	buckets, err := m.group(ctx, []*domain.Command{cmd})
	defer func() { m.observe(ctx, "query_paging", start, len(buckets), err) }()
	if err != nil {
		return domain.Page{}, err
	}
	if len(buckets) == 1 {
		return buckets[0].executor.QueryPaging(ctx, cmd)
	}
	var paging domain.Paging
	if cmd.Query != nil && cmd.Query.Paging != nil {
		paging = *cmd.Query.Paging
	}
	if paging.Page < 1 {
		paging.Page = 1
	}
	parts, err := fanOut(ctx, buckets, func(ctx context.Context, b *bucket) (domain.Page, error) {
		local := cmd.Clone()
		if local.Query == nil {
			local.Query = domain.NewQuery()
		}
		if paging.PageSize > 0 {
			local.Query.Paging = &domain.Paging{Page: 1, PageSize: paging.Page * paging.PageSize}
		}
		return b.executor.QueryPaging(ctx, local)
	})
	if err != nil {
		return domain.Page{}, err
	}
	return MergePages(cmd.Query, paging, parts), nil
}

// MergePages builds the requested window from over-fetched first pages.
func MergePages(q *domain.Query, paging domain.Paging, parts []domain.Page) domain.Page {
	var out domain.Page
	for _, p := range parts {
		out.Rows = append(out.Rows, p.Rows...)
		out.Total += p.Total
	}
	q.SortRows(out.Rows)
	if paging.PageSize <= 0 {
		return out
	}
	from := paging.Offset()
	if from >= len(out.Rows) {
		out.Rows = []domain.Row{}
		return out
	}
	to := from + paging.PageSize
	if to > len(out.Rows) {
		to = len(out.Rows)
	}
	out.Rows = out.Rows[from:to]
	return out
}

// Exists reports whether any responsible executor finds a match.
func (m *Manager) Exists(ctx context.Context, cmd *domain.Command) (found bool, err error) {
	start := time.Now()
	buckets, err := m.group(ctx, []*domain.Command{cmd})
	defer func() { m.observe(ctx, "exists", start, len(buckets), err) }()
	if err != nil {
		return false, err
	}
	if len(buckets) == 1 {
		return buckets[0].executor.Exists(ctx, cmd)
	}
	var hit atomic.Bool
	_, err = fanOut(ctx, buckets, func(ctx context.Context, b *bucket) (struct{}, error) {
		ok, err := b.executor.Exists(ctx, cmd.Clone())
		if ok {
			hit.Store(true)
		}
		return struct{}{}, err
	})
	if err != nil {
		return false, err
	}
	return hit.Load(), nil
}

// Aggregate computes max/min/sum/count/avg. Averages over several executors
// are recomputed from the merged sum and count, never from local averages.
func (m *Manager) Aggregate(ctx context.Context, cmd *domain.Command) (res domain.AggregateResult, err error) {
	if !cmd.Operation.IsAggregate() {
		return domain.AggregateResult{}, fmt.Errorf("%w: aggregate %s", domain.ErrUnsupported, cmd.Operation)
	}
	start := time.Now()
	op := "aggregate_" + cmd.Operation.String()
	buckets, err := m.group(ctx, []*domain.Command{cmd})
	defer func() { m.observe(ctx, op, start, len(buckets), err) }()
	if err != nil {
		return domain.AggregateResult{}, err
	}
	if len(buckets) == 1 {
		return buckets[0].executor.Aggregate(ctx, cmd)
	}
	local := cmd.Operation
	if local == domain.OperationAvg {
		local = domain.OperationSum
	}
	parts, err := fanOut(ctx, buckets, func(ctx context.Context, b *bucket) (domain.AggregateResult, error) {
		c := cmd.Clone()
		c.Operation = local
		return b.executor.Aggregate(ctx, c)
	})
	if err != nil {
		return domain.AggregateResult{}, err
	}
	return MergeAggregates(cmd.Operation, parts)
}

// MergeAggregates folds partial aggregates for op. Avg parts must be sums.
func MergeAggregates(op domain.Operation, parts []domain.AggregateResult) (domain.AggregateResult, error) {
	var acc domain.AggregateResult
	for _, p := range parts {
		var err error
		if acc, err = acc.Merge(op, p); err != nil {
			return domain.AggregateResult{}, err
		}
	}
	if op == domain.OperationAvg {
		return acc.Average()
	}
	if op == domain.OperationCount && !acc.Valid {
		return domain.CountResult(acc.Count), nil
	}
	return acc, nil
}

// IsConfigurationError reports whether err means no executor could be found.
func IsConfigurationError(err error) bool {
	return errors.Is(err, domain.ErrNoExecutor) || errors.Is(err, domain.ErrEmptyIdentity)
}
