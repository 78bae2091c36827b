// Package bootstrap assembles a runtime from configuration: the executors,
// the registry they are published in, the resolver and the execution
// manager.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"warehousecore/internal/blob"
	"warehousecore/internal/config"
	"warehousecore/internal/execution"
	"warehousecore/internal/infra/executor/blobexec"
	"warehousecore/internal/infra/executor/memory"
	"warehousecore/internal/infra/executor/sqlexec"
	"warehousecore/internal/logging"
	"warehousecore/internal/metrics"
	"warehousecore/internal/routing"
	"warehousecore/internal/uow"
	"warehousecore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	blob       blob.Store
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBlobStore makes blob executors use store instead of opening the
// configured backend.
func WithBlobStore(store blob.Store) Option {
	return func(o *options) { o.blob = store }
}

// Runtime is an assembled execution stack.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *routing.Registry
	Resolver domain.Resolver
	Manager  *execution.Manager
	// Gatherer exposes the metrics when they are enabled.
	Gatherer prometheus.Gatherer

	closers []io.Closer
}

// Build opens every configured executor. Executors opened before a failure
// are closed again.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: nil config")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		if logger, err = logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
			return nil, err
		}
	}
	rt = &Runtime{Config: cfg, Logger: logger, Registry: routing.NewRegistry()}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			private := prometheus.NewRegistry()
			reg, rt.Gatherer = private, private
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			rt.Gatherer = g
		}
		if recorder, err = metrics.NewPrometheus(cfg.Metrics.Namespace, reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	var shards []domain.Executor
	for _, ec := range cfg.Executors {
		ex, err := rt.open(ctx, ec, &o)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", ec.Name, err)
		}
		if err := rt.Registry.Register(ec.Name, ex, ec.Default); err != nil {
			return nil, err
		}
		shards = append(shards, ex)
		logger.Info("executor ready", zap.String("name", ec.Name), zap.String("driver", string(ec.Driver)), zap.String("identity", ex.IdentityValue()))
	}

	switch cfg.Routing.Mode {
	case config.RoutingShard:
		rt.Resolver = routing.ShardResolver{Shards: shards}
	default:
		if rt.Resolver, err = routing.Choose(nil, rt.Registry); err != nil {
			return nil, err
		}
	}
	rt.Manager, err = execution.NewManager(rt.Resolver, execution.WithLogger(logger), execution.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) open(ctx context.Context, ec config.ExecutorConfig, o *options) (domain.Executor, error) {
	switch {
	case ec.Driver == config.DriverMemory:
		return memory.New(ec.Name, memory.WithLogger(rt.Logger)), nil
	case ec.Driver == config.DriverBlob:
		if o.blob == nil {
			store, err := blob.Open(ctx, rt.Config.Blob)
			if err != nil {
				return nil, err
			}
			o.blob = store
		}
		return blobexec.New(ec.Name, o.blob, blobexec.WithLogger(rt.Logger))
	case ec.Driver.SQL():
		dialect, err := sqlexec.DialectFor(string(ec.Driver))
		if err != nil {
			return nil, err
		}
		ex, err := sqlexec.Open(ctx, ec.Name, dialect, ec.DSN, sqlexec.WithLogger(rt.Logger))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, ex)
		return ex, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", ec.Driver)
	}
}

// Options returns the execution options for write batches.
func (rt *Runtime) Options() domain.ExecutionOptions {
	return domain.ExecutionOptions{Isolation: rt.Config.Execution.Isolation}
}

// Run executes fn in a unit of work committed through the manager.
func (rt *Runtime) Run(ctx context.Context, fn func(ctx context.Context) error) (uow.CommitResult, error) {
	return uow.Run(ctx, rt.Manager, fn, uow.WithLogger(rt.Logger), uow.WithExecutionOptions(rt.Options()))
}

// Health is the outcome of pinging one executor.
type Health struct {
	Name     string
	Identity string
	Err      error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks every registered executor that supports it, in name order.
func (rt *Runtime) Ping(ctx context.Context) []Health {
	names := rt.Registry.Names()
	out := make([]Health, 0, len(names))
	for _, name := range names {
		ex, _ := rt.Registry.Get(name)
		h := Health{Name: name, Identity: ex.IdentityValue()}
		if p, ok := ex.(pinger); ok {
			h.Err = p.Ping(ctx)
		}
		out = append(out, h)
	}
	return out
}

// Close releases every executor holding a connection.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
