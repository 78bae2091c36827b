// Package routing resolves commands to executors. The Registry is the
// service locator of named executors; resolvers decide which of them a
// command goes to.
package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"warehousecore/pkg/domain"

	"github.com/cespare/xxhash/v2"
)

// Registry is a concurrency-safe set of named executors with an optional
// default.
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]domain.Executor
	defaultName string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]domain.Executor)}
}

// Register adds or replaces the executor stored under name. The first
// registered executor becomes the default unless asDefault is set later.
func (r *Registry) Register(name string, ex domain.Executor, asDefault bool) error {
	if name == "" || ex == nil {
		return fmt.Errorf("routing: register requires a name and an executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
	if asDefault || r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (domain.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// Default returns the default executor.
func (r *Registry) Default() (domain.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[r.defaultName]
	return ex, ok
}

// Names lists registered names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for name := range r.executors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns the registered executors ordered by name.
func (r *Registry) All() []domain.Executor {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Executor, 0, len(names))
	for _, name := range names {
		out = append(out, r.executors[name])
	}
	return out
}

// DefaultResolver sends every command to the registry's default executor.
type DefaultResolver struct {
	Registry *Registry
}

// Resolve implements domain.Resolver.
func (d DefaultResolver) Resolve(_ context.Context, cmd *domain.Command) ([]domain.Executor, error) {
	if d.Registry != nil {
		if ex, ok := d.Registry.Default(); ok {
			return []domain.Executor{ex}, nil
		}
	}
	return nil, fmt.Errorf("%w: no default executor for %s", domain.ErrNoExecutor, cmd.ObjectName)
}

// ShardResolver spreads entities over executors by hashing their key values.
// Commands without keys cannot be placed and are broadcast to every shard.
type ShardResolver struct {
	Shards []domain.Executor
}

// Resolve implements domain.Resolver.
func (s ShardResolver) Resolve(_ context.Context, cmd *domain.Command) ([]domain.Executor, error) {
	if len(s.Shards) == 0 {
		return nil, fmt.Errorf("%w: no shards configured", domain.ErrNoExecutor)
	}
	if len(cmd.Keys) == 0 {
		return append([]domain.Executor(nil), s.Shards...), nil
	}
	return []domain.Executor{s.Shards[ShardIndex(domain.KeyString(cmd.Keys), len(s.Shards))]}, nil
}

// ShardIndex maps an identity value onto one of n shards.
func ShardIndex(identity string, n int) int {
	return int(xxhash.Sum64String(identity) % uint64(n))
}

// ObjectResolver routes by object name and delegates unmapped objects to
// Fallback.
type ObjectResolver struct {
	Objects  map[string][]domain.Executor
	Fallback domain.Resolver
}

// Resolve implements domain.Resolver.
func (o ObjectResolver) Resolve(ctx context.Context, cmd *domain.Command) ([]domain.Executor, error) {
	if executors := o.Objects[cmd.ObjectName]; len(executors) > 0 {
		return append([]domain.Executor(nil), executors...), nil
	}
	if o.Fallback != nil {
		return o.Fallback.Resolve(ctx, cmd)
	}
	return nil, fmt.Errorf("%w: object %s is not mapped", domain.ErrNoExecutor, cmd.ObjectName)
}

// Choose returns resolver when set and otherwise falls back to the registry
// default. Having neither is a configuration error.
func Choose(resolver domain.Resolver, reg *Registry) (domain.Resolver, error) {
	if resolver != nil {
		return resolver, nil
	}
	if reg != nil {
		if _, ok := reg.Default(); ok {
			return DefaultResolver{Registry: reg}, nil
		}
	}
	return nil, fmt.Errorf("routing: %w", domain.ErrNoExecutor)
}
