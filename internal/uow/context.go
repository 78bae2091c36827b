package uow

import (
	"context"
	"errors"
)

type ctxKey struct{}

// ErrNoUnit is returned when a context carries no unit of work.
var ErrNoUnit = errors.New("no unit of work in context")

// WithUnitOfWork returns a context carrying u.
func WithUnitOfWork(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the unit of work carried by ctx.
func FromContext(ctx context.Context) (*Unit, bool) {
	u, ok := ctx.Value(ctxKey{}).(*Unit)
	return u, ok && u != nil
}

// Run executes fn inside a fresh unit of work. The unit is committed when fn
// returns nil and discarded otherwise.
func Run(ctx context.Context, executor CommandExecutor, fn func(ctx context.Context) error, opts ...Option) (CommitResult, error) {
	u, err := New(executor, opts...)
	if err != nil {
		return CommitResult{}, err
	}
	if err := fn(WithUnitOfWork(ctx, u)); err != nil {
		u.Discard()
		return CommitResult{}, err
	}
	return u.Commit(ctx)
}
