package domain

import "context"

// ExecutionOptions is passed through to executors for write batches.
type ExecutionOptions struct {
	// Isolation names the transaction isolation level; empty means the
	// executor's default.
	Isolation string
}

// Executor performs storage I/O for commands. IdentityValue is the stable
// grouping key used to bucket commands; two executors with the same identity
// are treated as the same storage.
type Executor interface {
	IdentityValue() string
	Execute(ctx context.Context, opts ExecutionOptions, cmds []*Command) (int64, error)
	Query(ctx context.Context, cmd *Command) ([]Row, error)
	QueryPaging(ctx context.Context, cmd *Command) (Page, error)
	Exists(ctx context.Context, cmd *Command) (bool, error)
	Aggregate(ctx context.Context, cmd *Command) (AggregateResult, error)
}

// CommandCounter is implemented by executors that report the rows each
// command of a batch affected. ExecuteCounted enforces MustAffectedData the
// same way Execute does; counts[i] belongs to cmds[i].
type CommandCounter interface {
	ExecuteCounted(ctx context.Context, opts ExecutionOptions, cmds []*Command) ([]int64, error)
}

// SumAffected totals per-command counts.
func SumAffected(counts []int64) int64 {
	var total int64
	for _, n := range counts {
		total += n
	}
	return total
}

// CheckAffected returns an *AffectedDataError naming every MustAffectedData
// command whose count is zero.
func CheckAffected(cmds []*Command, counts []int64) error {
	var ids []int64
	for i, cmd := range cmds {
		if cmd.MustAffectedData && (i >= len(counts) || counts[i] == 0) {
			ids = append(ids, cmd.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return &AffectedDataError{CommandIDs: ids}
}

// Resolver maps a command to the executors responsible for it. Returning more
// than one executor broadcasts the command.
type Resolver interface {
	Resolve(ctx context.Context, cmd *Command) ([]Executor, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, cmd *Command) ([]Executor, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, cmd *Command) ([]Executor, error) {
	return f(ctx, cmd)
}
