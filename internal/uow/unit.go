// Package uow implements the unit of work: staged records that become
// commands at commit, the commit protocol and the per-flow scoping of a unit
// through context.Context.
package uow

import (
	"context"
	"fmt"
	"time"

	"warehousecore/internal/logging"
	"warehousecore/internal/staging"
	"warehousecore/pkg/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandExecutor runs a write batch and reports the affected row total. The
// execution manager satisfies it.
type CommandExecutor interface {
	Execute(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (int64, error)
}

// CommitResult summarizes a commit.
type CommitResult struct {
	// CommitCommandCount is the number of commands sent to executors.
	CommitCommandCount int
	// ExecutedDataCount is the affected row total reported by executors.
	ExecutedDataCount int64
	// NoneCommandOrSuccess is true when there was nothing to persist or rows
	// were affected.
	NoneCommandOrSuccess bool
	// Commands lists the executed commands in commit order.
	Commands []*domain.Command
}

// Option configures a Unit.
type Option func(*Unit)

// WithLogger sets the unit logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Unit) { u.logger = logging.OrNop(l) }
}

// WithExecutionOptions sets the options passed to executors at commit.
func WithExecutionOptions(opts domain.ExecutionOptions) Option {
	return func(u *Unit) { u.execOpts = opts }
}

// root is a top-level entry: a record arena index or a direct command.
type root struct {
	node    int
	command *domain.Command
}

// Unit is a unit of work. It belongs to one logical flow and is not safe
// for concurrent mutation; only its staging registry may be reached from
// several goroutines.
type Unit struct {
	id       uuid.UUID
	executor CommandExecutor
	execOpts domain.ExecutionOptions
	logger   *zap.Logger
	registry *staging.Registry

	nodes []node
	roots []root
	seq   int64
	gen   uint64
}

// New returns an empty unit committing through executor.
func New(executor CommandExecutor, opts ...Option) (*Unit, error) {
	if executor == nil {
		return nil, fmt.Errorf("uow: %w", domain.ErrNoExecutor)
	}
	u := &Unit{
		id:       uuid.New(),
		executor: executor,
		logger:   zap.NewNop(),
		registry: staging.NewRegistry(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// ID identifies the unit in logs.
func (u *Unit) ID() uuid.UUID { return u.id }

// Registry returns the per-unit staging registry.
func (u *Unit) Registry() *staging.Registry { return u.registry }

// Logger returns the unit logger.
func (u *Unit) Logger() *zap.Logger { return u.logger }

// Len returns the number of top-level entries awaiting commit.
func (u *Unit) Len() int { return len(u.roots) }

// AddRecord stages a deferred operation.
func (u *Unit) AddRecord(spec RecordSpec) (Record, error) {
	switch spec.Operation {
	case RecordSave, RecordRemoveObject:
		if spec.IdentityValue == "" {
			return Record{}, fmt.Errorf("uow: %s %s: %w", spec.Operation, spec.ObjectName, domain.ErrEmptyIdentity)
		}
	case RecordRemoveCondition, RecordModifyExpression:
	case RecordPackage:
		return u.Package()
	default:
		return Record{}, fmt.Errorf("uow: unknown record operation %d", spec.Operation)
	}
	if spec.Source == nil {
		return Record{}, fmt.Errorf("uow: %s %s has no command source", spec.Operation, spec.ObjectName)
	}
	return u.push(spec), nil
}

// Package stages an empty package record; attach records with Follow.
func (u *Unit) Package(follow ...Record) (Record, error) {
	rec := u.push(RecordSpec{Operation: RecordPackage})
	if err := rec.Follow(follow...); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (u *Unit) push(spec RecordSpec) Record {
	u.nodes = append(u.nodes, node{parent: -1, spec: spec})
	idx := len(u.nodes) - 1
	u.roots = append(u.roots, root{node: idx})
	return Record{u: u, index: idx, gen: u.gen}
}

// AddCommand stages a ready-made command. It keeps its position relative to
// records.
func (u *Unit) AddCommand(cmd *domain.Command) {
	if cmd != nil {
		u.roots = append(u.roots, root{node: -1, command: cmd})
	}
}

func (u *Unit) detachRoot(idx int) {
	for i, r := range u.roots {
		if r.command == nil && r.node == idx {
			u.roots = append(u.roots[:i], u.roots[i+1:]...)
			return
		}
	}
}

// hasAncestor reports whether anc is idx or one of its parents.
func (u *Unit) hasAncestor(idx, anc int) bool {
	for i := idx; i >= 0; i = u.nodes[i].parent {
		if i == anc {
			return true
		}
	}
	return false
}

// entry is one flattened item in commit order.
type entry struct {
	node    int
	command *domain.Command
}

// flatten walks the record tree depth-first without recursion. Package
// records contribute their follow records; everything else is numbered in
// the order it is reached.
func (u *Unit) flatten() []entry {
	var out []entry
	stack := make([]entry, 0, len(u.roots))
	for i := len(u.roots) - 1; i >= 0; i-- {
		stack = append(stack, entry{node: u.roots[i].node, command: u.roots[i].command})
	}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.command == nil && u.nodes[e.node].spec.Operation == RecordPackage {
			children := u.nodes[e.node].children
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, entry{node: children[i]})
			}
			continue
		}
		u.seq++
		if e.command != nil {
			e.command.ID = u.seq
		} else {
			u.nodes[e.node].id = u.seq
		}
		out = append(out, e)
	}
	return out
}

// dedupe keeps only the last object write per identity.
func (u *Unit) dedupe(entries []entry) []entry {
	last := make(map[string]int64)
	for _, e := range entries {
		if e.command != nil {
			continue
		}
		n := u.nodes[e.node]
		if n.spec.Operation.writesObject() {
			last[n.spec.ObjectName+"\x00"+n.spec.IdentityValue] = n.id
		}
	}
	out := entries[:0]
	for _, e := range entries {
		if e.command == nil {
			n := u.nodes[e.node]
			if n.spec.Operation.writesObject() && last[n.spec.ObjectName+"\x00"+n.spec.IdentityValue] != n.id {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func (u *Unit) materialize(ctx context.Context, entries []entry) ([]*domain.Command, error) {
	var cmds []*domain.Command
	for _, e := range entries {
		cmd := e.command
		if cmd == nil {
			n := u.nodes[e.node]
			if n.obsolete {
				continue
			}
			spec := n.spec
			var err error
			cmd, err = spec.Source.Command(ctx, Activation{
				ID:            n.id,
				Operation:     spec.Operation,
				ObjectName:    spec.ObjectName,
				IdentityValue: spec.IdentityValue,
				Query:         spec.Query,
				Modification:  spec.Modification,
				Options:       spec.Options,
			})
			if err != nil {
				return nil, fmt.Errorf("uow: record %d (%s %s): %w", n.id, spec.Operation, spec.ObjectName, err)
			}
			if cmd == nil {
				continue
			}
			cmd.ID = n.id
			cmd.MustAffectedData = cmd.MustAffectedData || spec.Options.MustAffectedData
			cmd.StartingEvents = append(cmd.StartingEvents, spec.Options.StartingEvents...)
			cmd.CallbackEvents = append(cmd.CallbackEvents, spec.Options.CallbackEvents...)
		}
		if cmd.IsObsolete() {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Commit turns the staged records into commands and executes them. The unit
// is emptied afterwards whatever the outcome.
func (u *Unit) Commit(ctx context.Context) (res CommitResult, err error) {
	start := time.Now()
	defer func() {
		u.reset()
		if err != nil {
			u.logger.Warn("unit of work commit failed", zap.String("unit", u.id.String()), logging.Error(err))
			return
		}
		u.logger.Info("unit of work committed",
			zap.String("unit", u.id.String()),
			zap.Int("commands", res.CommitCommandCount),
			zap.Int64("affected", res.ExecutedDataCount),
			zap.Duration("elapsed", time.Since(start)))
	}()

	cmds, err := u.materialize(ctx, u.dedupe(u.flatten()))
	if err != nil {
		return CommitResult{}, err
	}
	if len(cmds) == 0 {
		return CommitResult{NoneCommandOrSuccess: true}, nil
	}
	if err := u.starting(ctx, cmds); err != nil {
		return CommitResult{}, err
	}

	affected, err := u.execute(ctx, cmds)
	u.callbacks(ctx, cmds, err == nil)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{
		CommitCommandCount:   len(cmds),
		ExecutedDataCount:    affected,
		NoneCommandOrSuccess: affected > 0,
		Commands:             cmds,
	}, nil
}

// execute runs the batch and enforces MustAffectedData per command when the
// executor reports per-command counts. Otherwise only an empty batch can be
// detected here and the executor is trusted with the per-command check.
func (u *Unit) execute(ctx context.Context, cmds []*domain.Command) (int64, error) {
	if counter, ok := u.executor.(domain.CommandCounter); ok {
		counts, err := counter.ExecuteCounted(ctx, u.execOpts, cmds)
		if err != nil {
			return 0, err
		}
		if len(counts) != len(cmds) {
			return 0, fmt.Errorf("executor reported %d counts for %d commands", len(counts), len(cmds))
		}
		if err := domain.CheckAffected(cmds, counts); err != nil {
			return 0, err
		}
		return domain.SumAffected(counts), nil
	}
	affected, err := u.executor.Execute(ctx, u.execOpts, cmds)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		return affected, nil
	}
	return 0, domain.CheckAffected(cmds, nil)
}

func (u *Unit) starting(ctx context.Context, cmds []*domain.Command) error {
	for _, cmd := range cmds {
		for _, b := range cmd.StartingEvents {
			args := domain.EventArgs{Command: cmd, Context: b.Context}
			if b.Async {
				u.async(ctx, b, args)
				continue
			}
			if res := b.Handler.Handle(ctx, args); res.Break {
				return &domain.BreakError{CommandID: cmd.ID, Handler: b.Name, Message: res.Message}
			}
		}
	}
	return nil
}

func (u *Unit) callbacks(ctx context.Context, cmds []*domain.Command, success bool) {
	for _, cmd := range cmds {
		for _, b := range cmd.CallbackEvents {
			args := domain.EventArgs{Command: cmd, Success: success, Context: b.Context}
			if b.Async {
				u.async(ctx, b, args)
				continue
			}
			b.Handler.Handle(ctx, args)
		}
	}
}

// async runs a fire-and-forget handler. Its result is ignored and a panic
// is logged instead of crashing the process.
func (u *Unit) async(ctx context.Context, b domain.EventBinding, args domain.EventArgs) {
	ctx = context.WithoutCancel(ctx)
	logger := u.logger
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("async event handler panicked", zap.String("handler", b.Name), zap.Any("panic", r))
			}
		}()
		b.Handler.Handle(ctx, args)
	}()
}

// Discard drops every staged record, command and staged entity.
func (u *Unit) Discard() {
	u.reset()
}

func (u *Unit) reset() {
	u.nodes = nil
	u.roots = nil
	u.seq = 0
	u.gen++
	u.registry.Clear()
}
