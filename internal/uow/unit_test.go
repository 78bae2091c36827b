package uow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warehousecore/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchRecorder struct {
	batches  [][]*domain.Command
	affected func(cmds []*domain.Command) int64
	err      error
}

func (b *batchRecorder) Execute(_ context.Context, _ domain.ExecutionOptions, cmds []*domain.Command) (int64, error) {
	b.batches = append(b.batches, cmds)
	if b.err != nil {
		return 0, b.err
	}
	if b.affected != nil {
		return b.affected(cmds), nil
	}
	return int64(len(cmds)), nil
}

// emit produces one command per record carrying the record identity.
var emit = CommandSourceFunc(func(_ context.Context, a Activation) (*domain.Command, error) {
	op := domain.OperationInsert
	switch a.Operation {
	case RecordRemoveObject, RecordRemoveCondition:
		op = domain.OperationDelete
	case RecordModifyExpression:
		op = domain.OperationUpdate
	}
	return &domain.Command{Operation: op, ObjectName: a.ObjectName, Keys: domain.Row{"id": a.IdentityValue}, Query: a.Query}, nil
})

func save(t *testing.T, u *Unit, id string) Record {
	t.Helper()
	rec, err := u.AddRecord(RecordSpec{Operation: RecordSave, ObjectName: "items", IdentityValue: id, Source: emit})
	require.NoError(t, err)
	return rec
}

func newUnit(t *testing.T, exec CommandExecutor) *Unit {
	t.Helper()
	u, err := New(exec)
	require.NoError(t, err)
	return u
}

func TestCommitSingleSave(t *testing.T) {
	exec := &batchRecorder{}
	u := newUnit(t, exec)
	save(t, u, "1")
	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommitCommandCount)
	assert.Equal(t, int64(1), res.ExecutedDataCount)
	assert.True(t, res.NoneCommandOrSuccess)
	assert.Zero(t, u.Len())
}

func TestLastWriteWinsPerIdentity(t *testing.T) {
	exec := &batchRecorder{}
	u := newUnit(t, exec)
	save(t, u, "1")
	_, err := u.AddRecord(RecordSpec{Operation: RecordRemoveObject, ObjectName: "items", IdentityValue: "1", Source: emit})
	require.NoError(t, err)
	save(t, u, "2")
	_, err = u.AddRecord(RecordSpec{Operation: RecordSave, ObjectName: "others", IdentityValue: "1", Source: emit})
	require.NoError(t, err)

	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Commands, 3)
	assert.Equal(t, int64(2), res.Commands[0].ID)
	assert.Equal(t, domain.OperationDelete, res.Commands[0].Operation)
	assert.Equal(t, int64(3), res.Commands[1].ID)
	assert.Equal(t, "others", res.Commands[2].ObjectName)
}

func TestConditionRecordsAreNotDeduplicated(t *testing.T) {
	u := newUnit(t, &batchRecorder{})
	for range 2 {
		_, err := u.AddRecord(RecordSpec{Operation: RecordRemoveCondition, ObjectName: "items", Query: domain.NewQuery(), Source: emit})
		require.NoError(t, err)
	}
	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.CommitCommandCount)
}

func TestPackageRecordsFlattenInPlace(t *testing.T) {
	u := newUnit(t, &batchRecorder{})
	a := save(t, u, "a")
	b := save(t, u, "b")
	c := save(t, u, "c")
	inner, err := u.Package(c)
	require.NoError(t, err)
	outer, err := u.Package(b, inner)
	require.NoError(t, err)
	u.AddCommand(&domain.Command{Operation: domain.OperationDelete, ObjectName: "direct"})
	d := save(t, u, "d")

	assert.Error(t, a.Follow(d), "non-package records cannot hold follow records")
	assert.Error(t, inner.Follow(outer), "cycles are rejected")
	assert.Error(t, outer.Follow(c), "records follow at most one package")

	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	var order []string
	for _, cmd := range res.Commands {
		if cmd.ObjectName == "direct" {
			order = append(order, "direct")
			continue
		}
		order = append(order, cmd.Keys["id"].(string))
	}
	assert.Equal(t, []string{"a", "b", "c", "direct", "d"}, order)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, []int64{res.Commands[0].ID, res.Commands[1].ID, res.Commands[2].ID, res.Commands[3].ID, res.Commands[4].ID})
}

func TestObsoleteRecordsAndQueriesAreSkipped(t *testing.T) {
	exec := &batchRecorder{}
	u := newUnit(t, exec)
	save(t, u, "1").MarkObsolete()
	_, err := u.AddRecord(RecordSpec{Operation: RecordRemoveCondition, ObjectName: "items", Query: &domain.Query{Obsolete: true}, Source: emit})
	require.NoError(t, err)
	_, err = u.AddRecord(RecordSpec{Operation: RecordSave, ObjectName: "items", IdentityValue: "2", Source: CommandSourceFunc(func(context.Context, Activation) (*domain.Command, error) {
		return nil, nil
	})})
	require.NoError(t, err)

	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NoneCommandOrSuccess)
	assert.Zero(t, res.CommitCommandCount)
	assert.Empty(t, exec.batches)
}

func TestStartingEventBreaksCommit(t *testing.T) {
	exec := &batchRecorder{}
	u := newUnit(t, exec)
	var calledBack bool
	_, err := u.AddRecord(RecordSpec{
		Operation: RecordSave, ObjectName: "items", IdentityValue: "1", Source: emit,
		Options: Options{
			StartingEvents: []domain.EventBinding{{Name: "stock-check", Handler: domain.EventHandlerFunc(func(context.Context, domain.EventArgs) domain.EventResult {
				return domain.EventResult{Break: true, Message: "no stock"}
			})}},
			CallbackEvents: []domain.EventBinding{{Handler: domain.EventHandlerFunc(func(context.Context, domain.EventArgs) domain.EventResult {
				calledBack = true
				return domain.EventResult{}
			})}},
		},
	})
	require.NoError(t, err)

	_, err = u.Commit(context.Background())
	var brk *domain.BreakError
	require.ErrorAs(t, err, &brk)
	assert.Equal(t, "stock-check", brk.Handler)
	assert.ErrorIs(t, err, domain.ErrCommitBroken)
	assert.Empty(t, exec.batches)
	assert.False(t, calledBack)
	assert.Zero(t, u.Len(), "state is cleared after a failed commit")
}

func TestMustAffectFailsCommitAndCallbacksSeeFailure(t *testing.T) {
	exec := &batchRecorder{affected: func([]*domain.Command) int64 { return 0 }}
	u := newUnit(t, exec)
	var success []bool
	cb := domain.EventHandlerFunc(func(_ context.Context, args domain.EventArgs) domain.EventResult {
		success = append(success, args.Success)
		return domain.EventResult{}
	})
	_, err := u.AddRecord(RecordSpec{
		Operation: RecordSave, ObjectName: "items", IdentityValue: "1", Source: emit,
		Options: Options{MustAffectedData: true, CallbackEvents: []domain.EventBinding{{Handler: cb, Context: "ctx"}}},
	})
	require.NoError(t, err)

	_, err = u.Commit(context.Background())
	var affected *domain.AffectedDataError
	require.ErrorAs(t, err, &affected)
	assert.Equal(t, []int64{1}, affected.CommandIDs)
	assert.Equal(t, []bool{false}, success)
}

// countingRecorder reports per-command counts without enforcing
// MustAffectedData itself.
type countingRecorder struct {
	counts []int64
}

func (c *countingRecorder) Execute(context.Context, domain.ExecutionOptions, []*domain.Command) (int64, error) {
	return 0, errors.New("per-command path expected")
}

func (c *countingRecorder) ExecuteCounted(_ context.Context, _ domain.ExecutionOptions, cmds []*domain.Command) ([]int64, error) {
	return append([]int64(nil), c.counts[:len(cmds)]...), nil
}

func TestMustAffectIsCheckedPerCommand(t *testing.T) {
	exec := &countingRecorder{counts: []int64{3, 0}}
	u := newUnit(t, exec)
	save(t, u, "1")
	_, err := u.AddRecord(RecordSpec{
		Operation: RecordRemoveObject, ObjectName: "items", IdentityValue: "2", Source: emit,
		Options: Options{MustAffectedData: true},
	})
	require.NoError(t, err)

	_, err = u.Commit(context.Background())
	var affected *domain.AffectedDataError
	require.ErrorAs(t, err, &affected, "rows changed by another command do not satisfy the contract")
	assert.Equal(t, []int64{2}, affected.CommandIDs)

	exec.counts = []int64{1, 1}
	save(t, u, "1")
	_, err = u.AddRecord(RecordSpec{
		Operation: RecordRemoveObject, ObjectName: "items", IdentityValue: "2", Source: emit,
		Options: Options{MustAffectedData: true},
	})
	require.NoError(t, err)
	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ExecutedDataCount)
}

func TestZeroAffectedWithoutContractIsNotSuccess(t *testing.T) {
	exec := &batchRecorder{affected: func([]*domain.Command) int64 { return 0 }}
	u := newUnit(t, exec)
	save(t, u, "1")
	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	assert.False(t, res.NoneCommandOrSuccess)
}

func TestExecutorErrorPropagatesAndResets(t *testing.T) {
	exec := &batchRecorder{err: errors.New("connection reset")}
	u := newUnit(t, exec)
	rec := save(t, u, "1")
	_, err := u.Commit(context.Background())
	require.EqualError(t, err, "connection reset")
	assert.Zero(t, rec.ID(), "handles are stale after commit")
	assert.Equal(t, RecordOperation(0), rec.Operation())

	exec.err = nil
	save(t, u, "2")
	res, err := u.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Commands[0].ID, "counters restart after reset")
}

func TestAsyncCallbacksRunDetached(t *testing.T) {
	u := newUnit(t, &batchRecorder{})
	var wg sync.WaitGroup
	wg.Add(1)
	_, err := u.AddRecord(RecordSpec{
		Operation: RecordSave, ObjectName: "items", IdentityValue: "1", Source: emit,
		Options: Options{CallbackEvents: []domain.EventBinding{{Async: true, Handler: domain.EventHandlerFunc(func(context.Context, domain.EventArgs) domain.EventResult {
			defer wg.Done()
			panic("handler bug")
		})}}},
	})
	require.NoError(t, err)
	_, err = u.Commit(context.Background())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async callback did not run")
	}
}

func TestAddRecordValidation(t *testing.T) {
	u := newUnit(t, &batchRecorder{})
	_, err := u.AddRecord(RecordSpec{Operation: RecordSave, ObjectName: "items", Source: emit})
	assert.ErrorIs(t, err, domain.ErrEmptyIdentity)
	_, err = u.AddRecord(RecordSpec{Operation: RecordRemoveCondition, ObjectName: "items"})
	assert.Error(t, err)
	_, err = u.AddRecord(RecordSpec{Operation: 42})
	assert.Error(t, err)
	_, err = New(nil)
	assert.ErrorIs(t, err, domain.ErrNoExecutor)
}

func TestRunCommitsOrDiscards(t *testing.T) {
	exec := &batchRecorder{}
	res, err := Run(context.Background(), exec, func(ctx context.Context) error {
		u, ok := FromContext(ctx)
		require.True(t, ok)
		save(t, u, "1")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommitCommandCount)

	boom := errors.New("boom")
	_, err = Run(context.Background(), exec, func(ctx context.Context) error {
		u, _ := FromContext(ctx)
		save(t, u, "2")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, exec.batches, 1)

	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
