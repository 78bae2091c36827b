package domain

import (
	"context"
	"errors"
	"testing"

	"warehousecore/pkg/numeric"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandCloneDeepCopiesPayload(t *testing.T) {
	handler := EventHandlerFunc(func(context.Context, EventArgs) EventResult { return EventResult{} })
	cmd := &Command{
		ID:             3,
		Operation:      OperationUpdate,
		ObjectName:     "orders",
		Keys:           Row{"id": 1},
		Fields:         []string{"total"},
		Parameters:     Row{"total": 10, "tags": []string{"a"}},
		Modification:   NewModification().Calculate("total", CalculateAdd, 1),
		Query:          NewQuery().Where("id", OpEqual, 1),
		StartingEvents: []EventBinding{{Name: "audit", Handler: handler}},
	}
	cp := cmd.Clone()
	cp.Keys["id"] = 2
	cp.Fields[0] = "x"
	cp.Parameters["total"] = 11
	cp.Parameters["tags"].([]string)[0] = "b"
	cp.Query.Criteria[0].Value = 5
	cp.Modification.Entries[0].Value = 9
	cp.StartingEvents[0].Name = "other"

	assert.Equal(t, 1, cmd.Keys["id"])
	assert.Equal(t, "total", cmd.Fields[0])
	assert.Equal(t, 10, cmd.Parameters["total"])
	assert.Equal(t, "a", cmd.Parameters["tags"].([]string)[0])
	assert.Equal(t, 1, cmd.Query.Criteria[0].Value)
	assert.Equal(t, 1, cmd.Modification.Entries[0].Value)
	assert.Equal(t, "audit", cmd.StartingEvents[0].Name)
	assert.Equal(t, "update orders#3", cmd.String())
}

func TestCommandIsObsolete(t *testing.T) {
	var nilCmd *Command
	assert.False(t, nilCmd.IsObsolete())
	cmd := &Command{Query: &Query{Obsolete: true}}
	assert.True(t, cmd.IsObsolete())
	assert.False(t, (&Command{}).IsObsolete())
}

func TestOperationClassification(t *testing.T) {
	assert.True(t, OperationInsert.IsWrite())
	assert.False(t, OperationQuery.IsWrite())
	assert.True(t, OperationAvg.IsAggregate())
	assert.False(t, OperationExist.IsAggregate())
	assert.Equal(t, "operation(99)", Operation(99).String())
}

func TestModificationApply(t *testing.T) {
	row := Row{"qty": int64(4), "price": decimal.RequireFromString("2.50"), "ratio": 1.5, "name": "a"}
	mod := NewModification().
		Calculate("qty", CalculateAdd, 3).
		Calculate("price", CalculateMultiply, 2).
		Calculate("ratio", CalculateDivide, 3).
		Set("name", "b").
		Fixed("code", "X1")
	require.NoError(t, mod.Validate())
	require.NoError(t, mod.Apply(row))
	assert.Equal(t, int64(7), row["qty"])
	assert.True(t, decimal.RequireFromString("5").Equal(row["price"].(decimal.Decimal)))
	assert.InDelta(t, 0.5, row["ratio"], 1e-9)
	assert.Equal(t, "b", row["name"])
	assert.Equal(t, "X1", row["code"])
	assert.Equal(t, []string{"qty", "price", "ratio", "name", "code"}, mod.Fields())
}

func TestModificationCalculateOnNilStartsFromZero(t *testing.T) {
	row := Row{}
	require.NoError(t, NewModification().Calculate("n", CalculateSubtract, 2).Apply(row))
	assert.Equal(t, int64(-2), row["n"])
}

func TestModificationErrors(t *testing.T) {
	err := NewModification().Calculate("name", CalculateAdd, 1).Apply(Row{"name": "abc"})
	assert.ErrorIs(t, err, ErrInvalidModification)

	err = NewModification().Calculate("qty", CalculateAdd, 1.5).Apply(Row{"qty": 1})
	assert.ErrorIs(t, err, ErrInvalidModification)

	assert.ErrorIs(t, NewModification().Validate(), ErrInvalidModification)
	bad := &Modification{Entries: []ModifyEntry{{Field: "x", Kind: ModifyCalculate, Operator: "%"}}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidModification)
}

func TestAggregateMergeRules(t *testing.T) {
	a := AggregateResult{Value: numeric.Integer(10), Count: 1, Valid: true}
	b := AggregateResult{Value: numeric.Integer(7), Count: 1, Valid: true}

	maxV, err := a.Merge(OperationMax, b)
	require.NoError(t, err)
	assert.Equal(t, int64(10), maxV.Value.Int64())

	minV, err := a.Merge(OperationMin, b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), minV.Value.Int64())

	sum, err := a.Merge(OperationSum, b)
	require.NoError(t, err)
	assert.Equal(t, int64(17), sum.Value.Int64())
	assert.Equal(t, int64(2), sum.Count)

	empty := AggregateResult{Count: 0}
	kept, err := a.Merge(OperationMax, empty)
	require.NoError(t, err)
	assert.Equal(t, a, kept)
	adopted, err := empty.Merge(OperationMin, b)
	require.NoError(t, err)
	assert.Equal(t, b, adopted)

	_, err = a.Merge(OperationQuery, b)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = a.Merge(OperationSum, AggregateResult{Value: numeric.Float(1), Count: 1, Valid: true})
	assert.ErrorIs(t, err, numeric.ErrKindMismatch)
}

func TestAggregateAverageFromMergedSums(t *testing.T) {
	// bucket averages are 2 and 10; the weighted mean is 4.
	b1 := AggregateResult{Value: numeric.Integer(6), Count: 3, Valid: true}
	b2 := AggregateResult{Value: numeric.Integer(10), Count: 1, Valid: true}
	merged, err := b1.Merge(OperationAvg, b2)
	require.NoError(t, err)
	avg, err := merged.Average()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4).Equal(avg.Value.DecimalValue()))

	none, err := AggregateResult{}.Average()
	require.NoError(t, err)
	assert.False(t, none.Valid)
}

func TestErrorTypesUnwrap(t *testing.T) {
	var err error = &BreakError{CommandID: 4, Handler: "stock", Message: "out of stock"}
	assert.True(t, errors.Is(err, ErrCommitBroken))
	assert.Equal(t, "command 4: commit broken by stock: out of stock", err.Error())

	err = &AffectedDataError{CommandIDs: []int64{1, 2}}
	assert.True(t, errors.Is(err, ErrNoAffectedData))
	var ad *AffectedDataError
	require.True(t, errors.As(err, &ad))
	assert.Equal(t, []int64{1, 2}, ad.CommandIDs)
}

func TestCheckAffectedNamesZeroCountCommands(t *testing.T) {
	cmds := []*Command{{ID: 1, MustAffectedData: true}, {ID: 2}, {ID: 3, MustAffectedData: true}}
	assert.NoError(t, CheckAffected(cmds, []int64{1, 0, 2}))

	var ad *AffectedDataError
	require.ErrorAs(t, CheckAffected(cmds, []int64{4, 4, 0}), &ad)
	assert.Equal(t, []int64{3}, ad.CommandIDs)

	require.ErrorAs(t, CheckAffected(cmds, nil), &ad)
	assert.Equal(t, []int64{1, 3}, ad.CommandIDs)
	assert.Equal(t, int64(8), SumAffected([]int64{4, 4, 0}))
}
