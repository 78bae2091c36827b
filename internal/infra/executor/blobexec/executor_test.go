package blobexec

import (
	"bytes"
	"context"
	"testing"

	"warehousecore/internal/blob"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(id int64, name string, qty int64) *domain.Command {
	return &domain.Command{
		ID:         id,
		Operation:  domain.OperationInsert,
		ObjectName: "items",
		Keys:       domain.Row{"id": id},
		Parameters: domain.Row{"id": id, "name": name, "qty": qty},
	}
}

// backends runs fn against every blob driver that works without external services.
func backends(t *testing.T, fn func(t *testing.T, store blob.Store, ex *Executor)) {
	fsStore, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	for _, store := range []blob.Store{blob.NewMemory(), fsStore, blob.NewMockS3ForTests()} {
		t.Run(string(store.Driver()), func(t *testing.T) {
			ex, err := New("", store)
			require.NoError(t, err)
			fn(t, store, ex)
		})
	}
}

func TestExecuteWritesOneDocumentPerEntity(t *testing.T) {
	backends(t, func(t *testing.T, store blob.Store, ex *Executor) {
		ctx := context.Background()
		n, err := ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{insert(1, "a", 1), insert(2, "b", 2), insert(3, "c", 3)})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		infos, err := store.List(ctx, "items/")
		require.NoError(t, err)
		require.Len(t, infos, 3)
		assert.Equal(t, "items/1.json", infos[0].Key)

		update := &domain.Command{
			ID: 4, Operation: domain.OperationUpdate, ObjectName: "items",
			Query:        domain.NewQuery().Where("qty", domain.OpGreaterOrEqual, 2),
			Modification: domain.NewModification().Calculate("qty", domain.CalculateMultiply, 10),
		}
		remove := &domain.Command{ID: 5, Operation: domain.OperationDelete, ObjectName: "items", Keys: domain.Row{"id": int64(1)}}
		n, err = ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{update, remove})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		rows, err := ex.Query(ctx, &domain.Command{Operation: domain.OperationQuery, ObjectName: "items", Query: domain.NewQuery().OrderBy("id", false)})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, int64(20), rows[0]["qty"])
		assert.Equal(t, int64(30), rows[1]["qty"])
		assert.Equal(t, "b", rows[0]["name"])
	})
}

func TestExecuteValidatesBeforeWriting(t *testing.T) {
	backends(t, func(t *testing.T, store blob.Store, ex *Executor) {
		ctx := context.Background()
		_, err := ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{insert(1, "a", 1)})
		require.NoError(t, err)

		_, err = ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{insert(2, "b", 2), insert(1, "dup", 0)})
		assert.ErrorIs(t, err, domain.ErrDuplicateKey)

		must := &domain.Command{
			ID: 9, Operation: domain.OperationUpdate, ObjectName: "items",
			Keys: domain.Row{"id": int64(1)}, Query: domain.NewQuery().Where("qty", domain.OpEqual, 99),
			Fields: []string{"name"}, Parameters: domain.Row{"name": "z"}, MustAffectedData: true,
		}
		_, err = ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{insert(3, "c", 3), must})
		var affected *domain.AffectedDataError
		require.ErrorAs(t, err, &affected)
		assert.Equal(t, []int64{9}, affected.CommandIDs)

		infos, err := store.List(ctx, "items/")
		require.NoError(t, err)
		assert.Len(t, infos, 1, "failed batches write nothing")
	})
}

func TestDeleteThenReinsertInOneBatch(t *testing.T) {
	backends(t, func(t *testing.T, _ blob.Store, ex *Executor) {
		ctx := context.Background()
		_, err := ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{insert(1, "a", 1)})
		require.NoError(t, err)
		remove := &domain.Command{Operation: domain.OperationDelete, ObjectName: "items", Keys: domain.Row{"id": int64(1)}}
		n, err := ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{remove, insert(1, "again", 5)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		rows, err := ex.Query(ctx, &domain.Command{ObjectName: "items"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "again", rows[0]["name"])
	})
}

func TestReads(t *testing.T) {
	backends(t, func(t *testing.T, store blob.Store, ex *Executor) {
		ctx := context.Background()
		_, err := ex.Execute(ctx, domain.ExecutionOptions{}, []*domain.Command{insert(1, "a", 6), insert(2, "b", 10), insert(3, "c", 2)})
		require.NoError(t, err)
		// foreign keys under the prefix are ignored
		_, err = store.Put(ctx, "items/nested/x.json", bytes.NewReader([]byte("{}")), blob.PutOptions{})
		require.NoError(t, err)

		page, err := ex.QueryPaging(ctx, &domain.Command{ObjectName: "items", Query: domain.NewQuery().OrderBy("qty", true).Page(1, 2)})
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.Total)
		require.Len(t, page.Rows, 2)
		assert.Equal(t, int64(10), page.Rows[0]["qty"])

		ok, err := ex.Exists(ctx, &domain.Command{ObjectName: "items", Keys: domain.Row{"id": int64(2)}})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = ex.Exists(ctx, &domain.Command{ObjectName: "items", Keys: domain.Row{"id": int64(7)}})
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = ex.Exists(ctx, &domain.Command{ObjectName: "items", Query: domain.NewQuery().Where("name", domain.OpEqual, "c")})
		require.NoError(t, err)
		assert.True(t, ok)

		sum, err := ex.Aggregate(ctx, &domain.Command{Operation: domain.OperationSum, ObjectName: "items", AggregateField: "qty", ValueKind: numeric.KindInteger})
		require.NoError(t, err)
		assert.Equal(t, int64(18), sum.Value.Int64())
		count, err := ex.Aggregate(ctx, &domain.Command{Operation: domain.OperationCount, ObjectName: "items", Query: &domain.Query{Obsolete: true}})
		require.NoError(t, err)
		assert.Equal(t, int64(0), count.Count)
	})
}

func TestKeyEscapesIdentity(t *testing.T) {
	assert.Equal(t, "order/a%2Fb%7C2.json", Key("order", domain.Row{"id": "a/b", "line": 2}))
	_, err := New("x", nil)
	assert.Error(t, err)
}
