package staging

import (
	"testing"

	"warehousecore/internal/entity"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID    int64   `warehouse:"id,pk"`
	Name  string  `warehouse:"name"`
	Stock int64   `warehouse:"stock"`
	Price float64 `warehouse:"price"`
}

func newProducts(t *testing.T) *Storage[product] {
	t.Helper()
	meta, err := entity.Describe[product]()
	require.NoError(t, err)
	return NewStorage(meta)
}

func TestDirtyFieldSurvivesStorageRead(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Name: "a"}}, domain.NewQuery().Select("name"))
	require.NoError(t, err)
	p, ok := s.Package("1")
	require.True(t, ok)
	assert.False(t, p.CompleteEntity())
	assert.False(t, p.Loaded("stock"))

	_, err = s.Save(product{ID: 1, Name: "mine"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, p.Diff())

	out, err := s.Merge([]product{{ID: 1, Name: "theirs", Stock: 5, Price: 2.5}}, domain.NewQuery())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "mine", out[0].Name)
	assert.Equal(t, int64(5), out[0].Stock)
	assert.Equal(t, 2.5, out[0].Price)
	assert.True(t, p.CompleteEntity())
	assert.Equal(t, []string{"name"}, p.Diff())

	orig, ok := p.Original()
	require.True(t, ok)
	assert.Equal(t, "a", orig.Name)
	assert.Equal(t, int64(5), orig.Stock)
}

func TestUnloadedFieldWrittenBySaveIsNotClobbered(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Name: "a"}}, domain.NewQuery().Select("name"))
	require.NoError(t, err)
	_, err = s.Save(product{ID: 1, Name: "a", Stock: 40})
	require.NoError(t, err)

	out, err := s.Merge([]product{{ID: 1, Name: "a", Stock: 3}}, domain.NewQuery())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(40), out[0].Stock)
	p, _ := s.Package("1")
	assert.Equal(t, []string{"stock"}, p.Diff())
}

func TestOnePackagePerIdentity(t *testing.T) {
	s := newProducts(t)
	_, err := s.Save(product{ID: 1, Name: "a"})
	require.NoError(t, err)
	_, err = s.Save(product{ID: 1, Name: "b"})
	require.NoError(t, err)
	_, err = s.Merge([]product{{ID: 1, Name: "c"}, {ID: 1, Name: "c"}, {ID: 2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"1", "2"}, s.Identities())
}

func TestSaveThenRemoveNewEntityCollapses(t *testing.T) {
	s := newProducts(t)
	p, err := s.Save(product{ID: 9, Name: "tmp"})
	require.NoError(t, err)
	_, err = s.Remove(product{ID: 9}, false)
	require.NoError(t, err)
	assert.Equal(t, OperationNone, p.Operation())
	assert.True(t, p.Discarded())
	assert.False(t, p.Visible())

	_, state := s.Get("9")
	assert.Equal(t, LookupMiss, state)
	found, _ := s.Exists(domain.NewQuery().Where("id", domain.OpEqual, 9))
	assert.False(t, found)
}

func TestDiscardedInsertFoundInStorageBecomesRemove(t *testing.T) {
	s := newProducts(t)
	p, err := s.Save(product{ID: 9, Name: "tmp"})
	require.NoError(t, err)
	p.Remove(false)
	out, err := s.Merge([]product{{ID: 9, Name: "stored"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, OperationRemove, p.Operation())
	assert.Equal(t, SourceStorage, p.Source())
}

func TestRemoveUnknownEntityTargetsStorage(t *testing.T) {
	s := newProducts(t)
	p, err := s.Remove(product{ID: 3}, false)
	require.NoError(t, err)
	assert.Equal(t, OperationRemove, p.Operation())
	assert.Equal(t, SourceStorage, p.Source())

	_, state := s.Get("3")
	assert.Equal(t, LookupHidden, state)
}

func TestForceRemoveThenSaveReplacesStoredRow(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 5, Name: "old", Stock: 2}}, nil)
	require.NoError(t, err)
	p, err := s.Remove(product{ID: 5}, true)
	require.NoError(t, err)
	assert.True(t, p.IsRealRemove())
	assert.False(t, p.Visible())

	_, err = s.Save(product{ID: 5, Name: "again", Stock: 2})
	require.NoError(t, err)
	assert.Equal(t, OperationSave, p.Operation())
	assert.Equal(t, SourceNew, p.Source())
	_, hasBaseline := p.Original()
	assert.False(t, hasBaseline)
	assert.True(t, p.Replaced(), "the stored row is still there")
	assert.False(t, p.IsRealRemove())
	assert.True(t, p.Visible())
	assert.ElementsMatch(t, []string{"id", "name", "stock", "price"}, p.Diff())

	n, adjusted := s.Count(domain.NewQuery())
	assert.Equal(t, int64(1), n)
	assert.False(t, adjusted.Match(domain.Row{"id": int64(5)}), "the stored row is not counted twice")

	p.Remove(false)
	assert.Equal(t, OperationRemove, p.Operation(), "removing it again deletes the stored row")
	assert.False(t, p.Discarded())
}

func TestEmptyIdentityIsRejected(t *testing.T) {
	s := newProducts(t)
	_, err := s.Save(product{Name: "no id"})
	assert.ErrorIs(t, err, domain.ErrEmptyIdentity)
	_, err = s.Merge([]product{{Name: "no id"}}, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyIdentity)
}

func TestRemoveByQueryHidesTrackedEntityBeforeStorageIsAsked(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 7, Name: "x"}}, nil)
	require.NoError(t, err)
	p, _ := s.Package("7")
	assert.Equal(t, OperationNone, p.Operation())

	s.RemoveByQuery(domain.NewQuery().Where("id", domain.OpEqual, 7))
	q := domain.NewQuery().Where("id", domain.OpEqual, 7)
	found, adjusted := s.Exists(q)
	assert.False(t, found)
	assert.False(t, adjusted.Match(domain.Row{"id": int64(7)}))
	assert.Len(t, q.Criteria, 1)
}

func TestModifyStorageEntityKeepsDiffEmpty(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Name: "a", Stock: 5}}, nil)
	require.NoError(t, err)
	_, err = s.Save(product{ID: 2, Name: "a", Stock: 1})
	require.NoError(t, err)

	mod := domain.NewModification().Calculate("stock", domain.CalculateAdd, 3)
	inserted, err := s.Modify(mod, domain.NewQuery().Where("name", domain.OpEqual, "a"))
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{"id": int64(2)}}, inserted)

	stored, _ := s.Package("1")
	assert.Equal(t, int64(8), stored.Latest().Stock)
	orig, _ := stored.Original()
	assert.Equal(t, int64(8), orig.Stock)
	assert.False(t, stored.HasChanges())

	fresh, _ := s.Package("2")
	assert.Equal(t, int64(4), fresh.Latest().Stock)
	assert.True(t, fresh.HasChanges())
}

func TestModifySkipsCalculationOnUnloadedField(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Name: "a"}}, domain.NewQuery().Select("name"))
	require.NoError(t, err)
	mod := domain.NewModification().Calculate("stock", domain.CalculateAdd, 3).Set("price", 9.5)
	_, err = s.Modify(mod, domain.NewQuery().Where("name", domain.OpEqual, "a"))
	require.NoError(t, err)
	p, _ := s.Package("1")
	assert.False(t, p.Loaded("stock"))
	assert.True(t, p.Loaded("price"))
	assert.Equal(t, 9.5, p.Latest().Price)
	assert.False(t, p.HasChanges())
}

func TestPendingLogReplaysOnDiscoveredEntities(t *testing.T) {
	s := newProducts(t)
	inserted, err := s.Modify(domain.NewModification().Calculate("stock", domain.CalculateAdd, 1), domain.NewQuery().Where("name", domain.OpEqual, "a"))
	require.NoError(t, err)
	assert.Empty(t, inserted)
	s.RemoveByQuery(domain.NewQuery().Where("name", domain.OpEqual, "b"))

	out, err := s.Merge([]product{{ID: 1, Name: "a", Stock: 10}, {ID: 2, Name: "b"}, {ID: 3, Name: "c"}}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(11), out[0].Stock)
	assert.Equal(t, int64(3), out[1].ID)

	removed, _ := s.Package("2")
	assert.Equal(t, OperationRemove, removed.Operation())

	// inserts staged after a predicate removal are not affected by it
	_, err = s.Save(product{ID: 4, Name: "b"})
	require.NoError(t, err)
	staged, _ := s.Package("4")
	assert.True(t, staged.Visible())
}

func TestMergeUnionsStagedEntitiesAndTruncates(t *testing.T) {
	s := newProducts(t)
	_, err := s.Save(product{ID: 10, Name: "new", Stock: 1})
	require.NoError(t, err)
	_, err = s.Save(product{ID: 12, Name: "big", Stock: 50})
	require.NoError(t, err)

	q := domain.NewQuery().Where("stock", domain.OpGreaterThan, 0).OrderBy("stock", true).Limit(2)
	out, err := s.Merge([]product{{ID: 11, Name: "s", Stock: 2}}, q)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(12), out[0].ID)
	assert.Equal(t, int64(11), out[1].ID)
}

func TestMergeLeavesPagingToCaller(t *testing.T) {
	s := newProducts(t)
	_, err := s.Save(product{ID: 1, Name: "new"})
	require.NoError(t, err)
	_, err = s.Merge([]product{{ID: 2}, {ID: 3}}, nil)
	require.NoError(t, err)

	q := domain.NewQuery().OrderBy("id", false).Page(2, 2)
	out, err := s.Merge([]product{{ID: 2}, {ID: 3}, {ID: 4}, {ID: 5}}, q)
	require.NoError(t, err)
	require.Len(t, out, 5, "tracked entities from earlier pages must not fill the page")
	for i, v := range out {
		assert.Equal(t, int64(i+1), v.ID)
	}
}

func TestMergeDropsStorageRowsThatNoLongerMatch(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Name: "a", Stock: 1}}, nil)
	require.NoError(t, err)
	_, err = s.Save(product{ID: 1, Name: "a", Stock: 0})
	require.NoError(t, err)
	out, err := s.Merge([]product{{ID: 1, Name: "a", Stock: 1}}, domain.NewQuery().Where("stock", domain.OpGreaterThan, 0))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMergeComplexQueryReturnsStorageRowsOnly(t *testing.T) {
	s := newProducts(t)
	_, err := s.Save(product{ID: 10, Name: "new"})
	require.NoError(t, err)
	out, err := s.Merge([]product{{ID: 11}}, domain.NewQuery().Raw("select * from product where id = ?", 11))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(11), out[0].ID)
}

func TestCountAdjustedQueryAvoidsDoubleCounting(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Stock: 5}, {ID: 2, Stock: 7}}, nil)
	require.NoError(t, err)
	_, err = s.Save(product{ID: 3, Stock: 1})
	require.NoError(t, err)
	s.RemoveByQuery(domain.NewQuery().Where("stock", domain.OpGreaterThan, 6))

	n, adjusted := s.Count(domain.NewQuery().Where("stock", domain.OpGreaterThan, 0))
	assert.Equal(t, int64(2), n)

	storageRows := []domain.Row{
		{"id": int64(1), "stock": int64(5)},
		{"id": int64(2), "stock": int64(7)},
		{"id": int64(4), "stock": int64(9)},
		{"id": int64(5), "stock": int64(3)},
	}
	var storageCount int64
	for _, r := range storageRows {
		if adjusted.Match(r) {
			storageCount++
		}
	}
	assert.Equal(t, int64(1), storageCount)
}

func TestRemoveAllMarksAdjustedQueryObsolete(t *testing.T) {
	s := newProducts(t)
	s.RemoveByQuery(domain.NewQuery())
	_, adjusted := s.Count(domain.NewQuery().Where("stock", domain.OpGreaterThan, 0))
	assert.True(t, adjusted.Obsolete)
}

func TestAggregatesOverStagedEntities(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Stock: 5, Price: 1.5}, {ID: 2, Stock: 9}}, nil)
	require.NoError(t, err)
	_, err = s.Save(product{ID: 3, Stock: 1, Price: 2})
	require.NoError(t, err)
	_, err = s.Remove(product{ID: 2}, false)
	require.NoError(t, err)

	sum, adjusted, err := s.Sum("stock", numeric.KindInteger, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), sum.Value.Int64())
	assert.Equal(t, int64(2), sum.Count)
	assert.False(t, adjusted.Match(domain.Row{"id": int64(2)}))

	maxV, _, err := s.Max("stock", numeric.KindInteger, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), maxV.Value.Int64())

	minV, _, err := s.Min("price", numeric.KindFloat, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.5, minV.Value.Float64())

	_, _, err = s.Sum("nope", numeric.KindInteger, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownField)
}

func TestGetServesOnlyCompleteEntities(t *testing.T) {
	s := newProducts(t)
	_, err := s.Merge([]product{{ID: 1, Name: "full"}}, nil)
	require.NoError(t, err)
	_, err = s.Merge([]product{{ID: 2, Name: "part"}}, domain.NewQuery().Select("name"))
	require.NoError(t, err)

	v, state := s.Get("1")
	assert.Equal(t, LookupHit, state)
	assert.Equal(t, "full", v.Name)
	_, state = s.Get("2")
	assert.Equal(t, LookupMiss, state)
	_, state = s.Get("404")
	assert.Equal(t, LookupMiss, state)
}

func TestChangeDataSourceSnapshotsOnce(t *testing.T) {
	s := newProducts(t)
	p, err := s.Save(product{ID: 1, Name: "a"})
	require.NoError(t, err)
	assert.True(t, p.HasChanges())
	p.ChangeDataSource(SourceStorage)
	assert.False(t, p.HasChanges())
	p.Save(product{ID: 1, Name: "b"})
	p.ChangeDataSource(SourceStorage)
	orig, _ := p.Original()
	assert.Equal(t, "a", orig.Name)
	assert.Equal(t, []string{"name"}, p.Diff())
}

func TestRegistryReturnsOneStoragePerType(t *testing.T) {
	r := NewRegistry()
	meta := entity.MustDescribe[product]()
	a := StorageFor(r, meta)
	b := StorageFor(r, meta)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.NotSame(t, a, StorageFor(r, meta))
}
