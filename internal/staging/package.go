// Package staging tracks staged entity changes for one unit of work: an
// identity map of per-entity packages per entity type plus the pending
// remove and modify logs replayed onto entities discovered later.
package staging

import (
	"warehousecore/internal/entity"
	"warehousecore/pkg/domain"
)

// Operation is the staged persistence intent of a package.
type Operation uint8

const (
	// OperationNone means no write is pending.
	OperationNone Operation = iota
	// OperationSave means the entity must be inserted or updated.
	OperationSave
	// OperationRemove means the entity must be deleted.
	OperationRemove
)

func (o Operation) String() string {
	switch o {
	case OperationSave:
		return "save"
	case OperationRemove:
		return "remove"
	default:
		return "none"
	}
}

// Source records where a package's data came from.
type Source uint8

const (
	// SourceNew marks an entity that storage has never returned.
	SourceNew Source = iota
	// SourceStorage marks an entity read from (or known to exist in) storage.
	SourceStorage
)

func (s Source) String() string {
	if s == SourceStorage {
		return "storage"
	}
	return "new"
}

// Package is the staged state of one entity. Fields are tracked in three
// states: a field outside the loaded set is unloaded and never takes part in
// the diff; a loaded field may hold a zero value.
type Package[T any] struct {
	meta       *entity.Type[T]
	identity   string
	latest     T
	original   *T
	operation  Operation
	source     Source
	realRemove bool
	replaced   bool
	discarded  bool
	loaded     map[string]struct{}
	diff       []string
}

func newPackage[T any](meta *entity.Type[T], identity string, v T, source Source, fields []string) *Package[T] {
	p := &Package[T]{
		meta:     meta,
		identity: identity,
		latest:   meta.Clone(v),
		source:   source,
		loaded:   make(map[string]struct{}),
	}
	p.markLoaded(fields)
	if source == SourceStorage {
		orig := meta.Clone(v)
		p.original = &orig
	}
	p.recompute()
	return p
}

// Identity returns the package's identity value.
func (p *Package[T]) Identity() string { return p.identity }

// Latest returns a copy of the current in-memory entity.
func (p *Package[T]) Latest() T { return p.meta.Clone(p.latest) }

// Original returns a copy of the storage baseline, if any.
func (p *Package[T]) Original() (T, bool) {
	if p.original == nil {
		var zero T
		return zero, false
	}
	return p.meta.Clone(*p.original), true
}

// Operation returns the staged operation.
func (p *Package[T]) Operation() Operation { return p.operation }

// Source returns the data source.
func (p *Package[T]) Source() Source { return p.source }

// IsRealRemove reports whether the entity was force-removed.
func (p *Package[T]) IsRealRemove() bool { return p.realRemove }

// Visible reports whether reads should return the entity.
func (p *Package[T]) Visible() bool {
	return p.operation != OperationRemove && !p.realRemove && !p.discarded
}

// Replaced reports whether a force-removed entity was saved again. Its row
// still exists in storage and is overwritten in place rather than inserted.
func (p *Package[T]) Replaced() bool { return p.replaced }

// Discarded reports whether a staged insert was removed again before commit.
func (p *Package[T]) Discarded() bool { return p.discarded }

// Diff returns the loaded fields whose latest value differs from the baseline.
// Without a baseline every loaded field is part of the diff.
func (p *Package[T]) Diff() []string { return append([]string(nil), p.diff...) }

// HasChanges reports whether the diff is non-empty.
func (p *Package[T]) HasChanges() bool { return len(p.diff) > 0 }

// Loaded reports whether field has been loaded or written.
func (p *Package[T]) Loaded(field string) bool {
	_, ok := p.loaded[field]
	return ok
}

// CompleteEntity reports whether every queryable field is loaded, which
// lets the identity map answer lookups without a storage read.
func (p *Package[T]) CompleteEntity() bool {
	return len(p.loaded) >= p.meta.FieldCount()
}

// Save replaces the latest data. A force-removed entity is re-staged as a
// fresh entity that replaces its stored row, since this save supersedes the
// pending delete.
func (p *Package[T]) Save(v T) {
	if p.realRemove {
		p.source = SourceNew
		p.original = nil
		p.realRemove = false
		p.replaced = true
		p.loaded = make(map[string]struct{})
		p.markLoaded(p.meta.Fields())
	}
	if p.source == SourceNew {
		p.markLoaded(p.meta.Fields())
	} else {
		// an unloaded field the caller changed is now known in memory
		prev, next := p.meta.ToRow(p.latest), p.meta.ToRow(v)
		for _, f := range p.meta.Fields() {
			if !p.Loaded(f) && !domain.ValuesEqual(prev[f], next[f]) {
				p.loaded[f] = struct{}{}
			}
		}
	}
	p.latest = p.meta.Clone(v)
	p.operation = OperationSave
	p.discarded = false
	p.recompute()
}

// Remove marks the entity for deletion. A never-persisted insert collapses to
// no operation instead.
func (p *Package[T]) Remove(force bool) {
	if p.source == SourceNew && p.original == nil && !p.replaced {
		p.operation = OperationNone
		p.discarded = true
		return
	}
	p.operation = OperationRemove
	if force {
		p.realRemove = true
	}
}

// Modify applies mod to the latest data, and to the baseline as well when
// the entity came from storage: the queued modify command brings storage to
// the same state, so the change must not show up in the diff. Calculations
// on unloaded fields are skipped.
func (p *Package[T]) Modify(mod *domain.Modification) error {
	if mod == nil {
		return nil
	}
	latest := p.meta.ToRow(p.latest)
	var origRow domain.Row
	if p.source == SourceStorage && p.original != nil {
		origRow = p.meta.ToRow(*p.original)
	}
	for _, e := range mod.Entries {
		if e.Kind == domain.ModifyCalculate && !p.Loaded(e.Field) {
			continue
		}
		v, err := e.Evaluate(latest[e.Field])
		if err != nil {
			return err
		}
		if err := p.meta.Set(&p.latest, e.Field, v); err != nil {
			return err
		}
		latest[e.Field] = v
		if origRow != nil {
			ov, err := e.Evaluate(origRow[e.Field])
			if err != nil {
				return err
			}
			if err := p.meta.Set(p.original, e.Field, ov); err != nil {
				return err
			}
			origRow[e.Field] = ov
		}
		p.loaded[e.Field] = struct{}{}
	}
	p.recompute()
	return nil
}

// MergeStorageData folds a storage read into the package. Only fields the
// query loaded for the first time are copied; fields already tracked keep
// their in-memory value. It returns false when the entity is pending
// removal and must not be returned to the caller.
func (p *Package[T]) MergeStorageData(v T, q *domain.Query) (T, bool, error) {
	var zero T
	fields := p.requestedFields(q)
	if p.discarded {
		// a staged insert that was removed again, but storage has the entity
		p.discarded = false
		p.source = SourceStorage
		orig := p.meta.Clone(v)
		p.original = &orig
		p.operation = OperationRemove
		p.loaded = make(map[string]struct{})
		p.markLoaded(fields)
		p.recompute()
		return zero, false, nil
	}
	if p.source == SourceNew {
		orig := p.meta.Clone(v)
		p.original = &orig
		p.source = SourceStorage
		p.recompute()
		return p.visibleLatest()
	}
	var fresh []string
	for _, f := range fields {
		if !p.Loaded(f) {
			fresh = append(fresh, f)
		}
	}
	if len(fresh) > 0 {
		incoming := p.meta.ToRow(v)
		if p.original == nil {
			orig := p.meta.Clone(p.latest)
			p.original = &orig
		}
		for _, f := range fresh {
			if err := p.meta.Set(p.original, f, incoming[f]); err != nil {
				return zero, false, err
			}
			if err := p.meta.Set(&p.latest, f, incoming[f]); err != nil {
				return zero, false, err
			}
		}
		p.markLoaded(fresh)
		p.recompute()
	}
	return p.visibleLatest()
}

func (p *Package[T]) visibleLatest() (T, bool, error) {
	if p.operation == OperationRemove || p.realRemove {
		var zero T
		return zero, false, nil
	}
	return p.Latest(), true, nil
}

// ChangeDataSource moves the package to src. The first move from New to
// Storage snapshots the latest data as the baseline.
func (p *Package[T]) ChangeDataSource(src Source) {
	if p.source == SourceNew && src == SourceStorage && p.original == nil {
		orig := p.meta.Clone(p.latest)
		p.original = &orig
	}
	p.source = src
	p.recompute()
}

func (p *Package[T]) requestedFields(q *domain.Query) []string {
	if q == nil || len(q.Fields) == 0 {
		return p.meta.Fields()
	}
	out := make([]string, 0, len(q.Fields)+len(p.meta.PrimaryKeys()))
	out = append(out, p.meta.PrimaryKeys()...)
	for _, f := range q.Fields {
		if p.meta.HasField(f) {
			out = append(out, f)
		}
	}
	return out
}

func (p *Package[T]) markLoaded(fields []string) {
	for _, f := range fields {
		p.loaded[f] = struct{}{}
	}
}

// evaluable reports whether every field q filters on is loaded.
func (p *Package[T]) evaluable(q *domain.Query) bool {
	if q == nil {
		return true
	}
	for _, c := range q.Criteria {
		for _, f := range c.Fields() {
			if !p.Loaded(f) {
				return false
			}
		}
	}
	for _, s := range q.Sorts {
		if !p.Loaded(s.Field) {
			return false
		}
	}
	return true
}

func (p *Package[T]) recompute() {
	p.diff = p.diff[:0]
	latest := p.meta.ToRow(p.latest)
	if p.original == nil || p.replaced {
		for _, f := range p.meta.Fields() {
			if p.Loaded(f) {
				p.diff = append(p.diff, f)
			}
		}
		return
	}
	orig := p.meta.ToRow(*p.original)
	for _, f := range p.meta.Fields() {
		if !p.Loaded(f) {
			continue
		}
		if !domain.ValuesEqual(latest[f], orig[f]) {
			p.diff = append(p.diff, f)
		}
	}
}
