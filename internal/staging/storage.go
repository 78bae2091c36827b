package staging

import (
	"fmt"
	"sort"
	"sync"

	"warehousecore/internal/entity"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"
)

type pendingKind uint8

const (
	pendingRemove pendingKind = iota + 1
	pendingModify
)

type pendingOp struct {
	kind  pendingKind
	query *domain.Query
	mod   *domain.Modification
}

// LookupState classifies an identity-map lookup.
type LookupState uint8

const (
	// LookupMiss means the entity is not tracked, or only partially loaded.
	LookupMiss LookupState = iota
	// LookupHidden means the entity is tracked and pending removal.
	LookupHidden
	// LookupHit means a complete, visible entity was found.
	LookupHit
)

// Storage is the staging area for one entity type. It is owned by a single
// unit of work; the mutex only guards against interleaved reads of different
// warehouses sharing the unit.
type Storage[T any] struct {
	mu       sync.Mutex
	meta     *entity.Type[T]
	packages map[string]*Package[T]
	order    []string
	pending  []pendingOp
}

// NewStorage returns an empty storage for T.
func NewStorage[T any](meta *entity.Type[T]) *Storage[T] {
	return &Storage[T]{meta: meta, packages: make(map[string]*Package[T])}
}

// Meta returns the entity metadata.
func (s *Storage[T]) Meta() *entity.Type[T] { return s.meta }

// Package returns the package tracked for identity.
func (s *Storage[T]) Package(identity string) (*Package[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[identity]
	return p, ok
}

// Identities returns the tracked identities in discovery order.
func (s *Storage[T]) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of tracked packages.
func (s *Storage[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packages)
}

// Save stages v for insert or update.
func (s *Storage[T]) Save(v T) (*Package[T], error) {
	id, err := s.meta.Identity(v)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.packages[id]; ok {
		p.Save(v)
		return p, nil
	}
	// earlier remove/modify commands run before this insert, so the log
	// is not replayed onto it
	p := newPackage(s.meta, id, v, SourceNew, s.meta.Fields())
	p.operation = OperationSave
	s.track(p)
	return p, nil
}

// Remove stages deletion of v. An entity never seen before is assumed to
// exist in storage.
func (s *Storage[T]) Remove(v T, force bool) (*Package[T], error) {
	id, err := s.meta.Identity(v)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		p = newPackage(s.meta, id, v, SourceStorage, s.meta.Fields())
		s.track(p)
		if err := s.replay(p); err != nil {
			return nil, err
		}
	}
	p.Remove(force)
	return p, nil
}

// RemoveByQuery removes every tracked entity matching q and logs q so that
// entities discovered later are removed on arrival.
func (s *Storage[T]) RemoveByQuery(q *domain.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.IsComplex() {
		return
	}
	for _, id := range s.order {
		p := s.packages[id]
		if p.Visible() && p.evaluable(q) && q.Match(s.meta.ToRow(p.latest)) {
			p.Remove(false)
		}
	}
	s.pending = append(s.pending, pendingOp{kind: pendingRemove, query: q.Clone()})
}

// Modify applies mod to every tracked entity matching q and logs it for
// entities discovered later. It returns the key rows of the staged inserts it
// changed: their insert already carries the result, so the modify command
// must not reach them in storage.
func (s *Storage[T]) Modify(mod *domain.Modification, q *domain.Query) ([]domain.Row, error) {
	if err := mod.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.IsComplex() {
		return nil, nil
	}
	var inserted []domain.Row
	for _, id := range s.order {
		p := s.packages[id]
		if p.Visible() && p.evaluable(q) && q.Match(s.meta.ToRow(p.latest)) {
			if err := p.Modify(mod); err != nil {
				return nil, fmt.Errorf("modify %s: %w", id, err)
			}
			if p.source == SourceNew && p.operation == OperationSave {
				inserted = append(inserted, s.meta.KeyRow(p.latest))
			}
		}
	}
	s.pending = append(s.pending, pendingOp{kind: pendingModify, query: q.Clone(), mod: mod.Clone()})
	return inserted, nil
}

// Merge folds storage results for q into the identity map and returns what
// the caller should see. For queries that can be evaluated in memory, staged
// entities matching q are added, stale storage rows that no longer match are
// dropped, and the result is re-sorted and truncated to q.Size. Paging is not
// applied here: the caller fetches every row up to the end of the page and
// cuts the window from the merged result.
func (s *Storage[T]) Merge(entities []T, q *domain.Query) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type hit struct {
		v   T
		row domain.Row
	}
	hits := make([]hit, 0, len(entities))
	seen := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		id, err := s.meta.Identity(e)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, ok := s.packages[id]
		if !ok {
			p = newPackage(s.meta, id, e, SourceStorage, nil)
			p.markLoaded(p.requestedFields(q))
			p.recompute()
			s.track(p)
			if err := s.replay(p); err != nil {
				return nil, err
			}
		} else if _, _, err := p.MergeStorageData(e, q); err != nil {
			return nil, err
		}
		if !p.Visible() {
			continue
		}
		row := s.meta.ToRow(p.latest)
		if !q.IsComplex() && p.evaluable(q) && !q.Match(row) {
			continue
		}
		hits = append(hits, hit{v: p.Latest(), row: row})
	}
	if q.IsComplex() {
		out := make([]T, len(hits))
		for i, h := range hits {
			out[i] = h.v
		}
		return out, nil
	}
	for _, id := range s.order {
		if _, ok := seen[id]; ok {
			continue
		}
		p := s.packages[id]
		if !p.Visible() || !p.evaluable(q) {
			continue
		}
		row := s.meta.ToRow(p.latest)
		if q.Match(row) {
			hits = append(hits, hit{v: p.Latest(), row: row})
		}
	}
	if q.HasSort() {
		sort.SliceStable(hits, func(i, j int) bool { return q.Less(hits[i].row, hits[j].row) })
	}
	if n := q.Size; q.Paging == nil && n > 0 && len(hits) > n {
		hits = hits[:n]
	}
	out := make([]T, len(hits))
	for i, h := range hits {
		out[i] = h.v
	}
	return out, nil
}

// Get returns the tracked entity for identity when it can be served without
// a storage read.
func (s *Storage[T]) Get(identity string) (T, LookupState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	p, ok := s.packages[identity]
	if !ok {
		return zero, LookupMiss
	}
	if !p.Visible() {
		if p.discarded {
			return zero, LookupMiss
		}
		return zero, LookupHidden
	}
	if !p.CompleteEntity() {
		return zero, LookupMiss
	}
	return p.Latest(), LookupHit
}

// Exists reports whether a staged entity matches q and returns the query the
// caller must still send to storage.
func (s *Storage[T]) Exists(q *domain.Query) (bool, *domain.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	adjusted := s.adjust(q)
	if q.IsComplex() {
		return false, adjusted
	}
	for _, id := range s.order {
		p := s.packages[id]
		if p.Visible() && p.evaluable(q) && q.Match(s.meta.ToRow(p.latest)) {
			return true, adjusted
		}
	}
	return false, adjusted
}

// Count counts staged entities matching q. The adjusted query excludes every
// entity counted here and every pending removal, so adding the storage count
// for it never double counts.
func (s *Storage[T]) Count(q *domain.Query) (int64, *domain.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	adjusted := s.adjust(q)
	if q.IsComplex() {
		return 0, adjusted
	}
	var n int64
	s.each(q, func(domain.Row) { n++ })
	return n, adjusted
}

// Max returns the largest staged value of field among entities matching q.
func (s *Storage[T]) Max(field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, *domain.Query, error) {
	return s.aggregate(domain.OperationMax, field, kind, q)
}

// Min returns the smallest staged value of field among entities matching q.
func (s *Storage[T]) Min(field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, *domain.Query, error) {
	return s.aggregate(domain.OperationMin, field, kind, q)
}

// Sum adds the staged values of field among entities matching q. Count on
// the result is the number of non-null values, which averages need.
func (s *Storage[T]) Sum(field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, *domain.Query, error) {
	return s.aggregate(domain.OperationSum, field, kind, q)
}

func (s *Storage[T]) aggregate(op domain.Operation, field string, kind numeric.Kind, q *domain.Query) (domain.AggregateResult, *domain.Query, error) {
	if !s.meta.HasField(field) {
		return domain.AggregateResult{}, nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownField, s.meta.Name(), field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	adjusted := s.adjust(q)
	var acc domain.AggregateResult
	if q.IsComplex() {
		return acc, adjusted, nil
	}
	var err error
	s.each(q, func(row domain.Row) {
		if err != nil || row[field] == nil {
			return
		}
		v, convErr := numeric.Of(kind, row[field])
		if convErr != nil {
			err = fmt.Errorf("%s.%s: %w", s.meta.Name(), field, convErr)
			return
		}
		acc, err = acc.Merge(op, domain.AggregateResult{Value: v, Count: 1, Valid: true})
	})
	if err != nil {
		return domain.AggregateResult{}, nil, err
	}
	return acc, adjusted, nil
}

// each calls fn for the visible evaluable packages matching q.
func (s *Storage[T]) each(q *domain.Query, fn func(domain.Row)) {
	for _, id := range s.order {
		p := s.packages[id]
		if !p.Visible() || !p.evaluable(q) {
			continue
		}
		row := s.meta.ToRow(p.latest)
		if q.Match(row) {
			fn(row)
		}
	}
}

// adjust builds the storage-side query: q minus the storage-origin entities
// this layer accounts for, minus the pending removal predicates.
func (s *Storage[T]) adjust(q *domain.Query) *domain.Query {
	if q == nil {
		q = domain.NewQuery()
	}
	adjusted := q.Clone()
	if q.IsComplex() {
		return adjusted
	}
	var keys []domain.Row
	for _, id := range s.order {
		p := s.packages[id]
		if p.source != SourceStorage && !p.replaced {
			continue
		}
		if !p.Visible() || p.evaluable(q) {
			keys = append(keys, s.meta.KeyRow(p.latest))
		}
	}
	adjusted.ExcludeIdentities(keys)
	for _, op := range s.pending {
		if op.kind != pendingRemove {
			continue
		}
		if op.query == nil || len(op.query.Criteria) == 0 {
			// everything in storage is pending removal
			adjusted.Obsolete = true
			continue
		}
		adjusted.ExcludeCriteria(op.query)
	}
	return adjusted
}

func (s *Storage[T]) track(p *Package[T]) {
	s.packages[p.identity] = p
	s.order = append(s.order, p.identity)
}

// replay applies the pending log to a newly discovered package in order.
func (s *Storage[T]) replay(p *Package[T]) error {
	for _, op := range s.pending {
		if !p.Visible() {
			return nil
		}
		if !p.evaluable(op.query) || !op.query.Match(s.meta.ToRow(p.latest)) {
			continue
		}
		switch op.kind {
		case pendingRemove:
			p.Remove(false)
		case pendingModify:
			if err := p.Modify(op.mod); err != nil {
				return fmt.Errorf("replay modify on %s: %w", p.identity, err)
			}
		}
	}
	return nil
}
