package staging

import (
	"sync"

	"warehousecore/internal/entity"
)

// Registry maps entity types to their Storage for one unit of work. Lookups
// are safe for concurrent use; each Storage carries its own lock.
type Registry struct {
	storages sync.Map // *entity.Type[T] -> *Storage[T]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// StorageFor returns the storage for meta's entity type, creating it on
// first use.
func StorageFor[T any](r *Registry, meta *entity.Type[T]) *Storage[T] {
	if s, ok := r.storages.Load(meta); ok {
		return s.(*Storage[T])
	}
	s, _ := r.storages.LoadOrStore(meta, NewStorage(meta))
	return s.(*Storage[T])
}

// Len returns the number of entity types with staged state.
func (r *Registry) Len() int {
	n := 0
	r.storages.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear drops every storage.
func (r *Registry) Clear() {
	r.storages.Range(func(k, _ any) bool {
		r.storages.Delete(k)
		return true
	})
}
