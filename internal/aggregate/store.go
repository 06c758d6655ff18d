package aggregate

// Store is a keyed accumulator container, insertable and updatable by key.
// The map implementation grows with address cardinality for the life of the
// process; the interface exists so a bounded cache with eviction can stand in
// when that becomes a problem in production.
type Store[V any] interface {
	Get(key string) (V, bool)
	Put(key string, value V)
	Len() int
}

// MapStore is the unbounded in-memory implementation.
type MapStore[V any] struct {
	entries map[string]V
}

func NewMapStore[V any]() *MapStore[V] {
	return &MapStore[V]{entries: make(map[string]V)}
}

func (s *MapStore[V]) Get(key string) (V, bool) {
	v, ok := s.entries[key]
	return v, ok
}

func (s *MapStore[V]) Put(key string, value V) {
	s.entries[key] = value
}

func (s *MapStore[V]) Len() int {
	return len(s.entries)
}
