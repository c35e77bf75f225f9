// Package registry provides the concurrency-safe table of live connections.
// It is a typed view over sync.Map: a lookup racing with a removal either
// sees the whole entry or no entry, never a partially removed one.
package registry

import (
	"cmp"
	"slices"
	"sync"
)

// Registry maps keys to values and is safe for use by multiple goroutines.
// Registry must not be copied after first use.
type Registry[K cmp.Ordered, V any] struct {
	m sync.Map
}

// New returns an empty Registry ready for use.
func New[K cmp.Ordered, V any]() *Registry[K, V] {
	return &Registry[K, V]{}
}

// Put stores v under k, replacing any previous value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (r *Registry[K, V]) Put(k K, v V) {
	r.m.Store(k, v)
}

// Get returns the value stored under k.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (r *Registry[K, V]) Get(k K) (V, bool) {
	v, found := r.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Remove deletes the entry for k. Removing an absent key is a no-op.
func (r *Registry[K, V]) Remove(k K) {
	r.m.Delete(k)
}

// Take removes the entry for k and returns the value it held. Exactly one
// of several concurrent callers taking the same key observes found=true.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V
//   - true if this call removed the entry
func (r *Registry[K, V]) Take(k K) (V, bool) {
	v, found := r.m.LoadAndDelete(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// ForEach calls f for each entry until f returns false. Entries added or
// removed concurrently may or may not be visited.
func (r *Registry[K, V]) ForEach(f func(k K, v V) bool) {
	r.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries. It walks the whole table.
func (r *Registry[K, V]) Len() int {
	n := 0
	r.ForEach(func(K, V) bool {
		n++
		return true
	})

	return n
}

// Keys returns the keys currently present in ascending order.
func (r *Registry[K, V]) Keys() []K {
	var keys []K
	r.ForEach(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)

	return keys
}

// Clear removes every entry.
func (r *Registry[K, V]) Clear() {
	r.m.Clear()
}
