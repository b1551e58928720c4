package store

import (
	"cmp"
	"maps"
	"slices"
)

// Index is a reference-counted multiset: every key maps to a set of values,
// each carrying the number of contributions currently holding it.
type Index[K comparable, V cmp.Ordered] struct {
	m map[K]map[V]int
}

// NewIndex returns an empty index.
func NewIndex[K comparable, V cmp.Ordered]() *Index[K, V] {
	return &Index[K, V]{m: make(map[K]map[V]int)}
}

// Change adds delta to the count of every (key, value) pair in entries.
// Pairs whose count drops to zero or below are forgotten, and so are keys
// left without values.
func (ix *Index[K, V]) Change(entries map[K][]V, delta int) {
	for key, values := range entries {
		if len(values) == 0 {
			continue
		}

		set := ix.m[key]
		if set == nil {
			set = make(map[V]int)
			ix.m[key] = set
		}

		for _, v := range values {
			if n := set[v] + delta; n > 0 {
				set[v] = n
			} else {
				delete(set, v)
			}
		}

		if len(set) == 0 {
			delete(ix.m, key)
		}
	}
}

// Get returns the sorted values visible under key, or nil.
func (ix *Index[K, V]) Get(key K) []V {
	set, ok := ix.m[key]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}

// Count returns the reference count of a single pair.
func (ix *Index[K, V]) Count(key K, value V) int {
	return ix.m[key][value]
}

// Len returns the number of keys with at least one visible value.
func (ix *Index[K, V]) Len() int {
	return len(ix.m)
}
