// File: internal/filter/set.go

// Package filter provides the deduplication sets the scheduler and the
// analyzers use to avoid processing the same thing twice. A Set only stores
// hashes; what counts as "the same" is decided by the hasher it is built with.
package filter

import (
	"slices"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Hasher maps an item to the identity a Set tracks.
type Hasher[T any] func(T) uint64

// Set is a thread-safe set of item hashes.
type Set[T any] struct {
	mu     sync.RWMutex
	hasher Hasher[T]
	hashes map[uint64]struct{}
}

// NewSet creates an empty set keyed by hasher.
func NewSet[T any](hasher Hasher[T]) *Set[T] {
	return &Set[T]{
		hasher: hasher,
		hashes: make(map[uint64]struct{}),
	}
}

// NewStringSet creates a set of strings keyed by their murmur3 hash.
func NewStringSet() *Set[string] {
	return NewSet(StringHash)
}

// StringHash is the default string hasher.
func StringHash(s string) uint64 {
	return murmur3.Sum64([]byte(s))
}

// Insert adds items to the set.
func (s *Set[T]) Insert(items ...T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.hashes[s.hasher(item)] = struct{}{}
	}
}

// Add inserts item and reports whether it was absent. Check and insert happen
// under one lock so concurrent callers cannot both see an item as new.
func (s *Set[T]) Add(item T) bool {
	h := s.hasher(item)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[h]; ok {
		return false
	}
	s.hashes[h] = struct{}{}
	return true
}

// Include reports whether item is in the set.
func (s *Set[T]) Include(item T) bool {
	return s.IncludeHash(s.hasher(item))
}

// IncludeHash reports whether a precomputed hash is in the set.
func (s *Set[T]) IncludeHash(h uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[h]
	return ok
}

// Merge adds every hash of other into s.
func (s *Set[T]) Merge(other *Set[T]) {
	if other == nil || other == s {
		return
	}
	s.Load(other.Hashes())
}

// Len returns the number of tracked hashes.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// Empty reports whether the set is empty.
func (s *Set[T]) Empty() bool { return s.Len() == 0 }

// Clear removes everything.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	s.hashes = make(map[uint64]struct{})
	s.mu.Unlock()
}

// Hashes returns the tracked hashes in ascending order, suitable for snapshots.
func (s *Set[T]) Hashes() []uint64 {
	s.mu.RLock()
	out := make([]uint64, 0, len(s.hashes))
	for h := range s.hashes {
		out = append(out, h)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Load adds raw hashes, typically from a snapshot.
func (s *Set[T]) Load(hashes []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		s.hashes[h] = struct{}{}
	}
}
