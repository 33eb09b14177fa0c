// Package dedup provides the shared set of already-processed wrap ids.
// The live subscription pipeline and the backfill engine feed the same
// set, so a message delivered by one is never reprocessed by the other.
package dedup

import "sync"

// Set is a concurrency-safe string set.
type Set struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{ids: make(map[string]struct{})}
}

// Add inserts id and reports whether it was absent before the call.
// The check and the insert are one atomic step.
func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports whether id has been seen.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.ids[id]
	return ok
}

// Seed inserts every id from the given collection, typically the
// persistent store's known wrap ids at startup.
func (s *Set) Seed(ids map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Len returns the number of ids seen.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ids)
}

// Clear empties the set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = make(map[string]struct{})
}
