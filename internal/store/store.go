// Package store holds the accumulated coverage snapshot of a running server.
package store

import (
	"sync"

	"github.com/zjy-dev/covhub/internal/coverage"
	"github.com/zjy-dev/covhub/internal/logger"
)

// Store is the single authoritative coverage snapshot of a process. Writers
// are serialized; readers receive deep copies so rendering never observes a
// half-applied merge.
type Store struct {
	mu   sync.RWMutex
	data coverage.Snapshot
	log  *logger.Logger
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data: coverage.Snapshot{},
		log:  logger.Named("store"),
	}
}

// Get returns a frozen copy of the current snapshot.
func (s *Store) Get() coverage.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

// Reset discards all accumulated coverage.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = coverage.Snapshot{}
}

// Merge folds incoming into the store. A nil or empty snapshot is a no-op.
func (s *Store) Merge(incoming coverage.Snapshot) {
	if len(incoming) == 0 {
		return
	}

	s.mu.Lock()
	reconciled := coverage.Merge(s.data, incoming)
	files := len(s.data)
	s.mu.Unlock()

	for _, path := range reconciled {
		s.log.Warnf("structural maps differ for %s; merged by source location", path)
	}
	s.log.Debugf("merged %d file(s); store now holds %d", len(incoming), files)
}

// Len returns the number of files in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Empty reports whether the store holds no coverage.
func (s *Store) Empty() bool {
	return s.Len() == 0
}

// Fingerprint returns the content hash of the current snapshot.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return coverage.Fingerprint(s.data)
}
