// Package store persists queue and slot snapshots. The core does not need
// persistence; when it is enabled, a snapshot is always written as one unit
// so the queues and slot table can never be restored inconsistently with
// each other.
package store

import (
	"context"
	"sync"

	"github.com/liftover/callqueue/queue"
)

// A SnapshotStore saves and loads whole snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap queue.Snapshot) error

	// LatestSnapshot returns the most recently saved snapshot, or false if
	// none has been saved.
	LatestSnapshot(ctx context.Context) (queue.Snapshot, bool, error)
}

// A MemorySnapshotStore is an in-memory snapshot store for testing and
// single node deployments.
type MemorySnapshotStore struct {
	mu     sync.Mutex
	latest *queue.Snapshot
}

// NewMemorySnapshotStore returns a new, empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

// SaveSnapshot replaces the stored snapshot.
func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, snap queue.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &snap
	return nil
}

// LatestSnapshot returns the stored snapshot, if any.
func (s *MemorySnapshotStore) LatestSnapshot(_ context.Context) (queue.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return queue.Snapshot{}, false, nil
	}
	return *s.latest, true, nil
}
