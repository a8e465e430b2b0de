package disputes

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of SnapshotStore for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []Stats
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, stats Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, stats)
	return nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, limit int) ([]Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, nil
	}
	start := len(s.snapshots) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	// Most recent first
	out := make([]Stats, 0, len(s.snapshots)-start)
	for i := len(s.snapshots) - 1; i >= start; i-- {
		out = append(out, s.snapshots[i])
	}
	return out, nil
}
