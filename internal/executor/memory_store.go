package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/policy"
	"github.com/Aguti1902/iqmind-sub000/internal/store"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*actionRecord
}

type actionRecord struct {
	action   policy.PreventiveAction
	refundID string
}

// NewMemoryStore creates an in-memory action audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]*actionRecord)}
}

func (s *MemoryStore) SaveAction(ctx context.Context, action *policy.PreventiveAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *action
	a.Signals = append(a.Signals[:0:0], action.Signals...)
	s.actions[action.ID] = &actionRecord{action: a}
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (*policy.PreventiveAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	a := rec.action
	return &a, nil
}

func (s *MemoryStore) MarkExecuted(ctx context.Context, id, refundID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.actions[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.action.Executed = true
	rec.action.ExecutedAt = &at
	rec.refundID = refundID
	return nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*policy.PreventiveAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*policy.PreventiveAction, 0, len(s.actions))
	for _, rec := range s.actions {
		a := rec.action
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, olderThan time.Time) ([]*policy.PreventiveAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*policy.PreventiveAction
	for _, rec := range s.actions {
		if !rec.action.Executed && rec.action.CreatedAt.Before(olderThan) {
			a := rec.action
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
