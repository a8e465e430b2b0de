package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User       // by ID
	byEmail map[string]string      // email to ID
	results map[string][]*TestResult
	orders  map[string]*Order
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		results: make(map[string][]*TestResult),
		orders:  make(map[string]*Order),
	}
}

// PutUser inserts or replaces a user record.
func (s *MemoryStore) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[strings.ToLower(u.Email)] = u.ID
}

// PutTestResult appends a test result for a user.
func (s *MemoryStore) PutTestResult(r *TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.UserID] = append(s.results[r.UserID], &cp)
}

// PutOrder inserts or replaces an order record.
func (s *MemoryStore) PutOrder(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
}

func (s *MemoryStore) UserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) ListScanCandidates(ctx context.Context, limit int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		if u.SubscriptionStatus == "active" || u.SubscriptionStatus == "trial" {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastLogin.Before(out[j].LastLogin)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TestResultsByUser(ctx context.Context, userID string, limit int) ([]*TestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.results[userID]
	out := make([]*TestResult, 0, len(all))
	for _, r := range all {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TakenAt.After(out[j].TakenAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestOrderByEmail(ctx context.Context, email string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Order
	email = strings.ToLower(email)
	for _, o := range s.orders {
		if strings.ToLower(o.Email) != email {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, o := range s.orders {
		if !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkOrderRefunded(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Refunded = true
	return nil
}
