package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehr/riskwatch/pkg/pagination"
)

// ErrNotFound is returned for an unknown or expired analysis id.
var ErrNotFound = errors.New("analysis not found")

// Store keeps analyses so that failed deliveries can be retried without
// classifying again. Entries expire after the store's TTL.
type Store interface {
	Save(ctx context.Context, a *Analysis) error
	Get(ctx context.Context, id string) (*Analysis, error)
	ListPending(ctx context.Context, limit, offset int) ([]*Analysis, int, error)
	CountPending(ctx context.Context) (int, error)
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*memoryItem
	order []string
	ttl   time.Duration
	now   func() time.Time
}

type memoryItem struct {
	analysis  Analysis
	expiresAt time.Time
}

// NewMemoryStore creates an empty store. A zero ttl keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memoryItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, a *Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := &memoryItem{analysis: *a}
	if s.ttl > 0 {
		item.expiresAt = s.now().Add(s.ttl)
	}
	if _, ok := s.items[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.items[a.ID] = item
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok || s.expired(item) {
		return nil, ErrNotFound
	}
	a := item.analysis
	return &a, nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit, offset int) ([]*Analysis, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()

	var pending []*Analysis
	for _, id := range s.order {
		item := s.items[id]
		if item.analysis.State == StatePending {
			a := item.analysis
			pending = append(pending, &a)
		}
	}
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(pending))
	return append([]*Analysis{}, pending[start:end]...), len(pending), nil
}

func (s *MemoryStore) CountPending(ctx context.Context) (int, error) {
	_, total, err := s.ListPending(ctx, 0, 0)
	return total, err
}

func (s *MemoryStore) expired(item *memoryItem) bool {
	return !item.expiresAt.IsZero() && s.now().After(item.expiresAt)
}

// prune drops expired entries; callers hold the write lock.
func (s *MemoryStore) prune() {
	kept := s.order[:0]
	for _, id := range s.order {
		if s.expired(s.items[id]) {
			delete(s.items, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
