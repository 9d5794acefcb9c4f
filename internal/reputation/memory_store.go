package reputation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory review store for demo/development mode.
type MemoryStore struct {
	reviews map[string]*Review
	byParty map[string]string // order_id + reviewer -> id
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reviews: make(map[string]*Review),
		byParty: make(map[string]string),
	}
}

func partyKey(orderID, reviewer string) string {
	return orderID + "\x00" + reviewer
}

func (m *MemoryStore) Create(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := partyKey(r.OrderID, r.ReviewerID)
	if _, ok := m.byParty[pk]; ok {
		return ErrDuplicateReview
	}
	if _, ok := m.reviews[r.ID]; ok {
		return ErrDuplicateReview
	}
	r.Version = 1
	m.reviews[r.ID] = r.Clone()
	m.byParty[pk] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.reviews[r.ID]
	if !ok {
		return ErrReviewNotFound
	}
	if stored.Version != r.Version {
		return ErrStale
	}
	r.Version++
	m.reviews[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Review, error) {
	result := m.list(func(r *Review) bool { return r.OrderID == orderID })
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Review, error) {
	result := m.list(func(r *Review) bool { return r.SubjectID == subject })
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListPending(ctx context.Context, now time.Time, limit int) ([]*Review, error) {
	result := m.list(func(r *Review) bool { return r.InFlight() || isDue(r, now) })
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) list(match func(*Review) bool) []*Review {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Review
	for _, r := range m.reviews {
		if match(r) {
			result = append(result, r.Clone())
		}
	}
	return result
}

func truncate(rs []*Review, limit int) []*Review {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
