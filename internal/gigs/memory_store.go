package gigs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory gig store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	gigs map[string]*Gig
}

// NewMemoryStore creates a new in-memory gig store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gigs: make(map[string]*Gig)}
}

func (m *MemoryStore) Create(ctx context.Context, gig *Gig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gigs[gig.ID]; ok {
		return ErrGigExists
	}
	m.gigs[gig.ID] = gig.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gig, ok := m.gigs[id]
	if !ok {
		return nil, ErrGigNotFound
	}
	return gig.Clone(), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, gig *Gig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.gigs[gig.ID]; ok {
		gig.CreatedAt = existing.CreatedAt
	}
	gig.UpdatedAt = time.Now()
	m.gigs[gig.ID] = gig.Clone()
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string) ([]*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Gig
	for _, gig := range m.gigs {
		if strings.EqualFold(gig.SellerID, sellerID) {
			result = append(result, gig.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
