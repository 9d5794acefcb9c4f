package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory operation store for demo/development mode.
type MemoryStore struct {
	ops map[string]*Operation
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory operation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

func (m *MemoryStore) Create(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ops[op.Key]; ok {
		return ErrDuplicateKey
	}
	op.Version = 1
	m.ops[op.Key] = op.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[key]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.ops[op.Key]
	if !ok {
		return ErrOperationNotFound
	}
	if stored.Version != op.Version {
		return ErrStale
	}
	op.Version++
	m.ops[op.Key] = op.Clone()
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Operation, error) {
	return m.list(0, func(op *Operation) bool { return op.OrderID == orderID }), nil
}

func (m *MemoryStore) ListInFlight(ctx context.Context, limit int) ([]*Operation, error) {
	return m.list(limit, (*Operation).InFlight), nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Operation, error) {
	return m.list(limit, func(op *Operation) bool { return isDue(op, now) }), nil
}

func (m *MemoryStore) ListEscalated(ctx context.Context, limit int) ([]*Operation, error) {
	return m.list(limit, func(op *Operation) bool { return op.Escalated }), nil
}

func (m *MemoryStore) ListUnapplied(ctx context.Context, limit int) ([]*Operation, error) {
	return m.list(limit, func(op *Operation) bool {
		return op.Outcome == OutcomeConfirmed && op.AppliedAt == nil
	}), nil
}

func (m *MemoryStore) MarkApplied(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[key]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Outcome != OutcomeConfirmed || op.AppliedAt != nil {
		return nil
	}
	op.AppliedAt = &at
	op.Version++
	return nil
}

// list returns matching operations oldest first.
func (m *MemoryStore) list(limit int, match func(*Operation) bool) []*Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Operation
	for _, op := range m.ops {
		if match(op) {
			result = append(result, op.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
