package orders

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentbazaar/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, order *Order) error {
	if err := checkCreate(order); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return ErrAlreadyExists
	}
	cp := order.Clone()
	cp.Version = 1
	order.Version = 1
	m.orders[order.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expected Status, next *Order, changes ...StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[next.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if err := checkSwap(stored, expected, next); err != nil {
		return err
	}

	cp := next.Clone()
	// Write-once and immutable fields always come from the stored row.
	cp.GigID, cp.BuyerID, cp.SellerID = stored.GigID, stored.BuyerID, stored.SellerID
	cp.Tier, cp.Price, cp.EscrowTxRef = stored.Tier, stored.Price, stored.EscrowTxRef
	cp.CreatedAt = stored.CreatedAt
	cp.StatusHistory = append(append([]StatusChange(nil), stored.StatusHistory...), changes...)
	cp.Version = stored.Version + 1
	m.orders[next.ID] = cp

	next.Version = cp.Version
	next.StatusHistory = append([]StatusChange(nil), cp.StatusHistory...)
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, id string, change StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	stored.StatusHistory = append(stored.StatusHistory, change)
	return nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agent string, after *pagination.Cursor, limit int) ([]*Order, error) {
	agent = strings.ToLower(agent)
	return m.list(limit, func(o *Order) bool {
		return (strings.ToLower(o.BuyerID) == agent || strings.ToLower(o.SellerID) == agent) &&
			after.After(o.CreatedAt, o.ID)
	}), nil
}

func (m *MemoryStore) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	expirable := rules[ActionDeadlineExceeded]
	return m.list(limit, func(o *Order) bool {
		return expirable.Allows(o.Status) && o.Settlement == SettlementNone &&
			o.Deadline != nil && o.Deadline.Before(now)
	}), nil
}

func (m *MemoryStore) ListBySettlement(ctx context.Context, state SettlementState, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return o.Settlement == state
	}), nil
}

// list returns matching orders newest first.
func (m *MemoryStore) list(limit int, match func(*Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
