// Package lease grants single-owner, time-bounded claims on a key. The
// reconciliation loop and request handlers take a lease on a settlement
// operation before submitting or polling it, so two workers (in one process
// or across replicas) never act on the same operation at once.
//
// A lease expires on its own after its TTL; a crashed holder therefore
// blocks the key for at most one TTL.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by TryAcquire when another owner holds the key.
var ErrHeld = errors.New("lease: held by another owner")

// Lease is a held claim. Release it when done; releasing an expired lease
// that someone else has since acquired is a no-op.
type Lease struct {
	Key     string
	Token   string
	release func(ctx context.Context) error
	once    sync.Once
}

// Release gives up the claim. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() { err = l.release(ctx) })
	return err
}

// Leaser hands out leases.
type Leaser interface {
	// TryAcquire claims key for ttl without waiting. It returns ErrHeld if
	// the key is taken.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

func newToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryLeaser is a process-local Leaser for development and tests.
type MemoryLeaser struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryLeaser creates an in-memory leaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryLeaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := newToken()
	m.entries[key] = memEntry{token: token, expires: now.Add(ttl)}

	return &Lease{
		Key:   key,
		Token: token,
		release: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e, ok := m.entries[key]; ok && e.token == token {
				delete(m.entries, key)
			}
			return nil
		},
	}, nil
}

// Held reports whether key is currently leased.
func (m *MemoryLeaser) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && m.now().Before(e.expires)
}

// Compile-time assertion that MemoryLeaser implements Leaser.
var _ Leaser = (*MemoryLeaser)(nil)
