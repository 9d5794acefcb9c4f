package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Each key gets its own channel-based
// mutex so callers can bail out if their context is cancelled while waiting.
// Entries are reference counted and dropped once no goroutine holds or waits
// on them, so memory stays proportional to the number of contended keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) acquire(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedEntry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // Start unlocked.
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	e := m.acquire(key)
	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.release(key, e)
			})
		}, true
	default:
		m.release(key, e)
		return nil, false
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
