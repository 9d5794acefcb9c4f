package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()
	unlock() // second call is a no-op

	if m.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", m.Len())
	}
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
	if m.Len() != 0 {
		t.Fatalf("expected no leaked entries, got %d", m.Len())
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()

	unlock1, err := m.LockContext(context.Background(), "ord_a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(ctx, "ord_b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlock2()
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, ok := m.TryLock("op")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := m.TryLock("op"); ok {
		t.Fatal("expected second TryLock to fail while held")
	}
	unlock()
	unlock2, ok := m.TryLock("op")
	if !ok {
		t.Fatal("expected TryLock to succeed after release")
	}
	unlock2()
}

func TestKeyedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}
