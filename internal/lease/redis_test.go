//go:build integration

package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestRedisLeaser(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedisLeaser(ctx, url, "agentbazaar:test:"+time.Now().Format("150405.000")+":")
	if err != nil {
		t.Fatalf("NewRedisLeaser: %v", err)
	}
	defer r.Close()

	l, err := r.TryAcquire(ctx, "ord_1:release", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := r.TryAcquire(ctx, "ord_1:release", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := r.TryAcquire(ctx, "ord_1:release", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if _, err := r.TryAcquire(ctx, "ord_1:release", time.Minute); err != nil {
		t.Fatalf("expected expired lease to be reclaimable: %v", err)
	}
	// Releasing the expired lease must not free the new holder.
	_ = again.Release(ctx)
	if _, err := r.TryAcquire(ctx, "ord_1:release", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("stale release freed another owner's lease: %v", err)
	}
}
