package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, fast, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want nil/3", err, calls)
	}
}

func TestDo_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, fast, func() error {
		calls++
		return errors.New("attempt failed")
	})
	if err == nil || err.Error() != "attempt failed" || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_AtLeastOneAttempt(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, fast, func() error { calls++; return errors.New("x") })
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	revert := errors.New("execution reverted")
	calls := 0
	err := Do(context.Background(), 5, fast, func() error {
		calls++
		return Permanent(revert)
	})
	if err != revert || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoIf_Classifier(t *testing.T) {
	busy := errors.New("lease held")
	invalid := errors.New("invalid transition")
	calls := 0
	err := DoIf(context.Background(), 5, fast, func(err error) bool { return errors.Is(err, busy) }, func() error {
		calls++
		if calls == 1 {
			return busy
		}
		return invalid
	})
	if !errors.Is(err, invalid) || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Backoff{Base: time.Hour}
	calls := 0
	err := Do(ctx, 3, slow, func() error {
		calls++
		cancel()
		return errors.New("node unreachable")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestBackoff_Schedule(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Minute}
	for _, tt := range []struct {
		attempt int
		nominal time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{30, time.Minute},
	} {
		lo, hi := tt.nominal*3/4, tt.nominal*5/4
		for range 10 {
			if d := b.Delay(tt.attempt); d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", tt.attempt, d, lo, hi)
			}
		}
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if next := b.Next(now, 1); next.Before(now.Add(3750 * time.Millisecond)) {
		t.Fatalf("Next = %v", next)
	}
	if (Backoff{}).Delay(3) != 0 {
		t.Fatal("zero backoff should not wait")
	}
}

func TestIsPermanent(t *testing.T) {
	inner := errors.New("bad signature")
	wrapped := Permanent(inner)
	if !IsPermanent(wrapped) || IsPermanent(inner) {
		t.Fatal("IsPermanent misclassified")
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("Permanent should unwrap")
	}
}
