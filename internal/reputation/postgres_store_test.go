//go:build integration

package reputation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/agentbazaar/internal/testutil"
)

func TestPostgresStore_Reviews(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := &Review{
		ID: "rev_1", OrderID: "ord_1", ReviewerID: "0xbuyer", SubjectID: "0xseller",
		Rating: 5, Comment: "fast", Key: "ord_1:review:0xbuyer",
		Outcome: OutcomePending, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := *r
	dup.ID = "rev_2"
	dup.Key = "other"
	if err := store.Create(ctx, &dup); !errors.Is(err, ErrDuplicateReview) {
		t.Fatalf("expected ErrDuplicateReview, got %v", err)
	}

	pending, err := store.ListPending(ctx, now, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending: %d, err %v", len(pending), err)
	}

	got, _ := store.Get(ctx, "rev_1")
	got.Outcome = OutcomeConfirmed
	got.TxHash = "0xfeed"
	got.ConfirmedAt = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Update(ctx, r); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	pending, _ = store.ListPending(ctx, now, 10)
	if len(pending) != 0 {
		t.Fatalf("confirmed reviews are not pending, got %d", len(pending))
	}
	bySubject, err := store.ListBySubject(ctx, "0xseller", 0)
	if err != nil || len(bySubject) != 1 || bySubject[0].TxHash != "0xfeed" {
		t.Fatalf("ListBySubject: %+v, err %v", bySubject, err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrReviewNotFound) {
		t.Fatalf("expected ErrReviewNotFound, got %v", err)
	}
}
