//go:build integration

package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/agentbazaar/internal/testutil"
)

func newOperation(key string, kind Kind, now time.Time) *Operation {
	return &Operation{
		Key:           key,
		OrderID:       "ord_pg",
		Kind:          kind,
		Amount:        "25.000000",
		Payer:         "0xbuyer",
		Payee:         "escrow:ord_pg",
		Outcome:       OutcomePending,
		MaxAttempts:   3,
		NextAttemptAt: now,
		RequestedBy:   "0xbuyer",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresStore_CreateUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	op := newOperation("ord_pg:deposit", KindDeposit, now)
	op.Draft = json.RawMessage(`{"id":"ord_pg"}`)
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newOperation("ord_pg:deposit", KindDeposit, now)); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := store.Get(ctx, op.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Draft) != `{"id":"ord_pg"}` || got.Amount != "25.000000" {
		t.Fatalf("unexpected operation %+v", got)
	}

	got.TxHash = "0xabc"
	got.Attempts = 1
	got.SubmittedAt = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Update(ctx, op); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for old version, got %v", err)
	}
	missing := newOperation("nope", KindRelease, now)
	missing.Version = 1
	if err := store.Update(ctx, missing); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	queued := newOperation("k:queued", KindRelease, now.Add(-time.Second))
	inflight := newOperation("k:inflight", KindRelease, now)
	inflight.TxHash = "0x1"
	inflight.SubmittedAt = &now
	exhausted := newOperation("k:exhausted", KindRefund, now.Add(-time.Second))
	exhausted.Outcome = OutcomeFailed
	exhausted.Attempts = 3
	exhausted.Escalated = true
	exhausted.PriorTxHashes = []string{"0x2", "0x3"}
	confirmed := newOperation("k:confirmed", KindDeposit, now)
	confirmed.Outcome = OutcomeConfirmed
	confirmed.TxHash = "0x4"
	confirmed.ConfirmedAt = &now

	for _, op := range []*Operation{queued, inflight, exhausted, confirmed} {
		if err := store.Create(ctx, op); err != nil {
			t.Fatalf("Create %s: %v", op.Key, err)
		}
	}

	due, err := store.ListDue(ctx, now, 10)
	if err != nil || len(due) != 1 || due[0].Key != "k:queued" {
		t.Fatalf("ListDue: %+v, err %v", due, err)
	}
	flying, err := store.ListInFlight(ctx, 10)
	if err != nil || len(flying) != 1 || flying[0].Key != "k:inflight" {
		t.Fatalf("ListInFlight: %+v, err %v", flying, err)
	}
	escalated, err := store.ListEscalated(ctx, 10)
	if err != nil || len(escalated) != 1 || len(escalated[0].PriorTxHashes) != 2 {
		t.Fatalf("ListEscalated: %+v, err %v", escalated, err)
	}
	unapplied, err := store.ListUnapplied(ctx, 10)
	if err != nil || len(unapplied) != 1 || unapplied[0].Key != "k:confirmed" {
		t.Fatalf("ListUnapplied: %+v, err %v", unapplied, err)
	}
	if err := store.MarkApplied(ctx, "k:confirmed", now); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	if err := store.MarkApplied(ctx, "k:confirmed", now.Add(time.Hour)); err != nil {
		t.Fatalf("repeat MarkApplied: %v", err)
	}
	if err := store.MarkApplied(ctx, "nope", now); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
	if unapplied, _ = store.ListUnapplied(ctx, 10); len(unapplied) != 0 {
		t.Fatalf("expected nothing unapplied, got %+v", unapplied)
	}
	marked, _ := store.Get(ctx, "k:confirmed")
	if marked.AppliedAt == nil || !marked.AppliedAt.Equal(now) {
		t.Fatalf("expected applied at %v, got %v", now, marked.AppliedAt)
	}
	all, err := store.ListByOrder(ctx, "ord_pg")
	if err != nil || len(all) != 4 {
		t.Fatalf("ListByOrder: %d, err %v", len(all), err)
	}
}
