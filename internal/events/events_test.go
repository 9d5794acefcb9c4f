package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestFanout_DeliversToEverySink(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	f := NewFanout(slog.New(slog.DiscardHandler), Sink{Name: "a", Publisher: a})
	f.Add("broken", failing{})
	f.Add("b", b)

	err := f.Publish(context.Background(), Event{Type: OrderPlaced, OrderID: "ord_1"})
	if err == nil {
		t.Fatal("expected the failing sink's error to be returned")
	}
	if len(a.Drain()) != 1 || len(b.Drain()) != 1 {
		t.Fatal("expected every healthy sink to receive the event despite the failure")
	}
}

func TestEvent_Involves(t *testing.T) {
	ev := Event{BuyerID: "0xbuyer", SellerID: "0xseller"}
	if !ev.Involves("0xBUYER") || !ev.Involves("0xseller") {
		t.Error("expected parties to be involved")
	}
	if ev.Involves("0xother") {
		t.Error("expected outsider not to be involved")
	}
}

func TestRecorder_Full(t *testing.T) {
	r := NewRecorder(1)
	ctx := context.Background()
	if err := r.Publish(ctx, Event{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish(ctx, Event{}); err == nil {
		t.Fatal("expected full recorder to reject")
	}
	if len(r.Drain()) != 1 {
		t.Fatal("expected one event")
	}
	if (Nop{}).Publish(ctx, Event{}) != nil {
		t.Fatal("Nop must not fail")
	}
}
