// Package events publishes order lifecycle events to downstream sinks
// (Kafka for other services, the WebSocket hub for live clients).
//
// Events are emitted after the ledger write they describe has committed.
// Delivery is best effort: a sink failure is logged and counted but never
// fails or rolls back the order operation.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/agentbazaar/internal/metrics"
)

// Type names an order event.
type Type string

const (
	OrderPlaced            Type = "order.placed"
	OrderAccepted          Type = "order.accepted"
	OrderStarted           Type = "order.started"
	OrderDelivered         Type = "order.delivered"
	OrderRevisionRequested Type = "order.revision_requested"
	OrderSettlementPending Type = "order.settlement_pending"
	OrderCompleted         Type = "order.completed"
	OrderRejected          Type = "order.rejected"
	OrderCancelled         Type = "order.cancelled"
	OrderSettlementFailed  Type = "order.settlement_failed"
	ReviewRecorded         Type = "review.recorded"
)

// Event is one lifecycle change.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OrderID    string    `json:"orderId"`
	Status     string    `json:"status"`
	Settlement string    `json:"settlement,omitempty"`
	Actor      string    `json:"actor"`
	BuyerID    string    `json:"buyerId"`
	SellerID   string    `json:"sellerId"`
	Amount     string    `json:"amount,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	At         time.Time `json:"at"`
}

// Involves reports whether agent is a party to the event's order.
func (e Event) Involves(agent string) bool {
	return strings.EqualFold(e.BuyerID, agent) || strings.EqualFold(e.SellerID, agent)
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Sink is a named publisher for metrics and logs.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Fanout publishes every event to each sink in turn.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fanout over sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (f *Fanout) Add(name string, p Publisher) {
	f.sinks = append(f.sinks, Sink{Name: name, Publisher: p})
}

// Publish delivers ev to every sink. Errors from individual sinks are
// logged, counted and joined; every sink is attempted.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(s.Name, "error").Inc()
			f.logger.Warn("event publish failed",
				"sink", s.Name, "type", ev.Type, "order_id", ev.OrderID, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(s.Name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory; used by tests.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a recorder buffering up to n events.
func NewRecorder(n int) *Recorder {
	return &Recorder{ch: make(chan Event, n)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.ch <- ev:
		return nil
	default:
		return errors.New("recorder full")
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
