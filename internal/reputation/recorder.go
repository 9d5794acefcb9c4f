package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/circuitbreaker"
	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/idgen"
	"github.com/mbd888/agentbazaar/internal/lease"
	"github.com/mbd888/agentbazaar/internal/metrics"
	"github.com/mbd888/agentbazaar/internal/retry"
)

const (
	breakerKey = "chain"
	leaseTTL   = 30 * time.Second
)

// Recorder accepts reviews and drives them onto the reputation ledger.
type Recorder struct {
	store          Store
	ledger         Ledger
	guard          Guard
	leaser         lease.Leaser
	events         events.Publisher
	breaker        *circuitbreaker.Breaker
	calc           *Calculator
	logger         *slog.Logger
	backoff        retry.Backoff
	confirmTimeout time.Duration
	now            func() time.Time
}

// NewRecorder creates a recorder. guard decides who may review an order.
func NewRecorder(store Store, ledger Ledger, guard Guard) *Recorder {
	return &Recorder{
		store:          store,
		ledger:         ledger,
		guard:          guard,
		leaser:         lease.NewMemoryLeaser(),
		events:         events.Nop{},
		calc:           NewCalculator(),
		logger:         slog.Default(),
		backoff:        retry.DefaultBackoff,
		confirmTimeout: 10 * time.Minute,
		now:            time.Now,
	}
}

// WithLogger sets the logger.
func (r *Recorder) WithLogger(l *slog.Logger) *Recorder {
	r.logger = l
	return r
}

// WithLeaser shares a leaser with other workers.
func (r *Recorder) WithLeaser(l lease.Leaser) *Recorder {
	r.leaser = l
	return r
}

// WithEvents publishes review.recorded events to p.
func (r *Recorder) WithEvents(p events.Publisher) *Recorder {
	r.events = p
	return r
}

// WithBreaker routes ledger calls through b.
func (r *Recorder) WithBreaker(b *circuitbreaker.Breaker) *Recorder {
	r.breaker = b
	return r
}

// WithPolicy sets the retry schedule and how long a submitted review may
// stay unconfirmed before it is resubmitted.
func (r *Recorder) WithPolicy(backoff retry.Backoff, confirmTimeout time.Duration) *Recorder {
	r.backoff = backoff
	if confirmTimeout > 0 {
		r.confirmTimeout = confirmTimeout
	}
	return r
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	r.calc.now = now
	return r
}

// Submit records reviewer's rating of the counterparty on orderID. The
// review is stored and one submission is tried at once; if recording does
// not succeed now it is retried by Advance and the review is still returned.
func (r *Recorder) Submit(ctx context.Context, orderID, reviewer string, rating int, comment string) (*Review, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	if !utf8.ValidString(comment) || len(comment) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}
	reviewer = strings.ToLower(reviewer)

	subject, err := r.guard.CanReview(ctx, orderID, reviewer)
	if err != nil {
		return nil, err
	}

	now := r.now()
	key := idgen.Key(orderID, "review", reviewer)
	rev := &Review{
		ID:            idgen.Derived("rev_", key),
		OrderID:       orderID,
		ReviewerID:    reviewer,
		SubjectID:     strings.ToLower(subject),
		Rating:        rating,
		Comment:       strings.TrimSpace(comment),
		Key:           key,
		Outcome:       OutcomePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.Create(ctx, rev); err != nil {
		return nil, err
	}
	metrics.ReviewsTotal.WithLabelValues("created").Inc()
	r.logger.Info("review created",
		"review_id", rev.ID, "order_id", orderID, "reviewer", reviewer, "rating", rating)

	if out, err := r.process(ctx, rev.ID); err != nil {
		r.logger.Warn("review recording deferred", "review_id", rev.ID, "error", err)
	} else if out != nil {
		rev = out
	}
	return rev, nil
}

// Advance moves pending reviews forward: in-flight ones are polled and due
// ones are (re)submitted. It returns how many reviews it touched.
func (r *Recorder) Advance(ctx context.Context, limit int) (int, error) {
	pending, err := r.store.ListPending(ctx, r.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rev := range pending {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := r.process(ctx, rev.ID); err != nil {
			if !errors.Is(err, lease.ErrHeld) {
				r.logger.Warn("review advance failed", "review_id", rev.ID, "error", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

// process runs one attempt and one refresh under the review's lease.
func (r *Recorder) process(ctx context.Context, id string) (*Review, error) {
	l, err := r.leaser.TryAcquire(ctx, "review:"+id, leaseTTL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	rev, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rev, err = r.attempt(ctx, rev); err != nil {
		return rev, err
	}
	return r.refresh(ctx, rev)
}

func (r *Recorder) attempt(ctx context.Context, rev *Review) (*Review, error) {
	now := r.now()
	if !isDue(rev, now) {
		return rev, nil
	}

	rev.Attempts++
	rev.Outcome = OutcomePending
	rev.LastError = ""
	rev.UpdatedAt = now
	if err := r.store.Update(ctx, rev); err != nil {
		return nil, fmt.Errorf("failed to record review attempt: %w", err)
	}

	var txHash string
	if rev.Attempts > 1 {
		var found bool
		err := r.call(func() error {
			var lookupErr error
			txHash, found, lookupErr = r.ledger.Lookup(ctx, rev.Key)
			return lookupErr
		})
		if err != nil {
			return r.fail(ctx, rev, fmt.Errorf("lookup: %w", err))
		}
		if found {
			r.logger.Info("adopted prior review submission", "review_id", rev.ID, "tx_hash", txHash)
		}
	}
	if txHash == "" {
		err := r.call(func() error {
			var recErr error
			txHash, recErr = r.ledger.Record(ctx, rev)
			return recErr
		})
		if err != nil {
			return r.fail(ctx, rev, err)
		}
	}

	submitted := r.now()
	rev.TxHash = txHash
	rev.SubmittedAt = &submitted
	rev.UpdatedAt = submitted
	if err := r.store.Update(ctx, rev); err != nil {
		r.logger.Error("review submitted but not recorded",
			"review_id", rev.ID, "tx_hash", txHash, "error", err)
		return nil, fmt.Errorf("failed to record review submission %s: %w", txHash, err)
	}
	return rev, nil
}

func (r *Recorder) refresh(ctx context.Context, rev *Review) (*Review, error) {
	if !rev.InFlight() {
		return rev, nil
	}
	var rcpt chain.Receipt
	pollErr := r.call(func() error {
		var err error
		rcpt, err = r.ledger.Poll(ctx, rev.TxHash)
		return err
	})
	now := r.now()

	if pollErr == nil {
		switch rcpt.Status {
		case chain.TxConfirmed:
			rev.Outcome = OutcomeConfirmed
			rev.ConfirmedAt = &now
			rev.UpdatedAt = now
			if err := r.store.Update(ctx, rev); err != nil {
				return nil, err
			}
			metrics.ReviewsTotal.WithLabelValues("confirmed").Inc()
			r.logger.Info("review recorded on-chain",
				"review_id", rev.ID, "order_id", rev.OrderID, "tx_hash", rev.TxHash)
			err := r.events.Publish(ctx, events.Event{
				ID:      idgen.WithPrefix("evt_"),
				Type:    events.ReviewRecorded,
				OrderID: rev.OrderID,
				Actor:   rev.ReviewerID,
				TxHash:  rev.TxHash,
				At:      now,
			})
			if err != nil {
				r.logger.Warn("review event not delivered",
					"review_id", rev.ID, "order_id", rev.OrderID, "error", err)
			}
			return rev, nil
		case chain.TxReverted:
			return r.fail(ctx, rev, chain.ErrReverted)
		}
	}
	if rev.SubmittedAt != nil && now.Sub(*rev.SubmittedAt) > r.confirmTimeout {
		return r.fail(ctx, rev, ErrConfirmTimeout)
	}
	return rev, nil
}

// fail records a failed attempt. Reviews have no attempt limit; the backoff
// is capped so a review keeps being retried at a steady pace.
func (r *Recorder) fail(ctx context.Context, rev *Review, cause error) (*Review, error) {
	now := r.now()
	rev.Outcome = OutcomeFailed
	rev.LastError = cause.Error()
	rev.TxHash = ""
	rev.NextAttemptAt = r.backoff.Next(now, rev.Attempts)
	rev.UpdatedAt = now
	if err := r.store.Update(ctx, rev); err != nil {
		return nil, fmt.Errorf("failed to record review failure: %w", err)
	}
	metrics.ReviewsTotal.WithLabelValues("failed").Inc()
	r.logger.Warn("review recording failed",
		"review_id", rev.ID, "attempt", rev.Attempts, "error", cause)
	return rev, nil
}

// ListByOrder returns the reviews left on an order.
func (r *Recorder) ListByOrder(ctx context.Context, orderID string) ([]*Review, error) {
	return r.store.ListByOrder(ctx, orderID)
}

// Summary computes agent's reputation from the reviews about it.
func (r *Recorder) Summary(ctx context.Context, agent string, recent int) (*Summary, error) {
	agent = strings.ToLower(agent)
	reviews, err := r.store.ListBySubject(ctx, agent, 0)
	if err != nil {
		return nil, err
	}
	s := r.calc.Calculate(agent, reviews)
	for _, rev := range reviews {
		if len(s.Recent) >= recent {
			break
		}
		if rev.Outcome == OutcomeConfirmed {
			s.Recent = append(s.Recent, rev)
		}
	}
	return s, nil
}

func (r *Recorder) call(fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	err := r.breaker.Execute(breakerKey, chain.IsNodeFailure, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", chain.ErrUnavailable, err)
	}
	return err
}
