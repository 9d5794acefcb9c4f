// Package reputation records buyer and seller reviews immutably on the
// on-chain reputation ledger and summarizes them into agent scores.
//
// A review may only be left on a COMPLETED order, by one of its parties,
// once per party. Recording follows the same intent-first discipline as
// escrow settlement: the review row is stored before anything is sent,
// attempts are persisted before each submission, and resubmissions first
// look for a prior transaction carrying the review's idempotency key. A
// recording failure is retried in the background; it never affects the
// order.
package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/agentbazaar/internal/chain"
)

var (
	ErrReviewNotFound    = errors.New("reputation: review not found")
	ErrDuplicateReview   = errors.New("reputation: order already reviewed by this party")
	ErrInvalidRating     = errors.New("reputation: rating must be between 1 and 5")
	ErrCommentTooLong    = errors.New("reputation: comment too long")
	ErrOrderNotCompleted = errors.New("reputation: order is not completed")
	ErrNotParty          = errors.New("reputation: reviewer is not a party to the order")
	ErrStale             = errors.New("reputation: review was modified concurrently")
	ErrConfirmTimeout    = errors.New("reputation: confirmation timed out")
)

// MaxCommentLength bounds review comments (bytes).
const MaxCommentLength = 2000

// Outcome is the on-chain recording state of a review.
type Outcome string

const (
	OutcomePending   Outcome = "PENDING"
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeFailed    Outcome = "FAILED" // last attempt failed; retried after NextAttemptAt
)

// Review is one party's rating of the other on a completed order.
type Review struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	ReviewerID    string     `json:"reviewerId"`
	SubjectID     string     `json:"subjectId"`
	Rating        int        `json:"rating"`
	Comment       string     `json:"comment,omitempty"`
	Key           string     `json:"key"`
	TxHash        string     `json:"txHash,omitempty"`
	Outcome       Outcome    `json:"outcome"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Version       int64      `json:"-"`
}

// InFlight reports whether a submitted transaction awaits confirmation.
func (r *Review) InFlight() bool {
	return r.Outcome == OutcomePending && r.TxHash != ""
}

// Clone returns a deep copy.
func (r *Review) Clone() *Review {
	cp := *r
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		cp.SubmittedAt = &t
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

func isDue(r *Review, now time.Time) bool {
	if r.NextAttemptAt.After(now) {
		return false
	}
	return (r.Outcome == OutcomePending && r.TxHash == "") || r.Outcome == OutcomeFailed
}

// Guard decides whether reviewer may review an order and returns the
// subject (the counterparty). It wraps ErrOrderNotCompleted or ErrNotParty
// when the review is not allowed.
type Guard interface {
	CanReview(ctx context.Context, orderID, reviewer string) (subject string, err error)
}

// Ledger is the on-chain reputation ledger.
type Ledger interface {
	Record(ctx context.Context, r *Review) (txHash string, err error)
	Poll(ctx context.Context, txHash string) (chain.Receipt, error)
	Lookup(ctx context.Context, key string) (txHash string, found bool, err error)
}

// Store persists reviews.
type Store interface {
	// Create inserts r. Returns ErrDuplicateReview if (OrderID, ReviewerID)
	// already has a review.
	Create(ctx context.Context, r *Review) error
	Get(ctx context.Context, id string) (*Review, error)
	// Update writes r if its Version matches, then bumps it. Returns
	// ErrStale otherwise.
	Update(ctx context.Context, r *Review) error
	ListByOrder(ctx context.Context, orderID string) ([]*Review, error)
	// ListBySubject returns reviews about subject, newest first. A limit of
	// zero or less returns all of them.
	ListBySubject(ctx context.Context, subject string, limit int) ([]*Review, error)
	// ListPending returns reviews not yet confirmed: in flight, or due for
	// an attempt at now.
	ListPending(ctx context.Context, now time.Time, limit int) ([]*Review, error)
}
