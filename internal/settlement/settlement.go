// Package settlement moves escrowed funds on-chain and tracks each movement
// to a final outcome.
//
// Every deposit, release or refund is an Operation keyed by a deterministic
// idempotency key (order ID plus kind). The operation record is written
// before anything is sent, the attempt counter is persisted before each
// submission, and any attempt after the first asks the chain whether a
// transaction with the same key already exists. A crash at any point
// therefore resumes from durable state without moving funds twice.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/agentbazaar/internal/chain"
)

var (
	ErrOperationNotFound   = errors.New("settlement operation not found")
	ErrDuplicateKey        = errors.New("settlement operation already exists")
	ErrStale               = errors.New("settlement operation was modified concurrently")
	ErrSubmission          = errors.New("settlement submission failed")
	ErrConfirmationTimeout = errors.New("settlement confirmation timed out")
	ErrReverted            = errors.New("settlement transaction reverted")
	ErrInsufficientFunds   = errors.New("insufficient funds for escrow")
	ErrNotRetryable        = errors.New("settlement operation is not awaiting operator retry")
)

// Kind is the direction of a fund movement.
type Kind string

const (
	KindDeposit Kind = "DEPOSIT" // buyer -> escrow
	KindRelease Kind = "RELEASE" // escrow -> seller
	KindRefund  Kind = "REFUND"  // escrow -> buyer
)

// Outcome is the state of an operation.
//
// PENDING covers both "queued for submission" (no TxHash) and "submitted,
// awaiting confirmation" (TxHash set). FAILED means the last attempt failed;
// the operation is retried after NextAttemptAt until its attempts run out,
// after which it is escalated for an operator.
type Outcome string

const (
	OutcomePending   Outcome = "PENDING"
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeFailed    Outcome = "FAILED"
)

// Operation is one on-chain escrow call.
type Operation struct {
	Key           string          `json:"key"`
	OrderID       string          `json:"orderId"`
	Kind          Kind            `json:"kind"`
	Amount        string          `json:"amount"`
	Payer         string          `json:"payer"`
	Payee         string          `json:"payee"`
	TxHash        string          `json:"txHash,omitempty"`
	PriorTxHashes []string        `json:"priorTxHashes,omitempty"`
	Confirmations uint64          `json:"confirmations"`
	Outcome       Outcome         `json:"outcome"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmedAt,omitempty"`
	AppliedAt     *time.Time      `json:"appliedAt,omitempty"` // confirmed outcome written to the order ledger
	LastError     string          `json:"lastError,omitempty"`
	Escalated     bool            `json:"escalated"`
	RequestedBy   string          `json:"requestedBy"`
	Target        string          `json:"target,omitempty"` // order status applied on confirmation
	Draft         json.RawMessage `json:"-"`                // deposit only: the order to create on confirmation
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Version       int64           `json:"-"`
}

// InFlight reports whether the operation has a submitted transaction whose
// outcome is not known yet.
func (op *Operation) InFlight() bool {
	return op.Outcome == OutcomePending && op.TxHash != ""
}

// Exhausted reports whether no further automatic attempt will be made.
func (op *Operation) Exhausted() bool {
	return op.Outcome == OutcomeFailed && op.Attempts >= op.MaxAttempts
}

// Abandoned reports whether a deposit failed for good without anything
// reaching the chain. No order exists for it and no funds moved. An
// exhausted deposit that may still land is escalated instead.
func (op *Operation) Abandoned() bool {
	return op.Kind == KindDeposit && op.Exhausted() && !op.Escalated
}

// Clone returns a deep copy.
func (op *Operation) Clone() *Operation {
	cp := *op
	if op.PriorTxHashes != nil {
		cp.PriorTxHashes = append([]string(nil), op.PriorTxHashes...)
	}
	if op.Draft != nil {
		cp.Draft = append(json.RawMessage(nil), op.Draft...)
	}
	if op.SubmittedAt != nil {
		t := *op.SubmittedAt
		cp.SubmittedAt = &t
	}
	if op.ConfirmedAt != nil {
		t := *op.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if op.AppliedAt != nil {
		t := *op.AppliedAt
		cp.AppliedAt = &t
	}
	return &cp
}

// Chain is the on-chain escrow ledger.
type Chain interface {
	// Submit broadcasts the operation and returns its transaction hash.
	Submit(ctx context.Context, op *Operation) (string, error)
	// Poll reports the status of a submitted transaction.
	Poll(ctx context.Context, txHash string) (chain.Receipt, error)
	// Lookup finds a prior successful or in-flight submission for key.
	Lookup(ctx context.Context, key string) (txHash string, found bool, err error)
	// Balance returns an agent's spendable token balance in smallest units.
	Balance(ctx context.Context, agent string) (*big.Int, error)
}

// Store persists settlement operations keyed by idempotency key.
type Store interface {
	// Create inserts op. Returns ErrDuplicateKey if the key exists.
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, key string) (*Operation, error)
	// Update writes op if its Version matches the stored one, then bumps
	// op.Version. Returns ErrStale otherwise.
	Update(ctx context.Context, op *Operation) error
	ListByOrder(ctx context.Context, orderID string) ([]*Operation, error)
	// ListInFlight returns PENDING operations with a transaction hash.
	ListInFlight(ctx context.Context, limit int) ([]*Operation, error)
	// ListDue returns operations awaiting submission whose NextAttemptAt has
	// passed: PENDING without a hash, or FAILED with attempts left.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Operation, error)
	ListEscalated(ctx context.Context, limit int) ([]*Operation, error)
	// ListUnapplied returns CONFIRMED operations whose outcome has not been
	// written to the order ledger, oldest confirmation first.
	ListUnapplied(ctx context.Context, limit int) ([]*Operation, error)
	// MarkApplied records that a confirmed operation's outcome reached the
	// order ledger. It is a no-op for operations already marked.
	MarkApplied(ctx context.Context, key string, at time.Time) error
}

func isDue(op *Operation, now time.Time) bool {
	if op.NextAttemptAt.After(now) {
		return false
	}
	switch op.Outcome {
	case OutcomePending:
		return op.TxHash == ""
	case OutcomeFailed:
		return op.Attempts < op.MaxAttempts
	}
	return false
}
