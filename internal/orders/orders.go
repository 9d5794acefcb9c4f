// Package orders is the ledger of marketplace orders: the authoritative
// lifecycle state of each purchase and its append-only status history.
//
// The ledger does not decide which transitions are requested. It enforces
// that whatever is written follows the lifecycle graph, that write-once
// references are never overwritten, and that concurrent writers for the same
// order serialize through CompareAndSwap.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentbazaar/internal/pagination"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrAlreadyExists = errors.New("order already exists")
	ErrConflict      = errors.New("order was modified concurrently")
	ErrIllegalWrite  = errors.New("write violates order lifecycle")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "PENDING"     // Escrow deposited, awaiting seller
	StatusAccepted   Status = "ACCEPTED"    // Seller took the order
	StatusInProgress Status = "IN_PROGRESS" // Seller is working
	StatusDelivered  Status = "DELIVERED"   // Work handed over, awaiting buyer
	StatusCompleted  Status = "COMPLETED"   // Buyer accepted, escrow released
	StatusRejected   Status = "REJECTED"    // Seller declined, escrow refunded
	StatusCancelled  Status = "CANCELLED"   // Deadline passed, escrow refunded
)

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusDelivered,
		StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// SettlementState marks an order whose terminal transition is waiting on an
// on-chain release or refund.
type SettlementState string

const (
	SettlementNone    SettlementState = ""
	SettlementPending SettlementState = "PENDING"
	// SettlementFailed is the SETTLEMENT_FAILED sub-state: retries are
	// exhausted and an operator must intervene. Status keeps the last
	// non-terminal value.
	SettlementFailed SettlementState = "FAILED"
)

// StatusChange is one entry of an order's status history.
type StatusChange struct {
	Status Status    `json:"status"`
	Actor  string    `json:"actor"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// Order is a single purchase of one pricing tier of one gig.
type Order struct {
	ID              string          `json:"id"`
	GigID           string          `json:"gigId"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	Tier            string          `json:"tier"`
	Price           string          `json:"price"`
	Brief           string          `json:"brief"`
	Status          Status          `json:"status"`
	Settlement      SettlementState `json:"settlement,omitempty"`
	PendingStatus   Status          `json:"pendingStatus,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	EscrowTxRef     string          `json:"escrowTxRef,omitempty"`
	ReleaseTxRef    string          `json:"releaseTxRef,omitempty"`
	DeliveryPayload string          `json:"deliveryPayload,omitempty"`
	Revisions       int             `json:"revisions"`
	StatusHistory   []StatusChange  `json:"statusHistory"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Version         int64           `json:"version"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Party reports whether agent is the buyer or seller of the order.
func (o *Order) Party(agent string) bool {
	return agent != "" && (agent == o.BuyerID || agent == o.SellerID)
}

// Counterparty returns the other party of the order.
func (o *Order) Counterparty(agent string) string {
	if agent == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Deadline != nil {
		d := *o.Deadline
		cp.Deadline = &d
	}
	if o.StatusHistory != nil {
		cp.StatusHistory = make([]StatusChange, len(o.StatusHistory))
		copy(cp.StatusHistory, o.StatusHistory)
	}
	return &cp
}

// Store persists orders.
type Store interface {
	// Create inserts a new order. The order must be PENDING with its escrow
	// reference set. Returns ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// CompareAndSwap replaces the stored order with next if the stored
	// status and version still equal expected and next.Version. On success
	// next.Version is incremented and changes are appended to the history.
	// Returns ErrConflict on mismatch.
	CompareAndSwap(ctx context.Context, expected Status, next *Order, changes ...StatusChange) error
	// AppendHistory appends an annotation without changing state.
	AppendHistory(ctx context.Context, id string, change StatusChange) error
	// ListByAgent returns orders where agent is buyer or seller, newest
	// first, starting after the cursor when one is given.
	ListByAgent(ctx context.Context, agent string, after *pagination.Cursor, limit int) ([]*Order, error)
	// ListPastDeadline returns orders the deadline rule applies to, with no
	// settlement in flight, whose deadline is before now.
	ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	ListBySettlement(ctx context.Context, state SettlementState, limit int) ([]*Order, error)
}

// checkSwap validates a CAS write against the stored row. Both stores run it
// while holding the row.
func checkSwap(stored *Order, expected Status, next *Order) error {
	if stored.Status != expected || stored.Version != next.Version {
		return fmt.Errorf("%w: order %s is %s@%d, expected %s@%d",
			ErrConflict, stored.ID, stored.Status, stored.Version, expected, next.Version)
	}
	if next.Status != stored.Status && !CanTransition(stored.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalWrite, stored.Status, next.Status)
	}
	if stored.ReleaseTxRef != "" && next.ReleaseTxRef != stored.ReleaseTxRef {
		return fmt.Errorf("%w: release reference is write-once", ErrIllegalWrite)
	}
	if next.Status.IsTerminal() && next.Status != stored.Status && next.ReleaseTxRef == "" {
		return fmt.Errorf("%w: %s requires a confirmed settlement reference", ErrIllegalWrite, next.Status)
	}
	return nil
}

func checkCreate(o *Order) error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrIllegalWrite)
	}
	if o.Status != StatusPending {
		return fmt.Errorf("%w: orders are created PENDING, got %s", ErrIllegalWrite, o.Status)
	}
	if o.EscrowTxRef == "" {
		return fmt.Errorf("%w: order requires a confirmed escrow deposit", ErrIllegalWrite)
	}
	return nil
}
