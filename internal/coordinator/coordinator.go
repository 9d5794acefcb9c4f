// Package coordinator drives marketplace orders through their lifecycle.
//
// It is the only writer of order status. Each request validates the actor
// and source state against the ledger, then either applies the transition
// directly or, for transitions that move escrowed funds, records the
// settlement intent and applies the new status only once the on-chain
// operation is confirmed:
//
//	PENDING     --accept(seller)-->           ACCEPTED
//	ACCEPTED    --start(seller)-->            IN_PROGRESS
//	IN_PROGRESS --deliver(seller)-->          DELIVERED
//	DELIVERED   --confirm(buyer)-->           COMPLETED  (release)
//	DELIVERED   --request_revision(buyer)-->  IN_PROGRESS
//	PENDING|ACCEPTED --reject(seller)-->      REJECTED   (refund)
//	PENDING|ACCEPTED|IN_PROGRESS --deadline-> CANCELLED  (refund)
//
// An order itself only comes into existence when its escrow deposit
// confirms. Until then a placement is reported as AWAITING_DEPOSIT.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/gigs"
	"github.com/mbd888/agentbazaar/internal/idgen"
	"github.com/mbd888/agentbazaar/internal/lease"
	"github.com/mbd888/agentbazaar/internal/orders"
	"github.com/mbd888/agentbazaar/internal/pagination"
	"github.com/mbd888/agentbazaar/internal/settlement"
	"github.com/mbd888/agentbazaar/internal/syncutil"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("actor is not permitted to perform this action")
	ErrInvalidTransition = errors.New("invalid source state for this action")
	ErrInsufficientFunds = errors.New("insufficient funds for escrow")
	ErrPlacementFailed   = errors.New("escrow deposit failed; order was not placed")
	ErrNotSettlementFail = errors.New("order is not awaiting settlement retry")
)

const (
	// StatusAwaitingDeposit is reported for a placement whose deposit has
	// been submitted but not yet confirmed. No order exists yet.
	StatusAwaitingDeposit = "AWAITING_DEPOSIT"

	// SystemActor is recorded for transitions the service fires itself.
	SystemActor = "system"

	MaxBriefLength    = 10_000
	MaxPayloadLength  = 64 << 10
	maxConflictRetry  = 3
	defaultLeaseTTL   = 30 * time.Second
	defaultListLimit  = 100
	placementPoll     = time.Second
	depositKind       = "deposit"
	releaseKind       = "release"
	refundKind        = "refund"
	settlementLeaseNS = "settlement:"
)

// View is what every coordinator operation returns: the authoritative order
// status plus whether a settlement is still in flight.
type View struct {
	OrderID              string                 `json:"orderId"`
	Status               string                 `json:"status"`
	Settlement           orders.SettlementState `json:"settlement,omitempty"`
	AwaitingConfirmation bool                   `json:"awaitingConfirmation"`
	PendingStatus        orders.Status          `json:"pendingStatus,omitempty"`
	PendingTxHash        string                 `json:"pendingTxHash,omitempty"`
	LastError            string                 `json:"lastError,omitempty"`
	Order                *orders.Order          `json:"order,omitempty"`
}

// Service coordinates orders, escrow settlement and lifecycle events.
type Service struct {
	orders   orders.Store
	gigs     gigs.Store
	settle   *settlement.Service
	leaser   lease.Leaser
	locks    *syncutil.KeyedMutex
	events   events.Publisher
	logger   *slog.Logger
	leaseTTL time.Duration
	wait     time.Duration
	now      func() time.Time
}

// NewService creates a coordinator.
func NewService(store orders.Store, gigStore gigs.Store, settle *settlement.Service) *Service {
	return &Service{
		orders:   store,
		gigs:     gigStore,
		settle:   settle,
		leaser:   lease.NewMemoryLeaser(),
		locks:    syncutil.NewKeyedMutex(),
		events:   events.Nop{},
		logger:   slog.Default(),
		leaseTTL: defaultLeaseTTL,
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithLeaser shares operation leases with the reconciliation loop and other
// replicas.
func (s *Service) WithLeaser(l lease.Leaser, ttl time.Duration) *Service {
	s.leaser = l
	if ttl > 0 {
		s.leaseTTL = ttl
	}
	return s
}

// WithEvents publishes lifecycle events to p.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithPlacementWait makes PlaceOrder poll a submitted deposit for up to d
// before answering AWAITING_DEPOSIT.
func (s *Service) WithPlacementWait(d time.Duration) *Service {
	s.wait = d
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Settlement exposes the settlement service for the reconciliation loop.
func (s *Service) Settlement() *settlement.Service { return s.settle }

// Leaser returns the lease provider operations are claimed through.
func (s *Service) Leaser() lease.Leaser { return s.leaser }

// LeaseTTL returns how long an operation lease is held.
func (s *Service) LeaseTTL() time.Duration { return s.leaseTTL }

// Get returns the current view of an order. A placement whose deposit is
// still unconfirmed is reported as AWAITING_DEPOSIT.
func (s *Service) Get(ctx context.Context, orderID string) (*View, error) {
	o, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		op, opErr := s.settle.Get(ctx, depositKey(orderID))
		if opErr != nil || op.Abandoned() || op.Outcome == settlement.OutcomeConfirmed {
			return nil, err
		}
		return awaitingDeposit(op), nil
	}
	if err != nil {
		return nil, err
	}
	return s.view(ctx, o), nil
}

// OrderPage is one page of an agent's orders.
type OrderPage struct {
	Orders     []*orders.Order
	NextCursor string
	HasMore    bool
}

// ListByAgent returns a page of orders where agent is buyer or seller,
// newest first. cursor is the NextCursor of the previous page.
func (s *Service) ListByAgent(ctx context.Context, agent, cursor string, limit int) (*OrderPage, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	list, err := s.orders.ListByAgent(ctx, strings.ToLower(agent), after, limit+1)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(list, limit, func(o *orders.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return &OrderPage{Orders: page, NextCursor: next, HasMore: more}, nil
}

// ListStuckDeposits returns escalated deposits: placements whose deposit
// ran out of attempts while a transaction for it may still land. No order
// exists for them yet.
func (s *Service) ListStuckDeposits(ctx context.Context, limit int) ([]*settlement.Operation, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	escalated, err := s.settle.ListEscalated(ctx, limit)
	if err != nil {
		return nil, err
	}
	var deposits []*settlement.Operation
	for _, op := range escalated {
		if op.Kind == settlement.KindDeposit {
			deposits = append(deposits, op)
		}
	}
	return deposits, nil
}

// ListSettlementFailed returns orders awaiting an operator.
func (s *Service) ListSettlementFailed(ctx context.Context, limit int) ([]*orders.Order, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.orders.ListBySettlement(ctx, orders.SettlementFailed, limit)
}

// Settlements returns the settlement operations recorded for an order.
func (s *Service) Settlements(ctx context.Context, orderID string) ([]*settlement.Operation, error) {
	return s.settle.ListByOrder(ctx, orderID)
}

func (s *Service) view(ctx context.Context, o *orders.Order) *View {
	v := &View{
		OrderID:       o.ID,
		Status:        string(o.Status),
		Settlement:    o.Settlement,
		PendingStatus: o.PendingStatus,
		Order:         o,
	}
	if o.Settlement == orders.SettlementNone {
		return v
	}
	v.AwaitingConfirmation = o.Settlement == orders.SettlementPending
	if op, err := s.settle.Get(ctx, settlementKey(o.ID, o.PendingStatus)); err == nil {
		v.PendingTxHash = op.TxHash
		v.LastError = op.LastError
	}
	return v
}

func awaitingDeposit(op *settlement.Operation) *View {
	return &View{
		OrderID:              op.OrderID,
		Status:               StatusAwaitingDeposit,
		Settlement:           orders.SettlementPending,
		AwaitingConfirmation: true,
		PendingStatus:        orders.StatusPending,
		PendingTxHash:        op.TxHash,
		LastError:            op.LastError,
	}
}

// withLock serializes work on one order within this process. The ledger's
// compare-and-swap covers writers in other processes.
func (s *Service) withLock(ctx context.Context, orderID string, fn func() error) error {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// drive makes one attempt and one poll on a settlement operation under its
// lease. If another worker holds the lease the operation is returned as
// currently stored.
func (s *Service) drive(ctx context.Context, key string) (*settlement.Operation, error) {
	l, err := s.leaser.TryAcquire(ctx, settlementLeaseNS+key, s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return s.settle.Get(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()
	return s.driveHeld(ctx, key)
}

// driveHeld is drive for a caller that already holds the operation's lease.
// An escalated operation gets no attempt; the chain is asked whether its
// transaction landed late.
func (s *Service) driveHeld(ctx context.Context, key string) (*settlement.Operation, error) {
	op, attemptErr := s.settle.Attempt(ctx, key)
	if op == nil {
		return nil, attemptErr
	}
	if attemptErr != nil {
		return op, attemptErr
	}
	poll := s.settle.Refresh
	if op.Escalated {
		poll = s.settle.Recover
	}
	refreshed, err := poll(ctx, key)
	if err != nil {
		s.logger.Warn("settlement poll deferred", "key", key, "error", err)
		return op, nil
	}
	return refreshed, nil
}

// markApplied takes a confirmed operation off the reconciliation queue once
// its outcome is in the ledger. A failure leaves it queued and the next
// pass applies it again.
func (s *Service) markApplied(ctx context.Context, op *settlement.Operation) {
	if op.Outcome != settlement.OutcomeConfirmed || op.AppliedAt != nil {
		return
	}
	if err := s.settle.MarkApplied(ctx, op.Key); err != nil {
		s.logger.Warn("failed to mark settlement applied", "key", op.Key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, typ events.Type, o *orders.Order, actor, txHash string) {
	ev := events.Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       typ,
		OrderID:    o.ID,
		Status:     string(o.Status),
		Settlement: string(o.Settlement),
		Actor:      actor,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		Amount:     o.Price,
		TxHash:     txHash,
		At:         s.now(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("order event not delivered", "order_id", o.ID, "type", typ, "error", err)
	}
}

func depositKey(orderID string) string {
	return idgen.Key(orderID, depositKind)
}

// settlementKey returns the key of the release or refund that moves an
// order to target.
func settlementKey(orderID string, target orders.Status) string {
	if target == orders.StatusCompleted {
		return idgen.Key(orderID, releaseKind)
	}
	return idgen.Key(orderID, refundKind)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
