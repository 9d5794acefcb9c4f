package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/lease"
	"github.com/mbd888/agentbazaar/internal/metrics"
	"github.com/mbd888/agentbazaar/internal/orders"
	"github.com/mbd888/agentbazaar/internal/reputation"
	"github.com/mbd888/agentbazaar/internal/settlement"
)

// settledBy maps a terminal status to the action that reaches it.
var settledBy = map[orders.Status]orders.Action{
	orders.StatusCompleted: orders.ActionConfirm,
	orders.StatusRejected:  orders.ActionReject,
	orders.StatusCancelled: orders.ActionDeadlineExceeded,
}

// Reconcile advances one settlement operation: it submits or polls it under
// its lease and applies the outcome to the order. A deposit that was opened
// but never attempted, and has outlived a lease, belongs to a placement
// that was interrupted before anything reached the chain; it is abandoned
// rather than submitted behind the buyer's back.
func (s *Service) Reconcile(ctx context.Context, key string) (*View, error) {
	op, err := s.settle.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if unattempted(op) && s.now().Sub(op.CreatedAt) > s.leaseTTL {
		return nil, s.abandonInterrupted(ctx, key)
	}

	if _, err := s.drive(ctx, key); err != nil {
		var subErr *settlement.SubmitError
		if !errors.As(err, &subErr) {
			return nil, err
		}
	}
	return s.ApplySettlement(ctx, key)
}

func unattempted(op *settlement.Operation) bool {
	return op.Kind == settlement.KindDeposit && op.Attempts == 0 && op.Outcome == settlement.OutcomePending
}

// abandonInterrupted abandons a deposit whose placement stopped before its
// first attempt. A placement holds the operation lease from its funds check
// until it has submitted, so a held lease means it is still running.
func (s *Service) abandonInterrupted(ctx context.Context, key string) error {
	l, err := s.leaser.TryAcquire(ctx, settlementLeaseNS+key, s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	op, err := s.settle.Get(ctx, key)
	if err != nil {
		return err
	}
	if unattempted(op) {
		s.abandon(ctx, key, errors.New("placement interrupted before submission"))
	}
	return nil
}

// ApplySettlement writes a settlement operation's current outcome into the
// order ledger: a confirmed deposit creates the order, a confirmed release
// or refund applies the terminal status, and an exhausted one marks the
// order SETTLEMENT_FAILED. It is idempotent.
func (s *Service) ApplySettlement(ctx context.Context, key string) (*View, error) {
	op, err := s.settle.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var view *View
	err = s.withLock(ctx, op.OrderID, func() error {
		// An operator retry may have reopened it while we waited.
		if op, err = s.settle.Get(ctx, key); err != nil {
			return err
		}
		if op.Kind != settlement.KindDeposit {
			view, err = s.applyLocked(ctx, op)
			return err
		}
		switch {
		case op.Outcome == settlement.OutcomeConfirmed:
			view, err = s.createFromDeposit(ctx, op)
			return err
		case op.Abandoned():
			s.logger.Info("placement abandoned", "order_id", op.OrderID, "error", op.LastError)
			return nil
		}
		view = awaitingDeposit(op)
		return nil
	})
	return view, err
}

// applyLocked applies a release or refund outcome. The caller holds the
// order lock.
func (s *Service) applyLocked(ctx context.Context, op *settlement.Operation) (*View, error) {
	target := orders.Status(op.Target)
	var view *View
	err := s.retryConflicts(func() error {
		o, err := s.orders.Get(ctx, op.OrderID)
		if err != nil {
			return err
		}
		if o.Status == target || o.PendingStatus != target {
			s.markApplied(ctx, op)
			view = s.view(ctx, o)
			return nil
		}

		now := s.now()
		next := o.Clone()
		next.UpdatedAt = now

		switch {
		case op.Outcome == settlement.OutcomeConfirmed:
			from := o.Status
			next.Status = target
			next.Settlement = orders.SettlementNone
			next.PendingStatus = ""
			next.ReleaseTxRef = op.TxHash
			change := orders.StatusChange{
				Status: target,
				Actor:  op.RequestedBy,
				Note:   strings.ToLower(string(op.Kind)) + " " + op.TxHash,
				At:     now,
			}
			if err := s.orders.CompareAndSwap(ctx, from, next, change); err != nil {
				return err
			}
			action := settledBy[target]
			metrics.OrderTransitionsTotal.WithLabelValues(string(action)).Inc()
			s.logger.Info("order settled",
				"order_id", o.ID, "from", from, "to", target, "kind", op.Kind, "tx_hash", op.TxHash)
			s.publish(ctx, transitionEvents[action], next, op.RequestedBy, op.TxHash)
			s.markApplied(ctx, op)

		case op.Exhausted():
			if o.Settlement == orders.SettlementFailed {
				view = s.view(ctx, o)
				return nil
			}
			next.Settlement = orders.SettlementFailed
			if err := s.orders.CompareAndSwap(ctx, o.Status, next); err != nil {
				return err
			}
			s.logger.Error("order settlement failed, operator action required",
				"order_id", o.ID, "status", o.Status, "target", target,
				"key", op.Key, "attempts", op.Attempts, "error", op.LastError)
			s.publish(ctx, events.OrderSettlementFailed, next, SystemActor, "")

		case o.Settlement == orders.SettlementFailed:
			// The operation was reopened directly on the settlement service.
			next.Settlement = orders.SettlementPending
			if err := s.orders.CompareAndSwap(ctx, o.Status, next); err != nil {
				return err
			}

		default:
			view = s.view(ctx, o)
			return nil
		}
		view = s.view(ctx, next)
		return nil
	})
	return view, err
}

// ExpireOverdue fires deadline_exceeded on every order past its deadline
// that has no settlement in flight. It returns how many it started.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.orders.ListPastDeadline(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range overdue {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.settleTransition(ctx, o.ID, SystemActor, orders.ActionDeadlineExceeded); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, orders.ErrConflict) {
				// Another writer moved it first.
				continue
			}
			s.logger.Warn("deadline expiry failed", "order_id", o.ID, "error", err)
			continue
		}
		s.logger.Info("order deadline exceeded", "order_id", o.ID, "status", o.Status, "deadline", o.Deadline)
		n++
	}
	return n, nil
}

// ResumePending repairs the two gaps a crash or a failed write can leave
// between the order ledger and settlement operations: an order marked
// settlement PENDING whose operation was never opened, and a confirmed
// operation whose outcome never reached the order. A confirmed operation
// stays listed until its outcome is applied, however long that takes.
// It returns how many orders it repaired.
func (s *Service) ResumePending(ctx context.Context, limit int) (int, error) {
	pending, err := s.orders.ListBySettlement(ctx, orders.SettlementPending, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range pending {
		rule, ok := orders.RuleFor(settledBy[o.PendingStatus])
		if !ok {
			s.logger.Error("order pending settlement toward unknown status",
				"order_id", o.ID, "pending_status", o.PendingStatus)
			continue
		}
		err := s.withLock(ctx, o.ID, func() error {
			op, err := s.openSettlement(ctx, o, rule, SystemActor)
			if err != nil {
				return err
			}
			_, err = s.applyLocked(ctx, op)
			return err
		})
		if err != nil {
			s.logger.Warn("resume settlement failed", "order_id", o.ID, "error", err)
			continue
		}
		n++
	}

	unapplied, err := s.settle.ListUnapplied(ctx, limit)
	if err != nil {
		return n, err
	}
	for _, op := range unapplied {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.ApplySettlement(ctx, op.Key); err != nil {
			s.logger.Warn("apply confirmed settlement failed", "key", op.Key, "order_id", op.OrderID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// RetrySettlement is the operator's action on a SETTLEMENT_FAILED order: the
// release or refund gets a fresh attempt budget and is tried again.
func (s *Service) RetrySettlement(ctx context.Context, orderID, operator string) (*View, error) {
	var view *View
	err := s.withLock(ctx, orderID, func() error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Settlement != orders.SettlementFailed {
			return fmt.Errorf("%w: order %s is %s%s", ErrNotSettlementFail, o.ID, o.Status, settlementSuffix(o))
		}
		key := settlementKey(o.ID, o.PendingStatus)
		if _, err := s.settle.Reopen(ctx, key, operator); err != nil {
			return err
		}

		next := o.Clone()
		next.Settlement = orders.SettlementPending
		next.UpdatedAt = s.now()
		change := orders.StatusChange{Status: o.Status, Actor: operator, Note: "settlement retry", At: next.UpdatedAt}
		if err := s.orders.CompareAndSwap(ctx, o.Status, next, change); err != nil {
			return err
		}
		s.logger.Info("settlement retry requested", "order_id", o.ID, "key", key, "operator", operator)

		op, err := s.drive(ctx, key)
		if op == nil {
			s.logger.Warn("settlement retry attempt failed", "order_id", o.ID, "error", err)
			view = s.view(ctx, next)
			return nil
		}
		view, err = s.applyLocked(ctx, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// CanReview allows reviews only from a party to a COMPLETED order and
// returns the counterparty, who is the review's subject.
func (s *Service) CanReview(ctx context.Context, orderID, reviewer string) (string, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	reviewer = strings.ToLower(reviewer)
	if !o.Party(reviewer) {
		return "", reputation.ErrNotParty
	}
	if o.Status != orders.StatusCompleted {
		return "", fmt.Errorf("%w: order %s is %s", reputation.ErrOrderNotCompleted, o.ID, o.Status)
	}
	return o.Counterparty(reviewer), nil
}

var _ reputation.Guard = (*Service)(nil)
