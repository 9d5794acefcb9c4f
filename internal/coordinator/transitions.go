package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/metrics"
	"github.com/mbd888/agentbazaar/internal/orders"
	"github.com/mbd888/agentbazaar/internal/settlement"
	"github.com/mbd888/agentbazaar/internal/traces"
)

var transitionEvents = map[orders.Action]events.Type{
	orders.ActionAccept:           events.OrderAccepted,
	orders.ActionStart:            events.OrderStarted,
	orders.ActionDeliver:          events.OrderDelivered,
	orders.ActionRequestRevision:  events.OrderRevisionRequested,
	orders.ActionConfirm:          events.OrderCompleted,
	orders.ActionReject:           events.OrderRejected,
	orders.ActionDeadlineExceeded: events.OrderCancelled,
}

// Accept moves a PENDING order to ACCEPTED. Seller only.
func (s *Service) Accept(ctx context.Context, orderID, actor string) (*View, error) {
	return s.transition(ctx, orderID, actor, orders.ActionAccept, "", nil)
}

// Start moves an ACCEPTED order to IN_PROGRESS. Seller only.
func (s *Service) Start(ctx context.Context, orderID, actor string) (*View, error) {
	return s.transition(ctx, orderID, actor, orders.ActionStart, "", nil)
}

// Deliver hands the work over. Seller only. Delivery is single-shot: a
// repeated request returns the order as first delivered and never replaces
// the payload.
func (s *Service) Deliver(ctx context.Context, orderID, actor, payload string) (*View, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, invalid("delivery payload is required")
	}
	if len(payload) > MaxPayloadLength {
		return nil, invalid("delivery payload exceeds %d bytes", MaxPayloadLength)
	}
	return s.transition(ctx, orderID, actor, orders.ActionDeliver, "", func(o *orders.Order) {
		o.DeliveryPayload = payload
	})
}

// RequestRevision sends a delivered order back to IN_PROGRESS. Buyer only.
func (s *Service) RequestRevision(ctx context.Context, orderID, actor, note string) (*View, error) {
	if len(note) > MaxBriefLength {
		return nil, invalid("revision note exceeds %d bytes", MaxBriefLength)
	}
	return s.transition(ctx, orderID, actor, orders.ActionRequestRevision, note, func(o *orders.Order) {
		o.Revisions++
		o.DeliveryPayload = ""
	})
}

// Confirm accepts the delivery and releases escrow to the seller. Buyer
// only. The order becomes COMPLETED once the release confirms; until then
// the view reports settlement PENDING.
func (s *Service) Confirm(ctx context.Context, orderID, actor string) (*View, error) {
	return s.settleTransition(ctx, orderID, actor, orders.ActionConfirm)
}

// Reject declines the order and refunds the buyer. Seller only.
func (s *Service) Reject(ctx context.Context, orderID, actor string) (*View, error) {
	return s.settleTransition(ctx, orderID, actor, orders.ActionReject)
}

// authorize checks actor against the rule's role. The system actor may only
// fire system transitions.
func authorize(o *orders.Order, rule orders.Rule, actor string) error {
	var ok bool
	switch rule.Role {
	case orders.RoleBuyer:
		ok = actor == o.BuyerID
	case orders.RoleSeller:
		ok = actor == o.SellerID
	case orders.RoleSystem:
		ok = actor == SystemActor
	}
	if !ok {
		return fmt.Errorf("%w: %s requires the %s", ErrUnauthorized, rule.Action, rule.Role)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, orderID, actor string, action orders.Action, note string, mutate func(*orders.Order)) (*View, error) {
	ctx, span := traces.StartSpan(ctx, "coordinator."+string(action),
		traces.OrderID(orderID), traces.Action(string(action)), traces.AgentAddr(actor))
	defer span.End()

	rule, _ := orders.RuleFor(action)
	actor = strings.ToLower(actor)

	var view *View
	err := s.withLock(ctx, orderID, func() error {
		return s.retryConflicts(func() error {
			o, err := s.orders.Get(ctx, orderID)
			if err != nil {
				return err
			}
			if err := authorize(o, rule, actor); err != nil {
				return err
			}
			if o.Status == rule.To && o.Settlement == orders.SettlementNone {
				// Already applied; a client retry gets the current state.
				view = s.view(ctx, o)
				return nil
			}
			if !rule.Allows(o.Status) || o.Settlement != orders.SettlementNone {
				return fmt.Errorf("%w: cannot %s an order that is %s%s",
					ErrInvalidTransition, action, o.Status, settlementSuffix(o))
			}

			now := s.now()
			next := o.Clone()
			next.Status = rule.To
			next.UpdatedAt = now
			if mutate != nil {
				mutate(next)
			}
			change := orders.StatusChange{Status: rule.To, Actor: actor, Note: note, At: now}
			if err := s.orders.CompareAndSwap(ctx, o.Status, next, change); err != nil {
				return err
			}

			metrics.OrderTransitionsTotal.WithLabelValues(string(action)).Inc()
			s.logger.Info("order transitioned",
				"order_id", orderID, "action", action, "from", o.Status, "to", rule.To, "actor", actor)
			s.publish(ctx, transitionEvents[action], next, actor, "")
			view = s.view(ctx, next)
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return view, nil
}

// settleTransition runs a transition that moves escrowed funds. The order
// is first marked settlement PENDING toward the target status, then the
// release or refund is opened and attempted. The status itself is written
// by ApplySettlement once the operation confirms.
func (s *Service) settleTransition(ctx context.Context, orderID, actor string, action orders.Action) (*View, error) {
	ctx, span := traces.StartSpan(ctx, "coordinator."+string(action),
		traces.OrderID(orderID), traces.Action(string(action)), traces.AgentAddr(actor))
	defer span.End()

	rule, _ := orders.RuleFor(action)
	actor = strings.ToLower(actor)

	var view *View
	err := s.withLock(ctx, orderID, func() error {
		var o *orders.Order
		err := s.retryConflicts(func() error {
			var err error
			o, err = s.orders.Get(ctx, orderID)
			if err != nil {
				return err
			}
			if err := authorize(o, rule, actor); err != nil {
				return err
			}
			switch {
			case o.Status == rule.To:
				return nil
			case o.Settlement != orders.SettlementNone && o.PendingStatus == rule.To:
				return nil
			case !rule.Allows(o.Status) || o.Settlement != orders.SettlementNone:
				return fmt.Errorf("%w: cannot %s an order that is %s%s",
					ErrInvalidTransition, action, o.Status, settlementSuffix(o))
			}

			next := o.Clone()
			next.Settlement = orders.SettlementPending
			next.PendingStatus = rule.To
			next.UpdatedAt = s.now()
			if err := s.orders.CompareAndSwap(ctx, o.Status, next); err != nil {
				return err
			}
			o = next
			s.logger.Info("settlement requested",
				"order_id", orderID, "action", action, "target", rule.To, "actor", actor)
			s.publish(ctx, events.OrderSettlementPending, o, actor, "")
			return nil
		})
		if err != nil {
			return err
		}
		if o.Status == rule.To || o.Settlement == orders.SettlementFailed {
			view = s.view(ctx, o)
			return nil
		}

		op, err := s.openSettlement(ctx, o, rule, actor)
		if err != nil {
			return err
		}
		if !op.InFlight() && op.Outcome != settlement.OutcomeConfirmed {
			if op, err = s.drive(ctx, op.Key); err != nil {
				// Retried by the reconciliation loop; the order stays
				// settlement PENDING.
				s.logger.Warn("settlement submission failed",
					"order_id", orderID, "key", settlementKey(orderID, rule.To), "error", err)
				if op == nil {
					view = s.view(ctx, o)
					return nil
				}
			}
		}
		view, err = s.applyLocked(ctx, op)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return view, nil
}

// openSettlement records the release or refund for an order marked
// settlement PENDING toward rule.To.
func (s *Service) openSettlement(ctx context.Context, o *orders.Order, rule orders.Rule, actor string) (*settlement.Operation, error) {
	op := &settlement.Operation{
		Key:         settlementKey(o.ID, rule.To),
		OrderID:     o.ID,
		Amount:      o.Price,
		Payer:       o.BuyerID,
		RequestedBy: actor,
		Target:      string(rule.To),
	}
	if rule.Settles == orders.SettlesRelease {
		op.Kind, op.Payee = settlement.KindRelease, o.SellerID
	} else {
		op.Kind, op.Payee = settlement.KindRefund, o.BuyerID
	}
	opened, _, err := s.settle.Open(ctx, op)
	return opened, err
}

// retryConflicts reruns fn while it fails with a ledger conflict, up to a
// bound, then surfaces the conflict.
func (s *Service) retryConflicts(fn func() error) error {
	var err error
	for i := 0; i < maxConflictRetry; i++ {
		err = fn()
		if !errors.Is(err, orders.ErrConflict) {
			return err
		}
	}
	metrics.OrderConflictsTotal.Inc()
	return err
}

func settlementSuffix(o *orders.Order) string {
	switch o.Settlement {
	case orders.SettlementPending:
		return " with settlement pending"
	case orders.SettlementFailed:
		return " with settlement failed"
	}
	return ""
}
