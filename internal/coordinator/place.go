package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/gigs"
	"github.com/mbd888/agentbazaar/internal/idgen"
	"github.com/mbd888/agentbazaar/internal/lease"
	"github.com/mbd888/agentbazaar/internal/metrics"
	"github.com/mbd888/agentbazaar/internal/orders"
	"github.com/mbd888/agentbazaar/internal/settlement"
	"github.com/mbd888/agentbazaar/internal/traces"
	"github.com/mbd888/agentbazaar/internal/usdc"
)

// PlaceRequest buys one tier of a gig.
type PlaceRequest struct {
	GigID   string
	BuyerID string
	Tier    string
	Brief   string
	// ClientRef makes placement idempotent: the same buyer and ref always
	// map to the same order.
	ClientRef string
	// Deadline overrides the tier's delivery time.
	Deadline *time.Time
}

// PlaceOrder prices the order from the gig tier, deposits the price into
// escrow and creates the order once the deposit confirms.
//
// If the deposit cannot be submitted the placement fails and no order is
// created. If it is submitted but not yet confirmed the result has status
// AWAITING_DEPOSIT; the reconciliation loop creates the order when the
// deposit confirms.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*View, error) {
	ctx, span := traces.StartSpan(ctx, "coordinator.PlaceOrder",
		traces.AgentAddr(req.BuyerID), traces.Action("place"))
	defer span.End()

	buyer := strings.ToLower(strings.TrimSpace(req.BuyerID))
	if buyer == "" || req.GigID == "" || req.Tier == "" {
		return nil, invalid("gig, buyer and tier are required")
	}
	if len(req.Brief) > MaxBriefLength {
		return nil, invalid("brief exceeds %d bytes", MaxBriefLength)
	}

	gig, err := s.gigs.Get(ctx, req.GigID)
	if err != nil {
		return nil, err
	}
	if !gig.Active {
		return nil, fmt.Errorf("%w: %s is not active", gigs.ErrGigNotFound, gig.ID)
	}
	tier, err := gig.Tier(req.Tier)
	if err != nil {
		return nil, err
	}
	if gig.SellerID == buyer {
		return nil, invalid("buyer cannot order their own gig")
	}

	orderID := idgen.WithPrefix("ord_")
	if req.ClientRef != "" {
		orderID = idgen.Derived("ord_", buyer, req.ClientRef)
		if o, err := s.orders.Get(ctx, orderID); err == nil {
			return s.view(ctx, o), nil
		}
	}
	span.SetAttributes(traces.OrderID(orderID), traces.Amount(tier.Price))

	now := s.now()
	deadline := now.Add(time.Duration(tier.DeliveryDays) * 24 * time.Hour)
	if req.Deadline != nil {
		if !req.Deadline.After(now) {
			return nil, invalid("deadline must be in the future")
		}
		deadline = *req.Deadline
	}
	draft, err := json.Marshal(&orders.Order{
		ID:       orderID,
		GigID:    gig.ID,
		BuyerID:  buyer,
		SellerID: gig.SellerID,
		Tier:     tier.Name,
		Price:    tier.Price,
		Brief:    req.Brief,
		Status:   orders.StatusPending,
		Deadline: &deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode order draft: %w", err)
	}

	var view *View
	err = s.withLock(ctx, orderID, func() error {
		op, created, err := s.settle.Open(ctx, &settlement.Operation{
			Key:         depositKey(orderID),
			OrderID:     orderID,
			Kind:        settlement.KindDeposit,
			Amount:      tier.Price,
			Payer:       buyer,
			Payee:       gig.SellerID,
			RequestedBy: buyer,
			Target:      string(orders.StatusPending),
			Draft:       draft,
		})
		if err != nil {
			return err
		}

		switch {
		case op.Outcome == settlement.OutcomeConfirmed:
			view, err = s.createFromDeposit(ctx, op)
			return err
		case op.Escalated:
			// A submission may still land; the loop keeps checking it.
			view = awaitingDeposit(op)
			return nil
		case op.Abandoned():
			// Same client ref after a failed placement: try again.
			if _, err := s.settle.Reopen(ctx, op.Key, buyer); err != nil {
				return err
			}
		case !created && op.InFlight():
			view = awaitingDeposit(op)
			return nil
		}

		// The lease covers the funds check and the first submission, so the
		// loop cannot abandon this deposit as interrupted meanwhile.
		key := op.Key
		l, err := s.leaser.TryAcquire(ctx, settlementLeaseNS+key, s.leaseTTL)
		if errors.Is(err, lease.ErrHeld) {
			view = awaitingDeposit(op)
			return nil
		}
		if err != nil {
			return err
		}
		defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

		if err := s.checkFunds(ctx, buyer, tier.Price); err != nil {
			metrics.OrdersPlacedTotal.WithLabelValues("failed").Inc()
			s.abandon(ctx, key, err)
			return err
		}

		op, err = s.driveHeld(ctx, key)
		var subErr *settlement.SubmitError
		if errors.As(err, &subErr) && subErr.Attempt == 1 {
			return s.placementFailed(ctx, key, err)
		}
		if err != nil {
			// A prior transaction may exist; the loop resolves it by key.
			s.logger.Warn("deposit outcome unknown", "key", key, "error", err)
			current, getErr := s.settle.Get(ctx, key)
			if getErr != nil {
				return err
			}
			if current.Abandoned() {
				return s.placementFailed(ctx, key, fmt.Errorf("%w: %s", err, current.LastError))
			}
			metrics.OrdersPlacedTotal.WithLabelValues("awaiting_deposit").Inc()
			view = awaitingDeposit(current)
			return nil
		}
		if op.Abandoned() {
			return s.placementFailed(ctx, key, errors.New(op.LastError))
		}
		if op = s.awaitDeposit(ctx, op); op.Outcome == settlement.OutcomeConfirmed {
			view, err = s.createFromDeposit(ctx, op)
			return err
		}
		metrics.OrdersPlacedTotal.WithLabelValues("awaiting_deposit").Inc()
		view = awaitingDeposit(op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// awaitDeposit polls an in-flight deposit until it resolves or the placement
// wait runs out.
func (s *Service) awaitDeposit(ctx context.Context, op *settlement.Operation) *settlement.Operation {
	if s.wait <= 0 || !op.InFlight() {
		return op
	}
	ctx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()
	ticker := time.NewTicker(placementPoll)
	defer ticker.Stop()

	for op.InFlight() {
		select {
		case <-ctx.Done():
			return op
		case <-ticker.C:
		}
		refreshed, err := s.settle.Refresh(ctx, op.Key)
		if err != nil {
			s.logger.Warn("deposit poll failed", "key", op.Key, "error", err)
			return op
		}
		op = refreshed
	}
	return op
}

// checkFunds refuses placements the buyer's balance cannot cover.
func (s *Service) checkFunds(ctx context.Context, buyer, price string) error {
	bal, err := s.settle.Balance(ctx, buyer)
	if err != nil {
		return fmt.Errorf("failed to check buyer balance: %w", err)
	}
	need, _ := usdc.Parse(price)
	if bal.Cmp(need) < 0 {
		return fmt.Errorf("%w: balance %s, price %s", ErrInsufficientFunds, usdc.Format(bal), price)
	}
	return nil
}

// placementFailed abandons a deposit whose first submission failed. Nothing
// reached the chain, so the placement fails as a whole.
func (s *Service) placementFailed(ctx context.Context, key string, cause error) error {
	metrics.OrdersPlacedTotal.WithLabelValues("failed").Inc()
	s.abandon(ctx, key, cause)
	s.logger.Warn("order placement failed", "key", key, "error", cause)
	if errors.Is(cause, settlement.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, cause)
	}
	return fmt.Errorf("%w: %w", ErrPlacementFailed, cause)
}

func (s *Service) abandon(ctx context.Context, key string, cause error) {
	if _, err := s.settle.Abandon(ctx, key, cause.Error()); err != nil {
		s.logger.Error("failed to abandon deposit", "key", key, "error", err)
	}
}

// createFromDeposit writes the order carried by a confirmed deposit. It is
// safe to call more than once.
func (s *Service) createFromDeposit(ctx context.Context, op *settlement.Operation) (*View, error) {
	var o orders.Order
	if err := json.Unmarshal(op.Draft, &o); err != nil {
		return nil, fmt.Errorf("deposit %s carries an unreadable order: %w", op.Key, err)
	}
	now := s.now()
	o.Status = orders.StatusPending
	o.EscrowTxRef = op.TxHash
	o.CreatedAt = now
	o.UpdatedAt = now
	o.StatusHistory = []orders.StatusChange{{
		Status: orders.StatusPending,
		Actor:  o.BuyerID,
		Note:   "escrow deposited",
		At:     now,
	}}

	if err := s.orders.Create(ctx, &o); err != nil {
		if errors.Is(err, orders.ErrAlreadyExists) {
			existing, getErr := s.orders.Get(ctx, o.ID)
			if getErr != nil {
				return nil, getErr
			}
			s.markApplied(ctx, op)
			return s.view(ctx, existing), nil
		}
		return nil, fmt.Errorf("failed to create order %s: %w", o.ID, err)
	}

	metrics.OrdersPlacedTotal.WithLabelValues("placed").Inc()
	s.logger.Info("order placed",
		"order_id", o.ID, "buyer", o.BuyerID, "seller", o.SellerID,
		"price", o.Price, "escrow_tx", o.EscrowTxRef)
	s.publish(ctx, events.OrderPlaced, &o, o.BuyerID, o.EscrowTxRef)
	s.markApplied(ctx, op)
	return s.view(ctx, &o), nil
}
