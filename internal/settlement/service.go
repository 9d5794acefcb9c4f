package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/circuitbreaker"
	"github.com/mbd888/agentbazaar/internal/metrics"
	"github.com/mbd888/agentbazaar/internal/retry"
	"github.com/mbd888/agentbazaar/internal/traces"
)

// breakerKey names the chain endpoint in the circuit breaker.
const breakerKey = "chain"

// SubmitError is returned by Attempt when a submission (or the lookup that
// precedes a resubmission) fails. It matches ErrSubmission and the cause.
type SubmitError struct {
	Key     string
	Attempt int
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("settlement %s attempt %d: %v", e.Key, e.Attempt, e.Err)
}

func (e *SubmitError) Unwrap() []error {
	errs := []error{ErrSubmission}
	if errors.Is(e.Err, chain.ErrInsufficientFunds) {
		errs = append(errs, ErrInsufficientFunds)
	}
	if errors.Is(e.Err, chain.ErrReverted) {
		errs = append(errs, ErrReverted)
	}
	return append(errs, e.Err)
}

// Service drives settlement operations through submit, confirm, retry and
// escalation. Callers serialize work on one operation with a lease; the
// store's version check rejects any write that races anyway.
type Service struct {
	store          Store
	chain          Chain
	breaker        *circuitbreaker.Breaker
	logger         *slog.Logger
	maxAttempts    int
	backoff        retry.Backoff
	confirmTimeout time.Duration
	now            func() time.Time
}

// NewService creates a settlement service with the default retry policy.
func NewService(store Store, c Chain) *Service {
	return &Service{
		store:          store,
		chain:          c,
		logger:         slog.Default(),
		maxAttempts:    5,
		backoff:        retry.DefaultBackoff,
		confirmTimeout: 10 * time.Minute,
		now:            time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithBreaker routes chain calls through a circuit breaker. Reverts and
// insufficient funds do not count against it.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithPolicy sets the attempt budget, the resubmission backoff and how long
// a submitted transaction may stay unconfirmed.
func (s *Service) WithPolicy(maxAttempts int, backoff retry.Backoff, confirmTimeout time.Duration) *Service {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	s.backoff = backoff
	if confirmTimeout > 0 {
		s.confirmTimeout = confirmTimeout
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MaxAttempts returns the automatic attempt budget per operation.
func (s *Service) MaxAttempts() int { return s.maxAttempts }

// Open records the intent to move funds. If an operation with op.Key exists
// it is returned unchanged with created=false, so a repeated request never
// produces a second operation.
func (s *Service) Open(ctx context.Context, op *Operation) (*Operation, bool, error) {
	if existing, err := s.store.Get(ctx, op.Key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrOperationNotFound) {
		return nil, false, err
	}

	now := s.now()
	op = op.Clone()
	op.Outcome = OutcomePending
	op.Attempts = 0
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = s.maxAttempts
	}
	op.NextAttemptAt = now
	op.CreatedAt = now
	op.UpdatedAt = now

	if err := s.store.Create(ctx, op); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			existing, getErr := s.store.Get(ctx, op.Key)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to record settlement intent: %w", err)
	}

	s.logger.Info("settlement opened",
		"key", op.Key, "order_id", op.OrderID, "kind", op.Kind, "amount", op.Amount)
	return op, true, nil
}

// Attempt submits the operation if it is due. The incremented attempt count
// is persisted before anything reaches the chain, and every attempt after
// the first looks for an earlier submission with the same key before
// sending a new one.
//
// Operations that are confirmed, in flight, exhausted or backing off are
// returned unchanged. A failed submission is recorded and returned as a
// *SubmitError together with the updated operation.
func (s *Service) Attempt(ctx context.Context, key string) (*Operation, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Attempt", traces.SettlementKey(key))
	defer span.End()

	op, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !isDue(op, now) {
		return op, nil
	}

	span.SetAttributes(traces.OrderID(op.OrderID), traces.Action(string(op.Kind)), traces.Amount(op.Amount))
	op.Attempts++
	op.Outcome = OutcomePending
	op.LastError = ""
	op.UpdatedAt = now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	var txHash string
	result := "submitted"
	if op.Attempts > 1 {
		var found bool
		err := s.call(func() error {
			var lookupErr error
			txHash, found, lookupErr = s.chain.Lookup(ctx, op.Key)
			return lookupErr
		})
		if err != nil {
			return s.submitFailed(ctx, op, fmt.Errorf("lookup: %w", err))
		}
		if found {
			result = "recovered"
			s.logger.Info("adopted prior submission",
				"key", op.Key, "order_id", op.OrderID, "tx_hash", txHash)
		}
	}

	if txHash == "" {
		err := s.call(func() error {
			var submitErr error
			txHash, submitErr = s.chain.Submit(ctx, op)
			return submitErr
		})
		if err != nil {
			return s.submitFailed(ctx, op, err)
		}
	}

	submitted := s.now()
	op.TxHash = txHash
	op.SubmittedAt = &submitted
	op.Confirmations = 0
	op.UpdatedAt = submitted
	if err := s.store.Update(ctx, op); err != nil {
		// The transaction is out; the next attempt finds it by key.
		s.logger.Error("settlement submitted but not recorded",
			"key", op.Key, "order_id", op.OrderID, "tx_hash", txHash, "error", err)
		return nil, fmt.Errorf("failed to record submission %s: %w", txHash, err)
	}

	span.SetAttributes(traces.TxHash(txHash))
	metrics.SettlementSubmissionsTotal.WithLabelValues(string(op.Kind), result).Inc()
	s.logger.Info("settlement submitted",
		"key", op.Key, "order_id", op.OrderID, "kind", op.Kind,
		"attempt", op.Attempts, "tx_hash", txHash)
	return op, nil
}

func (s *Service) submitFailed(ctx context.Context, op *Operation, cause error) (*Operation, error) {
	metrics.SettlementSubmissionsTotal.WithLabelValues(string(op.Kind), "failed").Inc()
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "submission failed")
	s.logger.Warn("settlement submission failed",
		"key", op.Key, "order_id", op.OrderID, "attempt", op.Attempts, "error", cause)

	subErr := &SubmitError{Key: op.Key, Attempt: op.Attempts, Err: cause}
	failed, err := s.fail(ctx, op, cause)
	if err != nil {
		return nil, errors.Join(subErr, err)
	}
	return failed, subErr
}

// Refresh polls an in-flight operation and records what the chain reports.
// A poll error leaves the operation as it was unless it has been waiting
// longer than the confirmation timeout.
func (s *Service) Refresh(ctx context.Context, key string) (*Operation, error) {
	op, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !op.InFlight() {
		return op, nil
	}

	var rcpt chain.Receipt
	pollErr := s.call(func() error {
		var err error
		rcpt, err = s.chain.Poll(ctx, op.TxHash)
		return err
	})
	now := s.now()

	if pollErr == nil {
		switch rcpt.Status {
		case chain.TxConfirmed:
			op.Outcome = OutcomeConfirmed
			op.Confirmations = rcpt.Confirmations
			op.ConfirmedAt = &now
			op.LastError = ""
			op.UpdatedAt = now
			if err := s.store.Update(ctx, op); err != nil {
				return nil, err
			}
			metrics.SettlementOutcomesTotal.WithLabelValues(string(op.Kind), "confirmed").Inc()
			if op.SubmittedAt != nil {
				metrics.SettlementConfirmationSeconds.WithLabelValues(string(op.Kind)).
					Observe(now.Sub(*op.SubmittedAt).Seconds())
			}
			s.logger.Info("settlement confirmed",
				"key", op.Key, "order_id", op.OrderID, "tx_hash", op.TxHash,
				"confirmations", op.Confirmations)
			return op, nil

		case chain.TxReverted:
			metrics.SettlementOutcomesTotal.WithLabelValues(string(op.Kind), "reverted").Inc()
			s.logger.Warn("settlement reverted",
				"key", op.Key, "order_id", op.OrderID, "tx_hash", op.TxHash)
			return s.fail(ctx, op, ErrReverted)
		}
	} else {
		s.logger.Warn("settlement poll failed",
			"key", op.Key, "tx_hash", op.TxHash, "error", pollErr)
	}

	if op.SubmittedAt != nil && now.Sub(*op.SubmittedAt) > s.confirmTimeout {
		metrics.SettlementOutcomesTotal.WithLabelValues(string(op.Kind), "timeout").Inc()
		s.logger.Warn("settlement confirmation timed out",
			"key", op.Key, "order_id", op.OrderID, "tx_hash", op.TxHash)
		return s.fail(ctx, op, ErrConfirmationTimeout)
	}

	if pollErr == nil && rcpt.Confirmations != op.Confirmations {
		op.Confirmations = rcpt.Confirmations
		op.UpdatedAt = now
		if err := s.store.Update(ctx, op); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// fail records a failed attempt and schedules the next one, or escalates
// once attempts run out. A deposit is escalated only if a submission may
// still land; one that never reached the chain is abandoned with no funds
// moved.
func (s *Service) fail(ctx context.Context, op *Operation, cause error) (*Operation, error) {
	now := s.now()
	op.Outcome = OutcomeFailed
	op.LastError = cause.Error()
	if op.TxHash != "" {
		op.PriorTxHashes = append(op.PriorTxHashes, op.TxHash)
		op.TxHash = ""
	}
	op.Confirmations = 0
	if op.Attempts >= op.MaxAttempts {
		op.Escalated = op.Kind != KindDeposit || s.mayLand(ctx, op)
		if op.Escalated {
			metrics.SettlementOutcomesTotal.WithLabelValues(string(op.Kind), "escalated").Inc()
			s.logger.Error("settlement exhausted retries, operator action required",
				"key", op.Key, "order_id", op.OrderID, "attempts", op.Attempts, "error", cause)
		}
	} else {
		op.NextAttemptAt = s.backoff.Next(now, op.Attempts)
	}
	op.UpdatedAt = now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to record settlement failure: %w", err)
	}
	return op, nil
}

// mayLand reports whether an exhausted operation could still move funds: it
// was submitted at least once and the chain either knows a live transaction
// for its key or cannot be asked.
func (s *Service) mayLand(ctx context.Context, op *Operation) bool {
	if len(op.PriorTxHashes) == 0 {
		return false
	}
	var found bool
	err := s.call(func() error {
		var lookupErr error
		_, found, lookupErr = s.chain.Lookup(ctx, op.Key)
		return lookupErr
	})
	if err != nil {
		s.logger.Warn("final settlement lookup failed", "key", op.Key, "error", err)
		return true
	}
	return found
}

// Recover checks whether an escalated operation's transaction landed after
// automatic attempts stopped. A confirmed transaction found by key is
// adopted and the operation becomes CONFIRMED; otherwise it is returned
// unchanged and stays escalated.
func (s *Service) Recover(ctx context.Context, key string) (*Operation, error) {
	op, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !op.Escalated || op.Outcome == OutcomeConfirmed {
		return op, nil
	}

	var (
		txHash string
		found  bool
		rcpt   chain.Receipt
	)
	err = s.call(func() error {
		var lookupErr error
		txHash, found, lookupErr = s.chain.Lookup(ctx, op.Key)
		return lookupErr
	})
	if err != nil || !found {
		return op, err
	}
	err = s.call(func() error {
		var pollErr error
		rcpt, pollErr = s.chain.Poll(ctx, txHash)
		return pollErr
	})
	if err != nil || rcpt.Status != chain.TxConfirmed {
		return op, err
	}

	now := s.now()
	op.TxHash = txHash
	op.Outcome = OutcomeConfirmed
	op.Confirmations = rcpt.Confirmations
	op.ConfirmedAt = &now
	op.Escalated = false
	op.LastError = ""
	op.UpdatedAt = now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, err
	}
	metrics.SettlementOutcomesTotal.WithLabelValues(string(op.Kind), "recovered").Inc()
	s.logger.Warn("escalated settlement landed late",
		"key", op.Key, "order_id", op.OrderID, "kind", op.Kind, "tx_hash", txHash)
	return op, nil
}

// MarkApplied records that a confirmed operation's outcome is in the order
// ledger, taking it off the reconciliation queue.
func (s *Service) MarkApplied(ctx context.Context, key string) error {
	return s.store.MarkApplied(ctx, key, s.now())
}

// Reopen gives an exhausted operation a fresh attempt budget. It is the
// operator's retry for escalated settlements and the re-placement path for
// abandoned deposits.
func (s *Service) Reopen(ctx context.Context, key, actor string) (*Operation, error) {
	op, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !op.Exhausted() {
		return nil, ErrNotRetryable
	}

	now := s.now()
	op.MaxAttempts = op.Attempts + s.maxAttempts
	op.Escalated = false
	op.NextAttemptAt = now
	op.UpdatedAt = now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, err
	}

	s.logger.Info("settlement reopened",
		"key", op.Key, "order_id", op.OrderID, "actor", actor, "max_attempts", op.MaxAttempts)
	return op, nil
}

// Abandon stops automatic attempts on an operation that has nothing on the
// chain. Confirmed and in-flight operations are returned unchanged.
func (s *Service) Abandon(ctx context.Context, key, reason string) (*Operation, error) {
	op, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if op.Outcome == OutcomeConfirmed || op.InFlight() || op.Exhausted() {
		return op, nil
	}

	now := s.now()
	op.Outcome = OutcomeFailed
	op.MaxAttempts = op.Attempts
	op.Escalated = false
	if reason != "" {
		op.LastError = reason
	}
	op.UpdatedAt = now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, err
	}

	metrics.SettlementOutcomesTotal.WithLabelValues(string(op.Kind), "abandoned").Inc()
	s.logger.Info("settlement abandoned", "key", op.Key, "order_id", op.OrderID, "reason", reason)
	return op, nil
}

// Balance returns an agent's on-chain token balance in smallest units.
func (s *Service) Balance(ctx context.Context, agent string) (*big.Int, error) {
	var bal *big.Int
	err := s.call(func() error {
		var err error
		bal, err = s.chain.Balance(ctx, strings.ToLower(agent))
		return err
	})
	return bal, err
}

// Get returns the operation with key.
func (s *Service) Get(ctx context.Context, key string) (*Operation, error) {
	return s.store.Get(ctx, key)
}

// ListByOrder returns every operation for an order, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Operation, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// ListInFlight returns submitted operations awaiting confirmation.
func (s *Service) ListInFlight(ctx context.Context, limit int) ([]*Operation, error) {
	return s.store.ListInFlight(ctx, limit)
}

// ListDue returns operations whose next attempt is due.
func (s *Service) ListDue(ctx context.Context, limit int) ([]*Operation, error) {
	return s.store.ListDue(ctx, s.now(), limit)
}

// ListEscalated returns operations awaiting an operator.
func (s *Service) ListEscalated(ctx context.Context, limit int) ([]*Operation, error) {
	return s.store.ListEscalated(ctx, limit)
}

// ListUnapplied returns confirmed operations not yet written to the order
// ledger.
func (s *Service) ListUnapplied(ctx context.Context, limit int) ([]*Operation, error) {
	return s.store.ListUnapplied(ctx, limit)
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) call(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	err := s.breaker.Execute(breakerKey, chain.IsNodeFailure, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", chain.ErrUnavailable, err)
	}
	return err
}
