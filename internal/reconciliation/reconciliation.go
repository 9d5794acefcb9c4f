// Package reconciliation carries work forward after the request that started
// it has returned. Each run polls submitted settlement operations, resubmits
// the ones whose backoff has elapsed, rechecks escalated ones for a late
// transaction, fires deadline_exceeded on overdue orders, repairs orders a
// crash left between ledger and chain, and advances pending reviews.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/agentbazaar/internal/coordinator"
	"github.com/mbd888/agentbazaar/internal/metrics"
)

const (
	defaultInterval = 15 * time.Second
	defaultBatch    = 100
)

// ReviewAdvancer retries reviews whose on-chain record is pending or failed.
type ReviewAdvancer interface {
	Advance(ctx context.Context, limit int) (int, error)
}

// Report summarizes one run.
type Report struct {
	Polled           int           `json:"polled"`
	Submitted        int           `json:"submitted"`
	Rechecked        int           `json:"rechecked"`
	Expired          int           `json:"expired"`
	Resumed          int           `json:"resumed"`
	Reviews          int           `json:"reviews"`
	SettlementFailed int           `json:"settlementFailed"`
	Errors           int           `json:"errors"`
	Duration         time.Duration `json:"duration"`
}

// Loop is the reconciliation loop.
type Loop struct {
	coord    *coordinator.Service
	reviews  ReviewAdvancer
	interval time.Duration
	batch    int
	logger   *slog.Logger

	mu sync.Mutex // serializes runs

	stop    chan struct{}
	running atomic.Bool
	lastRun atomic.Int64
}

// NewLoop creates a loop over the coordinator's orders and settlements.
func NewLoop(coord *coordinator.Service, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		coord:    coord,
		interval: defaultInterval,
		batch:    defaultBatch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithReviews advances pending reviews on every run.
func (l *Loop) WithReviews(r ReviewAdvancer) *Loop {
	l.reviews = r
	return l
}

// WithInterval sets the time between runs.
func (l *Loop) WithInterval(d time.Duration) *Loop {
	if d > 0 {
		l.interval = d
	}
	return l
}

// WithBatch caps how many items each step handles per run.
func (l *Loop) WithBatch(n int) *Loop {
	if n > 0 {
		l.batch = n
	}
	return l
}

// RunOnce performs one reconciliation pass. Failures on individual
// operations or orders are logged and counted; the returned error reports
// steps that could not run at all.
func (l *Loop) RunOnce(ctx context.Context) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	started := time.Now()
	settle := l.coord.Settlement()

	report := &Report{}
	var errs []error
	stepFailed := func(step string, err error) {
		report.Errors++
		stepErrorsTotal.WithLabelValues(step).Inc()
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
		l.logger.Warn("reconciliation step failed", "step", step, "error", err)
	}
	seen := make(map[string]bool)

	// Submitted operations: poll toward CONFIRMED or a failed attempt.
	inflight, err := settle.ListInFlight(ctx, l.batch)
	if err != nil {
		stepFailed("list in-flight", err)
	}
	queueDepth.WithLabelValues("inflight").Set(float64(len(inflight)))
	for _, op := range inflight {
		seen[op.Key] = true
		if l.reconcile(ctx, op.Key, report) {
			report.Polled++
		}
	}

	// Operations whose next attempt is due: submit, or escalate once
	// attempts run out.
	due, err := settle.ListDue(ctx, l.batch)
	if err != nil {
		stepFailed("list due", err)
	}
	queueDepth.WithLabelValues("due").Set(float64(len(due)))
	for _, op := range due {
		if seen[op.Key] {
			continue
		}
		if l.reconcile(ctx, op.Key, report) {
			report.Submitted++
		}
	}

	// Escalated operations whose transaction may still land: a deposit that
	// confirms late becomes its order, a release or refund settles it.
	escalated, err := settle.ListEscalated(ctx, l.batch)
	if err != nil {
		stepFailed("list escalated", err)
	}
	queueDepth.WithLabelValues("escalated").Set(float64(len(escalated)))
	for _, op := range escalated {
		if seen[op.Key] {
			continue
		}
		if l.reconcile(ctx, op.Key, report) {
			report.Rechecked++
		}
	}

	if report.Expired, err = l.coord.ExpireOverdue(ctx, l.batch); err != nil {
		stepFailed("deadline sweep", err)
	}

	if report.Resumed, err = l.coord.ResumePending(ctx, l.batch); err != nil {
		stepFailed("resume pending", err)
	}

	if l.reviews != nil {
		if report.Reviews, err = l.reviews.Advance(ctx, l.batch); err != nil {
			stepFailed("reviews", err)
		}
	}

	failed, err := l.coord.ListSettlementFailed(ctx, 0)
	if err != nil {
		stepFailed("list settlement failed", err)
	} else {
		report.SettlementFailed = len(failed)
		metrics.SettlementFailedOrders.Set(float64(len(failed)))
	}

	report.Duration = time.Since(started)
	report.observe()
	l.lastRun.Store(time.Now().UnixNano())

	if report.Polled+report.Submitted+report.Expired+report.Resumed+report.Reviews > 0 || report.Errors > 0 {
		l.logger.Info("reconciliation run",
			"polled", report.Polled, "submitted", report.Submitted, "rechecked", report.Rechecked,
			"expired", report.Expired, "resumed", report.Resumed,
			"reviews", report.Reviews, "settlement_failed", report.SettlementFailed,
			"errors", report.Errors, "duration", report.Duration)
	}
	return report, errors.Join(errs...)
}

func (l *Loop) reconcile(ctx context.Context, key string, report *Report) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, err := l.coord.Reconcile(ctx, key); err != nil {
		report.Errors++
		stepErrorsTotal.WithLabelValues("operation").Inc()
		l.logger.Warn("settlement reconcile failed", "key", key, "error", err)
		return false
	}
	return true
}

// LastRun returns when the last run finished, or the zero time.
func (l *Loop) LastRun() time.Time {
	n := l.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Running reports whether the loop is actively running.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. The first run
// happens immediately so work left by a previous process is picked up at
// boot. Call in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	l.safeRun(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.safeRun(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (l *Loop) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

func (l *Loop) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in reconciliation loop", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := l.RunOnce(ctx); err != nil {
		l.logger.Warn("reconciliation run failed", "error", err)
	}
}
