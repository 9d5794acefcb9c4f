package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists settlement operations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed operation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const operationColumns = `key, order_id, kind, amount, payer, payee,
		       tx_hash, prior_tx_hashes, confirmations, outcome,
		       attempts, max_attempts, next_attempt_at, submitted_at, confirmed_at,
		       last_error, escalated, requested_by, target, draft,
		       applied_at, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, op *Operation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_operations (
			key, order_id, kind, amount, payer, payee,
			tx_hash, prior_tx_hashes, confirmations, outcome,
			attempts, max_attempts, next_attempt_at, submitted_at, confirmed_at,
			last_error, escalated, requested_by, target, draft,
			created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,6), $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, 1
		)`,
		op.Key, op.OrderID, string(op.Kind), op.Amount, op.Payer, op.Payee,
		nullString(op.TxHash), pq.Array(op.PriorTxHashes), int64(op.Confirmations), string(op.Outcome), //nolint:gosec // confirmations are small
		op.Attempts, op.MaxAttempts, op.NextAttemptAt, nullTime(op.SubmittedAt), nullTime(op.ConfirmedAt),
		nullString(op.LastError), op.Escalated, op.RequestedBy, nullString(op.Target), nullBytes(op.Draft),
		op.CreatedAt, op.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return err
	}
	op.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Operation, error) {
	op, err := scanOperation(p.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM settlement_operations WHERE key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	return op, err
}

func (p *PostgresStore) Update(ctx context.Context, op *Operation) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_operations SET
			tx_hash = $1, prior_tx_hashes = $2, confirmations = $3, outcome = $4,
			attempts = $5, max_attempts = $6, next_attempt_at = $7,
			submitted_at = $8, confirmed_at = $9, last_error = $10, escalated = $11,
			updated_at = $12, version = version + 1
		WHERE key = $13 AND version = $14`,
		nullString(op.TxHash), pq.Array(op.PriorTxHashes), int64(op.Confirmations), string(op.Outcome), //nolint:gosec // confirmations are small
		op.Attempts, op.MaxAttempts, op.NextAttemptAt,
		nullTime(op.SubmittedAt), nullTime(op.ConfirmedAt), nullString(op.LastError), op.Escalated,
		op.UpdatedAt, op.Key, op.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, op.Key); err != nil {
			return err
		}
		return ErrStale
	}
	op.Version++
	return nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Operation, error) {
	return p.query(ctx, `
		SELECT `+operationColumns+`
		FROM settlement_operations
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
}

func (p *PostgresStore) ListInFlight(ctx context.Context, limit int) ([]*Operation, error) {
	return p.query(ctx, `
		SELECT `+operationColumns+`
		FROM settlement_operations
		WHERE outcome = 'PENDING' AND tx_hash IS NOT NULL
		ORDER BY submitted_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Operation, error) {
	return p.query(ctx, `
		SELECT `+operationColumns+`
		FROM settlement_operations
		WHERE next_attempt_at <= $1
		  AND ((outcome = 'PENDING' AND tx_hash IS NULL)
		    OR (outcome = 'FAILED' AND attempts < max_attempts))
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListEscalated(ctx context.Context, limit int) ([]*Operation, error) {
	return p.query(ctx, `
		SELECT `+operationColumns+`
		FROM settlement_operations
		WHERE escalated
		ORDER BY updated_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListUnapplied(ctx context.Context, limit int) ([]*Operation, error) {
	return p.query(ctx, `
		SELECT `+operationColumns+`
		FROM settlement_operations
		WHERE outcome = 'CONFIRMED' AND applied_at IS NULL
		ORDER BY confirmed_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) MarkApplied(ctx context.Context, key string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_operations
		SET applied_at = $2, version = version + 1
		WHERE key = $1 AND outcome = 'CONFIRMED' AND applied_at IS NULL`, key, at)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		_, err = p.Get(ctx, key)
		return err
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Operation, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*Operation, error) {
	op := &Operation{}
	var (
		kind          string
		outcome       string
		txHash        sql.NullString
		confirmations int64
		submittedAt   sql.NullTime
		confirmedAt   sql.NullTime
		appliedAt     sql.NullTime
		lastError     sql.NullString
		target        sql.NullString
		draft         []byte
	)

	err := s.Scan(
		&op.Key, &op.OrderID, &kind, &op.Amount, &op.Payer, &op.Payee,
		&txHash, pq.Array(&op.PriorTxHashes), &confirmations, &outcome,
		&op.Attempts, &op.MaxAttempts, &op.NextAttemptAt, &submittedAt, &confirmedAt,
		&lastError, &op.Escalated, &op.RequestedBy, &target, &draft,
		&appliedAt, &op.CreatedAt, &op.UpdatedAt, &op.Version,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = Kind(kind)
	op.Outcome = Outcome(outcome)
	op.TxHash = txHash.String
	op.Confirmations = uint64(confirmations) //nolint:gosec // stored from uint64
	op.LastError = lastError.String
	op.Target = target.String
	if len(draft) > 0 {
		op.Draft = draft
	}
	if submittedAt.Valid {
		op.SubmittedAt = &submittedAt.Time
	}
	if confirmedAt.Valid {
		op.ConfirmedAt = &confirmedAt.Time
	}
	if appliedAt.Valid {
		op.AppliedAt = &appliedAt.Time
	}
	return op, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
