package reputation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists reviews in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reviewColumns = `id, order_id, reviewer_id, subject_id, rating, comment,
		       key, tx_hash, outcome, attempts, next_attempt_at,
		       submitted_at, confirmed_at, last_error,
		       created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (
			id, order_id, reviewer_id, subject_id, rating, comment,
			key, tx_hash, outcome, attempts, next_attempt_at,
			submitted_at, confirmed_at, last_error,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)`,
		r.ID, r.OrderID, r.ReviewerID, r.SubjectID, r.Rating, r.Comment,
		r.Key, nullString(r.TxHash), string(r.Outcome), r.Attempts, r.NextAttemptAt,
		nullTime(r.SubmittedAt), nullTime(r.ConfirmedAt), nullString(r.LastError),
		r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateReview
	}
	if err != nil {
		return err
	}
	r.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Review, error) {
	r, err := scanReview(p.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Review) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reviews SET
			tx_hash = $1, outcome = $2, attempts = $3, next_attempt_at = $4,
			submitted_at = $5, confirmed_at = $6, last_error = $7,
			updated_at = $8, version = version + 1
		WHERE id = $9 AND version = $10`,
		nullString(r.TxHash), string(r.Outcome), r.Attempts, r.NextAttemptAt,
		nullTime(r.SubmittedAt), nullTime(r.ConfirmedAt), nullString(r.LastError),
		r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return ErrStale
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Review, error) {
	return p.query(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Review, error) {
	if limit <= 0 {
		return p.query(ctx, `
			SELECT `+reviewColumns+`
			FROM reviews
			WHERE subject_id = $1
			ORDER BY created_at DESC`, subject)
	}
	return p.query(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subject, limit)
}

func (p *PostgresStore) ListPending(ctx context.Context, now time.Time, limit int) ([]*Review, error) {
	return p.query(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		WHERE (outcome = 'PENDING' AND tx_hash IS NOT NULL)
		   OR (next_attempt_at <= $1
		       AND ((outcome = 'PENDING' AND tx_hash IS NULL) OR outcome = 'FAILED'))
		ORDER BY created_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReview(s scanner) (*Review, error) {
	r := &Review{}
	var (
		outcome     string
		comment     sql.NullString
		txHash      sql.NullString
		submittedAt sql.NullTime
		confirmedAt sql.NullTime
		lastError   sql.NullString
	)
	err := s.Scan(
		&r.ID, &r.OrderID, &r.ReviewerID, &r.SubjectID, &r.Rating, &comment,
		&r.Key, &txHash, &outcome, &r.Attempts, &r.NextAttemptAt,
		&submittedAt, &confirmedAt, &lastError,
		&r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Outcome = Outcome(outcome)
	r.Comment = comment.String
	r.TxHash = txHash.String
	r.LastError = lastError.String
	if submittedAt.Valid {
		r.SubmittedAt = &submittedAt.Time
	}
	if confirmedAt.Valid {
		r.ConfirmedAt = &confirmedAt.Time
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
