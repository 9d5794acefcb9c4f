package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentbazaar/internal/pagination"
)

// PostgresStore persists orders in PostgreSQL. Status history lives in
// order_status_history and is written in the same transaction as the order
// row, so readers never observe one without the other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, gig_id, buyer_id, seller_id, tier, price, brief,
		       status, settlement, pending_status, deadline,
		       escrow_tx_ref, release_tx_ref, delivery_payload, revisions,
		       created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	if err := checkCreate(o); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, gig_id, buyer_id, seller_id, tier, price, brief,
			status, settlement, pending_status, deadline,
			escrow_tx_ref, release_tx_ref, delivery_payload, revisions,
			created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, 1
		)`,
		o.ID, o.GigID, o.BuyerID, o.SellerID, o.Tier, o.Price, o.Brief,
		string(o.Status), nullString(string(o.Settlement)), nullString(string(o.PendingStatus)), nullTime(o.Deadline),
		o.EscrowTxRef, nullString(o.ReleaseTxRef), nullString(o.DeliveryPayload), o.Revisions,
		o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, o.ID, o.StatusHistory); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.Version = 1
	return nil
}

// Get reads the order row and its history from one snapshot, so a
// concurrent transition is seen either whole or not at all.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.StatusHistory, err = loadHistory(ctx, tx, id); err != nil {
		return nil, err
	}
	return o, tx.Commit()
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, expected Status, next *Order, changes ...StatusChange) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, next.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if err := checkSwap(stored, expected, next); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, settlement = $2, pending_status = $3, deadline = $4,
			release_tx_ref = $5, delivery_payload = $6, revisions = $7,
			updated_at = $8, version = version + 1
		WHERE id = $9 AND version = $10`,
		string(next.Status), nullString(string(next.Settlement)), nullString(string(next.PendingStatus)), nullTime(next.Deadline),
		nullString(next.ReleaseTxRef), nullString(next.DeliveryPayload), next.Revisions,
		next.UpdatedAt, next.ID, next.Version,
	)
	if err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, next.ID, changes); err != nil {
		return err
	}
	history, err := loadHistory(ctx, tx, next.ID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	next.Version++
	next.StatusHistory = history
	return nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, id string, change StatusChange) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, actor, note, at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, string(change.Status), change.Actor, nullString(change.Note), change.At)
	return err
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agent string, after *pagination.Cursor, limit int) ([]*Order, error) {
	if after == nil {
		return p.query(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, agent, limit)
	}
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, agent, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('PENDING', 'ACCEPTED', 'IN_PROGRESS')
		  AND settlement IS NULL
		  AND deadline < $1
		ORDER BY deadline
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListBySettlement(ctx context.Context, state SettlementState, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE settlement = $1
		ORDER BY updated_at
		LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertHistory(ctx context.Context, tx execer, orderID string, changes []StatusChange) error {
	for _, c := range changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, status, actor, note, at)
			VALUES ($1, $2, $3, $4, $5)`,
			orderID, string(c.Status), c.Actor, nullString(c.Note), c.At); err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadHistory(ctx context.Context, q queryer, orderID string) ([]StatusChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, actor, note, at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StatusChange
	for rows.Next() {
		var (
			c      StatusChange
			status string
			note   sql.NullString
		)
		if err := rows.Scan(&status, &c.Actor, &note, &c.At); err != nil {
			return nil, err
		}
		c.Status = Status(status)
		c.Note = note.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status        string
		settlement    sql.NullString
		pendingStatus sql.NullString
		deadline      sql.NullTime
		releaseTxRef  sql.NullString
		payload       sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.GigID, &o.BuyerID, &o.SellerID, &o.Tier, &o.Price, &o.Brief,
		&status, &settlement, &pendingStatus, &deadline,
		&o.EscrowTxRef, &releaseTxRef, &payload, &o.Revisions,
		&o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.Settlement = SettlementState(settlement.String)
	o.PendingStatus = Status(pendingStatus.String)
	o.ReleaseTxRef = releaseTxRef.String
	o.DeliveryPayload = payload.String
	if deadline.Valid {
		o.Deadline = &deadline.Time
	}
	return o, nil
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
