package gigs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists gigs in PostgreSQL. Tiers are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gig store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, gig *Gig) error {
	tiers, err := json.Marshal(gig.Tiers)
	if err != nil {
		return fmt.Errorf("failed to encode tiers: %w", err)
	}
	now := time.Now()
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO gigs (id, seller_id, title, description, category, tiers, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		gig.ID, gig.SellerID, gig.Title, gig.Description, gig.Category, tiers, gig.Active, now,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrGigExists
	}
	if err != nil {
		return err
	}
	gig.CreatedAt, gig.UpdatedAt = now, now
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Gig, error) {
	gig, err := scanGig(p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, description, category, tiers, active, created_at, updated_at
		FROM gigs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGigNotFound
	}
	return gig, err
}

func (p *PostgresStore) Upsert(ctx context.Context, gig *Gig) error {
	tiers, err := json.Marshal(gig.Tiers)
	if err != nil {
		return fmt.Errorf("failed to encode tiers: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO gigs (id, seller_id, title, description, category, tiers, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			tiers = EXCLUDED.tiers,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		gig.ID, gig.SellerID, gig.Title, gig.Description, gig.Category, tiers, gig.Active,
	)
	return err
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string) ([]*Gig, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seller_id, title, description, category, tiers, active, created_at, updated_at
		FROM gigs WHERE seller_id = LOWER($1)
		ORDER BY id`, sellerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Gig
	for rows.Next() {
		gig, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, gig)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGig(s scanner) (*Gig, error) {
	gig := &Gig{}
	var tiers []byte
	if err := s.Scan(&gig.ID, &gig.SellerID, &gig.Title, &gig.Description, &gig.Category,
		&tiers, &gig.Active, &gig.CreatedAt, &gig.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tiers, &gig.Tiers); err != nil {
		return nil, fmt.Errorf("failed to decode tiers for gig %s: %w", gig.ID, err)
	}
	return gig, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
