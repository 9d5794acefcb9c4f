// Package gigs holds the catalog of services sellers offer. A gig has one
// or more tiers; each tier fixes the price and delivery window an order is
// placed against.
package gigs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentbazaar/internal/usdc"
)

var (
	ErrGigNotFound  = errors.New("gigs: gig not found")
	ErrTierNotFound = errors.New("gigs: tier not found")
	ErrGigExists    = errors.New("gigs: gig already exists")
	ErrInvalidGig   = errors.New("gigs: invalid gig")
)

// Tier is one priced package of a gig (e.g. basic, standard, premium).
type Tier struct {
	Name         string `json:"name" yaml:"name"`
	Price        string `json:"price" yaml:"price"`               // USDC, six decimals
	DeliveryDays int    `json:"deliveryDays" yaml:"deliveryDays"` // default order deadline
	Revisions    int    `json:"revisions" yaml:"revisions"`       // advertised, not enforced
	Description  string `json:"description,omitempty" yaml:"description"`
}

// Gig is a service listed by a seller agent.
type Gig struct {
	ID          string    `json:"id" yaml:"id"`
	SellerID    string    `json:"sellerId" yaml:"seller"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Category    string    `json:"category,omitempty" yaml:"category"`
	Tiers       []Tier    `json:"tiers" yaml:"tiers"`
	Active      bool      `json:"active" yaml:"-"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// Tier returns the tier with the given name (case-insensitive).
func (g *Gig) Tier(name string) (Tier, error) {
	for _, t := range g.Tiers {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %q on gig %s", ErrTierNotFound, name, g.ID)
}

// Clone returns a deep copy.
func (g *Gig) Clone() *Gig {
	cp := *g
	cp.Tiers = append([]Tier(nil), g.Tiers...)
	return &cp
}

// Normalize canonicalizes addresses, tier names and prices, and checks that
// the gig can be ordered.
func (g *Gig) Normalize() error {
	g.ID = strings.TrimSpace(g.ID)
	g.SellerID = strings.ToLower(strings.TrimSpace(g.SellerID))
	if g.ID == "" || g.SellerID == "" || strings.TrimSpace(g.Title) == "" {
		return fmt.Errorf("%w: id, seller and title are required", ErrInvalidGig)
	}
	if len(g.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidGig)
	}
	seen := make(map[string]bool, len(g.Tiers))
	for i := range g.Tiers {
		t := &g.Tiers[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.Name == "" || seen[t.Name] {
			return fmt.Errorf("%w: tier names must be unique and non-empty", ErrInvalidGig)
		}
		seen[t.Name] = true

		price, ok := usdc.Normalize(t.Price)
		if !ok || !usdc.IsPositive(price) {
			return fmt.Errorf("%w: tier %s price %q", ErrInvalidGig, t.Name, t.Price)
		}
		t.Price = price
		if t.DeliveryDays <= 0 {
			return fmt.Errorf("%w: tier %s delivery days must be positive", ErrInvalidGig, t.Name)
		}
	}
	return nil
}

// Store persists gigs.
type Store interface {
	// Create inserts a gig. Returns ErrGigExists if the ID is taken.
	Create(ctx context.Context, gig *Gig) error
	Get(ctx context.Context, id string) (*Gig, error)
	// Upsert inserts or replaces a gig; used by catalog seeding.
	Upsert(ctx context.Context, gig *Gig) error
	ListBySeller(ctx context.Context, sellerID string) ([]*Gig, error)
}
