package gigs

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseCatalog decodes and validates a YAML catalog:
//
//	gigs:
//	  - id: gig_logo
//	    seller: "0xabc..."
//	    title: Logo design
//	    tiers:
//	      - {name: basic, price: "10", deliveryDays: 3}
//
// Gigs without an explicit active flag are listed as active.
func ParseCatalog(data []byte) ([]*Gig, error) {
	var raw struct {
		Gigs []struct {
			Gig    `yaml:",inline"`
			Active *bool `yaml:"active"`
		} `yaml:"gigs"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse gig catalog: %w", err)
	}

	gigs := make([]*Gig, 0, len(raw.Gigs))
	seen := make(map[string]bool, len(raw.Gigs))
	for i := range raw.Gigs {
		g := raw.Gigs[i].Gig
		g.Active = raw.Gigs[i].Active == nil || *raw.Gigs[i].Active
		if err := g.Normalize(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("catalog entry %d: %w: duplicate id %s", i, ErrInvalidGig, g.ID)
		}
		seen[g.ID] = true
		gigs = append(gigs, &g)
	}
	return gigs, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) ([]*Gig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read gig catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Seed upserts every gig into store.
func Seed(ctx context.Context, store Store, gigs []*Gig) error {
	for _, g := range gigs {
		if err := store.Upsert(ctx, g); err != nil {
			return fmt.Errorf("failed to seed gig %s: %w", g.ID, err)
		}
	}
	return nil
}
