package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.Issue(ctx, "0xAgentABC", "primary", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") || len(rawKey) != 67 {
		t.Fatalf("unexpected raw key format %q", rawKey)
	}
	if !strings.HasPrefix(key.ID, "ak_") || key.Agent != "0xagentabc" {
		t.Fatalf("unexpected key metadata: %+v", key)
	}
	if key.Hash == rawKey || key.Hash == "" {
		t.Fatal("expected only the hash to be stored")
	}

	for _, presented := range []string{rawKey, "Bearer " + rawKey, "  " + rawKey + " "} {
		got, err := mgr.Validate(ctx, presented)
		if err != nil {
			t.Fatalf("Validate(%q): %v", presented, err)
		}
		if got.Agent != "0xagentabc" {
			t.Fatalf("unexpected agent %s", got.Agent)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := mgr.Validate(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
	if _, err := mgr.Validate(ctx, "pk_123"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for wrong prefix, got %v", err)
	}
	if _, err := mgr.Validate(ctx, "sk_unknown"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for unknown key, got %v", err)
	}
	if _, _, err := mgr.Issue(ctx, " ", "x", 0); err == nil {
		t.Error("expected empty agent to be rejected")
	}
}

func TestValidate_Expired(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }
	ctx := context.Background()

	rawKey, _, err := mgr.Issue(ctx, "0xagent", "short", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := mgr.Validate(ctx, rawKey); err != nil {
		t.Fatalf("expected key to be valid before expiry: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := mgr.Validate(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected expired key to be rejected, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.Issue(ctx, "0xagent", "a", 0)
	_, other, _ := mgr.Issue(ctx, "0xother", "b", 0)

	if err := mgr.Revoke(ctx, other.ID, "0xagent"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected revoking another agent's key to fail, got %v", err)
	}
	if err := mgr.Revoke(ctx, key.ID, "0xAGENT"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := mgr.Validate(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected revoked key to be rejected, got %v", err)
	}

	keys, _ := mgr.List(ctx, "0xagent")
	if len(keys) != 1 || !keys[0].Revoked {
		t.Fatalf("expected one revoked key, got %+v", keys)
	}
}
