// Package auth identifies the agent behind each request.
//
// Agents authenticate with an API key ("Authorization: Bearer sk_..." or
// "X-API-Key"). The key's agent address is the actor for every order
// operation, so a seller cannot confirm their own delivery by claiming to be
// the buyer. Keys are issued by an operator holding the admin secret; only
// their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentbazaar/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey is a stored credential for one agent.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Agent     string     `json:"agent"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAgent(ctx context.Context, agent string) ([]*APIKey, error)
	Revoke(ctx context.Context, id string) error
}

// Manager issues and validates API keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Issue creates a key for agent. The raw key is returned once and never
// stored. A zero ttl means the key does not expire.
func (m *Manager) Issue(ctx context.Context, agent, name string, ttl time.Duration) (string, *APIKey, error) {
	agent = strings.ToLower(strings.TrimSpace(agent))
	if agent == "" {
		return "", nil, errors.New("agent address required")
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := "sk_" + hex.EncodeToString(b)

	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		Agent:     agent,
		Name:      name,
		CreatedAt: m.now(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Validate resolves a raw key (with or without the "Bearer " prefix).
func (m *Manager) Validate(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// List returns the keys issued to agent.
func (m *Manager) List(ctx context.Context, agent string) ([]*APIKey, error) {
	return m.store.ListByAgent(ctx, strings.ToLower(agent))
}

// Revoke disables a key owned by agent.
func (m *Manager) Revoke(ctx context.Context, keyID, agent string) error {
	keys, err := m.store.ListByAgent(ctx, strings.ToLower(agent))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return m.store.Revoke(ctx, keyID)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory key store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByAgent(ctx context.Context, agent string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Agent == agent {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}
