// Package idgen generates identifiers for orders, reviews and settlement
// operations.
//
// Random identifiers come from UUIDv4. Idempotency keys are derived
// deterministically so a retried request maps to the same logical record.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "ord_3f2a...").
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

// Derived returns prefix followed by a stable identifier for parts. The same
// parts always yield the same identifier.
func Derived(prefix string, parts ...string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "\x1f")))
	return prefix + hex.EncodeToString(id[:])
}

// Key returns the idempotency key for one logical operation on a subject,
// e.g. Key("ord_x", "release") == "ord_x:release".
func Key(subject string, parts ...string) string {
	return subject + ":" + strings.ToLower(strings.Join(parts, ":"))
}

// Bytes32 hashes key into the 32-byte form used as an on-chain identifier.
func Bytes32(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}
