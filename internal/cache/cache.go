package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("cache: key not found")

	// ErrUnavailable wraps any backend fault. Callers that guard money-moving
	// operations must treat it as a signal to fail closed.
	ErrUnavailable = errors.New("cache: backend unavailable")
)

// Cache is the shared short-TTL key-value store used by the idempotency
// guard, the risk validator, and the kill switch. It is injected into each
// component's constructor so tests can substitute the in-memory
// implementation.
//
// A ttl of zero means the key never expires.
type Cache interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes key only if it is absent, atomically. Returns true if the
	// write happened, false if the key already existed.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes all keys matching a glob pattern (e.g. "risk:42:*")
	// and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
}
