// ABOUTME: Keyed store contract shared by every stateful component
// ABOUTME: Per-key TTLs and prefix listing, with atomicity only per key

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("not found")

// KV is a TTL-capable key-value store. A TTL of zero means the key never
// expires. Operations are atomic per key only; there are no multi-key
// transactions.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets the TTL of an existing key, or returns ErrNotFound.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys lists live keys beginning with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Exists reports whether key is present, treating ErrNotFound as false.
func Exists(ctx context.Context, kv KV, key string) (bool, error) {
	_, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
