// Package kvstore provides the key-value store adapters that back the response
// cache and the quota counters. Every backend reports failures wrapped in
// ErrStoreUnavailable so callers can tell "the store said no" apart from
// "the store could not be reached".
package kvstore

import (
	"context"
	"errors"
	"time"
)

// TTL sentinel values, matching the Redis TTL command.
const (
	TTLMissing  int64 = -2 // key does not exist
	TTLNoExpiry int64 = -1 // key exists without expiry, or backend cannot report it
)

var (
	// ErrStoreUnavailable wraps every failure to reach or use the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrScanUnsupported is returned by backends that cannot enumerate keys.
	ErrScanUnsupported = errors.New("scan not supported by backend")
)

// Store is the uniform contract over a remote key-value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Set stores value under key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns every key matching the glob pattern, following backend
	// pagination to completion. Order is unspecified and keys are unique.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Increment atomically adds one to the counter at key and returns the new
	// value. ttlOnCreate is applied only when the key is created (value == 1).
	Increment(ctx context.Context, key string, ttlOnCreate time.Duration) (int64, error)

	// TTL returns remaining lifetime in whole seconds, TTLMissing when the key is
	// absent, or TTLNoExpiry when it has none.
	TTL(ctx context.Context, key string) (int64, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// IsUnavailable reports whether err is (or wraps) ErrStoreUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
