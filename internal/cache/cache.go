// Package cache provides the shared ephemeral store backing active call
// sessions, per-user busy indices, end-of-call locks, and dedup counters.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// Store is the key-value capability set the realtime core relies on.
// All values are strings; callers serialize structs to JSON themselves.
type Store interface {
	// Get returns the value at key or ErrMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key=value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value only if the key is absent. Returns true if the
	// write happened. This is the primitive behind the end-of-call lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// DelIfEquals removes key only if its current value matches the given
	// token. Returns true if the key was removed. Used for lock release.
	DelIfEquals(ctx context.Context, key, token string) (bool, error)

	// Expire resets the TTL of key. Returns false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SAdd adds members to the set at key and applies the TTL to the key.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key. A missing key yields
	// an empty slice, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Close releases the underlying connection pool.
	Close() error
}

// Stats reports hit/miss counters for observability.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
}
