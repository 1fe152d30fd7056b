// Package kvstore is a typed facade over the shared key-value store.
// Signing keys, abuse-ladder state, push buffers, and distributed locks
// all live behind this interface. Two backends exist: Redis for real
// deployments and an in-memory store for tests and single-process dev mode.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrKvUnavailable indicates the store could not be reached after retries.
// Read paths should treat it as a cache miss when safe; write paths must
// surface it as service degradation.
var ErrKvUnavailable = errors.New("kv store unavailable")

// ErrNotFound indicates the key does not exist.
var ErrNotFound = errors.New("key not found")

// Handler receives messages published on a subscribed channel.
type Handler func(payload string)

// Store is the uniform KV surface the rest of the system depends on.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent atomically writes key only if it does not exist.
	// Returns true if the write happened. Used for distributed locks.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListAppend appends value to the list at key.
	ListAppend(ctx context.Context, key, value string) error
	// ListTrim keeps only the elements in [start, stop] (inclusive,
	// negative indexes count from the tail).
	ListTrim(ctx context.Context, key string, start, stop int64) error
	// ListRange returns elements [start, stop] in order.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// Expire sets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetAdd adds member to the set at key.
	SetAdd(ctx context.Context, key, member string) error
	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error
	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetContains reports whether member is in the set at key.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// Publish sends payload to all subscribers of channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe registers handler for messages on channel. The returned
	// cancel function stops delivery.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)

	// Close releases the backend connection.
	Close() error
}

// retryPolicy caps the transient-error retry loop used by the Redis backend.
type retryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
}

var defaultRetry = retryPolicy{
	maxAttempts:  3,
	initialDelay: 50 * time.Millisecond,
	multiplier:   2.0,
	maxDelay:     500 * time.Millisecond,
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.initialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.multiplier)
		if d > p.maxDelay {
			return p.maxDelay
		}
	}
	return d
}
