// Package ephemeral provides the TTL-indexed key/value store backing every
// short-lived artifact in the service: verification and reset tokens, login
// codes, attempt counters, pre-auth sessions, the refresh-token blacklist,
// the authorization cache, and rate-limit buckets.
//
// Two backends implement the same contract: an in-process map for
// development and tests, and Redis for anything with more than one replica.
// Single-use consumption relies on ConsumeIfEqual being atomic; a caller
// that loses the race must observe failure.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("ephemeral: key not found")

// defaultOpTimeout bounds every store operation; the ephemeral store sits on
// the hot path and must fail fast rather than stall a handler.
const defaultOpTimeout = time.Second

// Store is the contract shared by both backends.
type Store interface {
	// SetWithTTL stores value under key for the given duration, replacing
	// any previous value and TTL. ttl must be positive.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ConsumeIfEqual atomically deletes key if its current value equals
	// expect, returning whether the caller won the consumption. A missing
	// or mismatched key returns false with no error.
	ConsumeIfEqual(ctx context.Context, key, expect string) (bool, error)

	// IncrWithTTL increments the integer at key (creating it at 1) and
	// resets its TTL, returning the new count. The TTL refresh means a
	// counter that keeps being hit stays alive a full window past the
	// latest hit.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// DeletePrefix removes every key starting with prefix and reports how
	// many were deleted. Used by authorization-cache invalidation.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Ping verifies the backend is reachable, for readiness checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
