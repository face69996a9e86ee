// Package ratelimit enforces per-endpoint request budgets on top of the
// ephemeral store, so the count holds across replicas. Two adjacent fixed
// buckets weighted by the elapsed window fraction approximate a sliding
// window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/praxisworks/gatewarden/internal/ephemeral"
)

// Rule is one endpoint budget: at most Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Limiter counts hits in window-aligned buckets keyed by endpoint and
// caller identity.
type Limiter struct {
	store  ephemeral.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store ephemeral.Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Bucket keys carry the window index; the TTL of two windows keeps the
// previous bucket readable for the weighted count, after which the key
// expires on its own.
func bucketKey(endpoint, id string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, id, bucket)
}

// Allow records one hit against the (endpoint, id) budget and reports
// whether it fits, with the wait until the next window when it does not.
// A store failure degrades open with a warning: the transport-level IP
// throttle still stands, and locking everyone out on a cache outage is
// worse than briefly losing the per-endpoint budget.
func (l *Limiter) Allow(ctx context.Context, endpoint, id string, rule Rule) (bool, time.Duration) {
	now := l.now()
	bucket := now.UnixNano() / int64(rule.Window)
	elapsed := time.Duration(now.UnixNano() % int64(rule.Window))

	cur, err := l.store.IncrWithTTL(ctx, bucketKey(endpoint, id, bucket), 2*rule.Window)
	if err != nil {
		l.logger.Warn("ratelimit_degraded", "endpoint", endpoint, "error", err)
		return true, 0
	}

	var prev int64
	raw, err := l.store.Get(ctx, bucketKey(endpoint, id, bucket-1))
	switch {
	case err == nil:
		prev, _ = strconv.ParseInt(raw, 10, 64)
	case !errors.Is(err, ephemeral.ErrNotFound):
		l.logger.Warn("ratelimit_degraded", "endpoint", endpoint, "error", err)
		return true, 0
	}

	// The previous bucket counts for the fraction of it still inside the
	// sliding window.
	weighted := float64(cur) + float64(prev)*(1-float64(elapsed)/float64(rule.Window))
	if weighted > float64(rule.Limit) {
		return false, rule.Window - elapsed
	}
	return true, 0
}
