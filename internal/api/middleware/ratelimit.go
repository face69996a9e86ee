package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
	"github.com/praxisworks/gatewarden/internal/metrics"
	"github.com/praxisworks/gatewarden/internal/ratelimit"
)

// IPThrottle is the coarse per-IP flood gate in front of every route.
// It is process-local on purpose: its job is protecting this instance,
// while the per-endpoint budgets below count across replicas.
type IPThrottle struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	logger   *slog.Logger
}

// NewIPThrottle builds the gate and starts a periodic wipe of the
// visitor map so idle IPs do not accumulate.
func NewIPThrottle(rps rate.Limit, burst int, logger *slog.Logger) *IPThrottle {
	t := &IPThrottle{rps: rps, burst: burst, logger: logger}
	go t.cleanupLoop()
	return t
}

func (t *IPThrottle) limiterFor(ip string) *rate.Limiter {
	if l, ok := t.visitors.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l, _ := t.visitors.LoadOrStore(ip, rate.NewLimiter(t.rps, t.burst))
	return l.(*rate.Limiter)
}

// cleanupLoop wipes the map every ten minutes. A fresh limiter starts
// with a full burst, which is harmless at this granularity.
func (t *IPThrottle) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		t.visitors.Range(func(key, _ interface{}) bool {
			t.visitors.Delete(key)
			return true
		})
	}
}

// Middleware rejects callers that exceed the per-IP rate.
func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := helpers.GetRealIP(r).String()
		if !t.limiterFor(ip).Allow() {
			t.logger.Warn("ip_throttled", "ip", ip, "path", r.URL.Path)
			helpers.RespondError(w, http.StatusTooManyRequests, helpers.KindRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EndpointLimit enforces a named per-endpoint budget from the shared
// sliding-window limiter. The counted identity is the authenticated
// user when there is one, otherwise the client IP.
func EndpointLimit(lim *ratelimit.Limiter, m *metrics.Metrics, endpoint string, rule ratelimit.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if userID, err := GetUserID(r.Context()); err == nil {
				id = userID.String()
			} else {
				id = helpers.GetRealIP(r).String()
			}

			ok, retryAfter := lim.Allow(r.Context(), endpoint, id, rule)
			if !ok {
				m.RateLimited.WithLabelValues(endpoint).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
				helpers.RespondError(w, http.StatusTooManyRequests, helpers.KindRateLimited, "too many requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up so the client never retries early.
func retryAfterSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
