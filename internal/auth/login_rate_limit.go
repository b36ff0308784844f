package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"directory-auth/internal/observability"
	"directory-auth/internal/store"
)

// LimitBackend counts login hits per IP. retryAfter is only meaningful when
// allowed is false.
type LimitBackend interface {
	Allow(ctx context.Context, ip string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

type LoginRateLimiter struct {
	backend LimitBackend
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewLoginRateLimiter(backend LimitBackend, logger *observability.Logger, metrics *observability.Metrics) *LoginRateLimiter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LoginRateLimiter{backend: backend, logger: logger, metrics: metrics, now: time.Now}
}

// Middleware rejects requests over the limit with 429. A failing backend lets
// the request through; account lockout still applies behind it.
func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.backend.Allow(r.Context(), ip, l.now().UTC())
		if err != nil {
			l.logger.Error("login_rate_limit_failed", map[string]any{"ip": ip, "error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if l.metrics != nil {
				l.metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryLimitBackend keeps a sliding window of hits per IP in process memory.
type MemoryLimitBackend struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
}

func NewMemoryLimitBackend(maxHits int, window time.Duration) *MemoryLimitBackend {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &MemoryLimitBackend{
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

// Allow records a hit for ip unless maxHits already fall inside the window
// ending at now. Rejected attempts are not counted.
func (l *MemoryLimitBackend) Allow(_ context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	since := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := recentHits(l.hitByIP[ip], since)
	if len(hits) >= l.maxHits {
		l.hitByIP[ip] = hits
		return false, store.RetryAfter(hits[0], l.window, now), nil
	}

	l.hitByIP[ip] = append(hits, now)
	if len(l.hitByIP) > l.maxMemory {
		l.evictIdle(since)
	}
	return true, 0, nil
}

// recentHits keeps the hits after since. Hits are appended in time order, so
// the expired ones form a prefix.
func recentHits(hits []time.Time, since time.Time) []time.Time {
	for i, hit := range hits {
		if hit.After(since) {
			return hits[i:]
		}
	}
	return nil
}

func (l *MemoryLimitBackend) evictIdle(since time.Time) {
	for ip, hits := range l.hitByIP {
		if len(hits) == 0 || !hits[len(hits)-1].After(since) {
			delete(l.hitByIP, ip)
		}
	}
}
