package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// rateLimiter caps per-source request rates on the agent surface with a
// one-minute sliding window. Limits are soft: counts race slightly under
// read-lock increments, which is acceptable for abuse protection.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	burst   int
	logger  *slog.Logger
	now     func() time.Time
}

type rateWindow struct {
	count int
	start time.Time
}

func newRateLimiter(perMinute int, logger *slog.Logger) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   perMinute,
		burst:   perMinute * 2,
		logger:  logger,
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

// allow reports whether one more request from key fits in the current window.
func (rl *rateLimiter) allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	switch {
	case w.count > rl.burst:
		return false
	case w.count > rl.limit:
		// Overage inside the burst allowance passes but is logged.
		rl.logger.Warn("rate limit exceeded", "key", key, "count", w.count, "limit", rl.limit)
	}
	return true
}

func (rl *rateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := rl.now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.start.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// rateLimitMiddleware guards the agent surface keyed by source IP. A nil
// limiter disables the check.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "Too many requests, slow down", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}
