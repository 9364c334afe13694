package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/metrics"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RateLimiter counts requests per client IP in fixed windows aligned to the
// window length. Counters from past windows are dropped when a new window
// starts.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	start  time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per IP per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		counts: make(map[string]int),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a request from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if bucket := rl.now().Truncate(rl.window); !bucket.Equal(rl.start) {
		rl.start = bucket
		clear(rl.counts)
	}
	if rl.counts[ip] >= rl.limit {
		return false
	}
	rl.counts[ip]++
	return true
}

// Middleware rejects over-limit requests with 429. route labels the metric.
func (rl *RateLimiter) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop; the server is expected to
// run behind the hosting provider's proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
