package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per client address.
type RateLimiter struct {
	limit    RateLimit
	idle     time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewRateLimiter returns nil when limit is not positive.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.RequestsPerMinute <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		idle:     5 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Middleware rejects clients that exceed their bucket with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter(clientID(req)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, key)
		}
	}
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
