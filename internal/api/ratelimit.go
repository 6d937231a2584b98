package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opensource-finance/riskscore/internal/domain"
)

// RateLimiter throttles requests per client IP with a token bucket.
// Limiters idle for longer than the client TTL are dropped.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client limiter from cfg.
func NewRateLimiter(cfg domain.RateLimitConfig) *RateLimiter {
	ttl := cfg.ClientTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		clients:   make(map[string]*client),
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		ttl:       ttl,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether the client may issue another request now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.ttl {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > l.ttl {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware rejects throttled clients with 429 and a Retry-After hint.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			retry := 1
			if l.limit > 0 {
				retry = int(math.Ceil(1 / float64(l.limit)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the request IP; chi's RealIP middleware has already
// replaced RemoteAddr when a proxy header was present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
