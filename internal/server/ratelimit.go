package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleClientAfter = 10 * time.Minute

// RateLimit is a per-client token bucket applied to the ingest webhooks.
// A zero PerSecond disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type rateLimiter struct {
	prefix    string
	cfg       RateLimit
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func newRateLimiter(prefix string, cfg RateLimit) *rateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &rateLimiter{prefix: prefix, cfg: cfg, clients: map[string]*clientLimiter{}, lastSweep: time.Now()}
}

func (rl *rateLimiter) limiterFor(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if now.Sub(rl.lastSweep) > staleClientAfter {
		for id, c := range rl.clients {
			if now.Sub(c.lastAccess) > staleClientAfter {
				delete(rl.clients, id)
			}
		}
		rl.lastSweep = now
	}
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst)}
		rl.clients[client] = c
	}
	c.lastAccess = now
	return c.limiter
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.cfg.PerSecond <= 0 || !strings.HasPrefix(r.URL.Path, rl.prefix) {
			next.ServeHTTP(w, r)
			return
		}
		client := clientID(r)
		res := rl.limiterFor(client).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			retryAfter := int(delay.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests",
				map[string]any{"retry_after": retryAfter}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys the bucket by the first forwarded address, else the peer address.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
