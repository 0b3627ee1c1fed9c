package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterMaxClients = 10000
)

// clientLimiter applies a token bucket per client IP. RemoteAddr is
// expected to be rewritten by middleware.RealIP beforehand.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[client]
	if !ok {
		if len(l.limiters) >= limiterMaxClients {
			l.evictLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[client] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// evictLocked drops idle clients, or the oldest one if none are idle.
func (l *clientLimiter) evictLocked(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for ip, e := range l.limiters {
		if now.Sub(e.lastAccess) > limiterIdleTTL {
			delete(l.limiters, ip)
			continue
		}
		if oldest == "" || e.lastAccess.Before(oldestAt) {
			oldest, oldestAt = ip, e.lastAccess
		}
	}
	if len(l.limiters) >= limiterMaxClients && oldest != "" {
		delete(l.limiters, oldest)
	}
}

// Middleware rejects requests over the limit with a 429 JSON body.
func (l *clientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r.RemoteAddr)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
