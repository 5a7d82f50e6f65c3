package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("rate limit exceeded")

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles callers individually, keyed by principal.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	idle      time.Duration
	clock     func() time.Time

	mu       sync.Mutex
	visitors map[string]*rateEntry
}

// NewRateLimiter allows perSecond sustained requests with bursts of burst per caller.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		idle:      10 * time.Minute,
		clock:     time.Now,
		visitors:  make(map[string]*rateEntry),
	}
}

// Middleware must run after authentication.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.RemoteAddr
		if p, ok := principalFrom(req.Context()); ok {
			key = p.String()
		}
		if !r.allow(key) {
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(key string) bool {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.visitors, id)
		}
	}
	entry, ok := r.visitors[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(r.perSecond, r.burst)}
		r.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
