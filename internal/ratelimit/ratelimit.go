// Package ratelimit keeps token-bucket limiters keyed by caller.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per key and forgets idle keys.
type Limiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	clients map[string]*keyedLimiter
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perSecond events per key with the given burst.
// A non-positive rate disables limiting and returns nil.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		window:  5 * time.Minute,
		clients: make(map[string]*keyedLimiter),
	}
}

// NewPerMinute creates a limiter for the provided requests-per-minute budget.
func NewPerMinute(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	return New(float64(requestsPerMinute)/60.0, burst)
}

// Wait blocks until key may perform one more event or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	return l.get(key).Wait(ctx)
}

// Allow reports whether key may perform one more event now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.get(key).Allow()
}

// Handler returns a gin middleware throttling by client IP.
func (l *Limiter) Handler() gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"ok":    false,
				"error": "rate_limited",
			})
			return
		}

		c.Next()
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.clients[key] = &keyedLimiter{limiter: limiter, lastSeen: now}
	l.cleanupLocked(now)
	return limiter
}

func (l *Limiter) cleanupLocked(now time.Time) {
	for key, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.clients, key)
		}
	}
}
