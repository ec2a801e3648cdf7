// Package ratelimit throttles API calls per tenant, falling back to client IP
// for unauthenticated requests.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/fundroom/internal/auth"
	"github.com/mbd888/fundroom/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// IdleTTL drops keys not seen for this long
	IdleTTL time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		IdleTTL:           10 * time.Minute,
	}
}

// Limiter holds one token bucket per key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// New creates a limiter and starts its idle sweeper. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleTTL)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make another request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
		b = &bucket{lim: rate.NewLimiter(perSecond, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.seen = time.Now()
	l.mu.Unlock()
	return b.lim.Allow()
}

// Key picks the bucket for a request: team, then org, then client IP.
// It must run after auth.Middleware to see tenant ids.
func Key(c *gin.Context) string {
	if id := auth.TeamID(c); id != "" {
		return "team:" + id
	}
	if id := auth.OrgID(c); id != "" {
		return "org:" + id
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(Key(c)) {
			metrics.RateLimited.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
