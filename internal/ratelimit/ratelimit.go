// Package ratelimit throttles callers of endpoints that cost a ledger query.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to drop idle keys
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used for buyer refreshes.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.buckets {
				if b.lastCheck.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make a request now, and consumes a token
// if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter is the number of seconds until one token is available.
func (l *Limiter) retryAfter() int {
	secs := 60 / l.cfg.RequestsPerMinute
	if secs < 1 {
		return 1
	}
	return secs
}

// Middleware returns a gin middleware that charges each request to keyFn.
func (l *Limiter) Middleware(keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(keyFn(c)) {
			retry := l.retryAfter()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}

// ByContextKey charges requests to the string stored under key in the gin
// context, falling back to the client IP.
func ByContextKey(key string) KeyFunc {
	return func(c *gin.Context) string {
		if v := c.GetString(key); v != "" {
			return "caller:" + v
		}
		return "ip:" + c.ClientIP()
	}
}
