// Package ratelimit provides fixed-window rate limiting backed by a counter
// that can be shared across instances (Redis) or kept in-process.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const keyNamespace = "escrow:rate_limit"

// Counter increments a key and sets its TTL on the first increment.
type Counter interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Config configures a fixed-window limiter
type Config struct {
	Scope  string        // Namespaces keys so limiters sharing a counter never collide
	Limit  int64         // Max hits per window
	Window time.Duration // Window length
}

// Limiter allows at most Limit hits per key per Window
type Limiter struct {
	cfg     Config
	counter Counter
	now     func() time.Time
}

// New creates a limiter over counter
func New(counter Counter, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{cfg: cfg, counter: counter, now: time.Now}
}

// Allow records a hit for key and reports whether it is within the limit.
// Window boundaries are aligned to the wall clock so every instance shares
// the same bucket for the same key.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.cfg.Limit <= 0 {
		return true, nil
	}
	count, err := l.counter.IncrWithTTL(ctx, l.bucketKey(key, l.now()), l.cfg.Window)
	if err != nil {
		return false, err
	}
	return count <= l.cfg.Limit, nil
}

// Limit returns the configured per-window limit
func (l *Limiter) Limit() int64 {
	return l.cfg.Limit
}

func (l *Limiter) bucketKey(key string, now time.Time) string {
	window := now.UnixNano() / int64(l.cfg.Window)
	return strings.Join([]string{keyNamespace, l.cfg.Scope, key, strconv.FormatInt(window, 10)}, ":")
}

// Middleware returns a Gin middleware that rate limits by the key keyFn
// derives from the request. An empty key skips limiting. Counter failures
// fail open.
func (l *Limiter) Middleware(keyFn func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			c.Next()
			return
		}

		allowed, err := l.Allow(c.Request.Context(), key)
		if err == nil && !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(l.cfg.Window.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ByClientIP keys requests by client IP
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}
