// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory, per-identity token-bucket limiter built
// on golang.org/x/time/rate. It backs both the general API limit and the
// one-manual-sync-per-window rule. Buckets are process-local, so in a
// multi-replica deployment each replica enforces its own budget.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity that owns a bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by user id, falling back to the client IP.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid, ok := UserID(c); ok {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. Idle buckets are evicted
// opportunistically. Safe for concurrent use.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	keyFn    keyFunc
	code     string
	message  string
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter allows rps requests per second with the given burst.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		code:     "rate_limited",
		message:  "rate limit exceeded",
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// NewWindowLimiter allows one request per window per key.
func NewWindowLimiter(window time.Duration, keyFn keyFunc, code, message string) *RateLimiter {
	rl := NewRateLimiter(0, 1, keyFn)
	rl.limit = rate.Every(window)
	if 2*window > rl.ttl {
		rl.ttl = 2 * window
	}
	if code != "" {
		rl.code = code
	}
	if message != "" {
		rl.message = message
	}
	return rl
}

// getVisitor returns the limiter for key. Eviction runs before the lookup so
// an idle bucket is dropped even when it is the one being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator exempted this request.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Allow takes a token for key. When none is available it returns the wait
// until the next one.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	lim := rl.getVisitor(key)
	r := lim.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Handler enforces the limit as middleware. Replays skip it. A rejected
// request gets 429 with Retry-After in whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		if ok, wait := rl.Allow(rl.keyFn(c)); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       rl.code,
				"message":    rl.message,
			})
			return
		}
		c.Next()
	}
}
