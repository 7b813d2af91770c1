package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// RateLimiter keeps a token bucket per tenant, or per client IP for
// requests that carry no tenant.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second with the given burst.
// rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Middleware must run after RequireTenant to key by tenant.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}
		key := c.GetString(contextTenantID)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		lim := rl.get(key)
		if !lim.Allow() {
			retryAfter := int(math.Max(1, math.Ceil(1/float64(rl.limit))))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			utils.ErrorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.limiters[key]
	if !ok {
		if now.Sub(rl.lastSweep) >= rl.idleTTL/2 {
			rl.evict(now)
			rl.lastSweep = now
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// evict drops buckets idle for longer than idleTTL. It runs at most once per
// half idleTTL, so a bucket may outlive idleTTL by up to that much. Callers
// hold mu.
func (rl *RateLimiter) evict(now time.Time) {
	for k, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.idleTTL {
			delete(rl.limiters, k)
		}
	}
}
