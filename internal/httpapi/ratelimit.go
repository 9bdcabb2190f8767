package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter keeps one token bucket per authenticated user, falling back to the client IP.
type userRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newUserRateLimiter(requestsPerSecond float64, burst int) *userRateLimiter {
	return &userRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (rateLimiter *userRateLimiter) allow(key string) bool {
	rateLimiter.mu.Lock()
	defer rateLimiter.mu.Unlock()
	now := rateLimiter.now()
	entry, exists := rateLimiter.limiters[key]
	if !exists {
		rateLimiter.evictIdle(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(rateLimiter.limit, rateLimiter.burst)}
		rateLimiter.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// evictIdle runs under mu.
func (rateLimiter *userRateLimiter) evictIdle(now time.Time) {
	for key, entry := range rateLimiter.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(rateLimiter.limiters, key)
		}
	}
}

func (rateLimiter *userRateLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		key := ctx.ClientIP()
		if claims := getClaims(ctx); claims != nil && claims.GetUserID() != "" {
			key = "user:" + claims.GetUserID()
		}
		if !rateLimiter.allow(key) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}
