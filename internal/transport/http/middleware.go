package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware emits one structured line per request, tagged with the
// wallet identifiers the route carries so log lines join against the
// engine's own entries.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []interface{}{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "user_id", id)
		}
		if holdID := c.Param("holdId"); holdID != "" {
			fields = append(fields, "hold_id", holdID)
		}
		log.Infow("request", fields...)
	}
}

// maxLimiterEntries caps the per-IP limiter map so a churn of client
// addresses cannot grow it without bound.
const maxLimiterEntries = 10000

// limiterIdleTTL is how long an IP may go unseen before its bucket is
// eligible for eviction.
const limiterIdleTTL = time.Minute

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies a token bucket per caller IP. The balance read
// path is hit on every page load, so the limiter map is bounded: when full,
// idle buckets are evicted before a new IP is admitted.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*ipLimiter)
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		now := time.Now()
		mu.Lock()
		entry, ok := buckets[ip]
		if !ok {
			if len(buckets) >= maxLimiterEntries {
				evictIdle(buckets, now)
			}
			entry = &ipLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			buckets[ip] = entry
		}
		entry.lastSeen = now
		mu.Unlock()
		if !entry.lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				gin.H{"code": "rate_limited", "error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// evictIdle drops every bucket unseen for limiterIdleTTL; if none qualify it
// drops the single stalest bucket so the new IP can still be admitted.
func evictIdle(buckets map[string]*ipLimiter, now time.Time) {
	var stalestKey string
	var stalestSeen time.Time
	for k, e := range buckets {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(buckets, k)
			continue
		}
		if stalestKey == "" || e.lastSeen.Before(stalestSeen) {
			stalestKey, stalestSeen = k, e.lastSeen
		}
	}
	if len(buckets) >= maxLimiterEntries && stalestKey != "" {
		delete(buckets, stalestKey)
	}
}
