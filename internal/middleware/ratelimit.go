package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xxxsen/earnrag/internal/pkg/errcode"
	"github.com/xxxsen/earnrag/internal/pkg/response"
)

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// rateLimiter keeps one token bucket per client and route. Idle buckets are
// swept once per sweepInterval.
type rateLimiter struct {
	mu            sync.Mutex
	limit         rate.Limit
	burst         int
	entries       map[string]*limiterEntry
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// RateLimit allows perSecond requests per client and route with the given
// burst. A non-positive rate disables the limit.
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = 1
	}
	limiter := &rateLimiter{
		limit:         rate.Limit(perSecond),
		burst:         burst,
		entries:       make(map[string]*limiterEntry),
		sweepInterval: time.Minute,
		now:           time.Now,
	}
	return limiter.handle
}

func (l *rateLimiter) handle(c *gin.Context) {
	if l.limit <= 0 {
		c.Next()
		return
	}
	ip := c.ClientIP()
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	key := strings.Join([]string{ip, path}, "|")

	now := l.now()
	l.mu.Lock()
	l.cleanupExpiredLocked(now)
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.seen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.mu.Unlock()
	if !allowed {
		logutil.GetLogger(c.Request.Context()).Warn("rate limit hit",
			zap.String("ip", ip),
			zap.String("path", path),
		)
		response.Abort(c, errcode.ErrTooMany, http.StatusText(http.StatusTooManyRequests))
		return
	}
	c.Next()
}

func (l *rateLimiter) cleanupExpiredLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepInterval {
		return
	}
	for key, entry := range l.entries {
		if now.Sub(entry.seen) >= l.sweepInterval {
			delete(l.entries, key)
		}
	}
	l.lastSweep = now
}
