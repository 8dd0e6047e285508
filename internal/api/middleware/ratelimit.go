package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/common"
)

// TenantLimiter hands out one token bucket per tenant.
type TenantLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	return &TenantLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimit rejects requests over the caller's tenant budget with 429.
// It must run after Auth.
func RateLimit(l *TenantLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			c.Next()
			return
		}
		if !l.Allow(id.TenantID) {
			c.Header("Retry-After", "1")
			c.Error(common.Errf(http.StatusTooManyRequests, "rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}
