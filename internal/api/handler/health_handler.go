package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether one backing service is usable.
type HealthCheck func(ctx context.Context) error

// Health handles GET /health. Any failing check turns the response into 503.
func Health(service string, checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		c.JSON(code, gin.H{
			"status":     status,
			"service":    service,
			"components": components,
		})
	}
}
