package router

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/handler"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/middleware"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/service"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/notify"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	ServiceName    string
	Service        service.JobServiceInterface
	Auth           middleware.TokenValidator
	Subscriber     notify.Subscriber
	Metrics        *metrics.Metrics
	MetricsPath    string
	RateLimiter    *middleware.TenantLimiter
	RequestTimeout time.Duration
	HealthChecks   map[string]handler.HealthCheck
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}
	r.Use(middleware.ErrorHandler(deps.Logger))

	r.GET("/health", handler.Health(deps.ServiceName, deps.HealthChecks))

	jobHandler := handler.NewJobHandler(deps.Service, deps.Subscriber, deps.Logger)

	jobs := r.Group("/api/v1/jobs", middleware.Auth(deps.Auth))
	{
		// long-lived stream, outside the request timeout
		jobs.GET("/events", jobHandler.Events)

		bounded := jobs.Group("", middleware.TimeoutMiddleware(deps.RequestTimeout))
		if deps.RateLimiter != nil {
			bounded.POST("", middleware.RateLimit(deps.RateLimiter), jobHandler.CreateJob)
		} else {
			bounded.POST("", jobHandler.CreateJob)
		}
		bounded.GET("", jobHandler.ListJobs)
		bounded.GET("/:id", jobHandler.GetJob)
		bounded.DELETE("/:id", jobHandler.DeleteJob)
	}

	return r
}
