package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	m := New("test")

	m.JobCreated("EMBED")
	m.JobCreated("EMBED")
	m.JobDispatched(PathFallback)
	m.JobFinished("EMBED", "DONE", 1200*time.Millisecond)
	m.ClaimConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsCreated.WithLabelValues("EMBED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsDispatched.WithLabelValues(PathFallback)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobsDispatched.WithLabelValues(PathQueue)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("EMBED", "DONE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimConflicts))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.JobCreated("DECODE")
		m.JobDispatched(PathQueue)
		m.JobFinished("DECODE", "ERROR", time.Second)
		m.ClaimConflict()
	})
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New("test")

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/v1/jobs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/v1/jobs/:id", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
	assert.Contains(t, w.Body.String(), `service="test"`)
}
