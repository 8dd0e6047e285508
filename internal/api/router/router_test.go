package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/dto"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/middleware"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/service"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/dispatcher"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/executor"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// gatedPublisher holds every publish until released, then fails it so the
// job takes the local fallback path.
type gatedPublisher struct {
	release chan struct{}
}

func (p *gatedPublisher) PublishWithRetry(ctx context.Context, _ []byte, _ string) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return errors.New("broker unavailable")
}

type testApp struct {
	router     *gin.Engine
	dispatcher *dispatcher.Dispatcher
	publisher  *gatedPublisher
	authn      *auth.Authenticator
}

func newTestApp(t *testing.T, runner executor.Runner, limiter *middleware.TenantLimiter) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	m := metrics.New("test")
	pub := &gatedPublisher{release: make(chan struct{})}
	exec := executor.New(executor.Config{Store: store, Runner: runner, Metrics: m, Logger: discard, Timeout: time.Second})
	d := dispatcher.New(dispatcher.Config{Publisher: pub, Executor: exec, Store: store, Metrics: m, Logger: discard})
	authn := auth.NewAuthenticator(testSecret, "jobs-api")

	r := SetupRouter(&Dependencies{
		Logger:         discard,
		ServiceName:    "job-api-service",
		Service:        service.NewJobService(store, d, m, discard),
		Auth:           authn,
		Metrics:        m,
		RateLimiter:    limiter,
		RequestTimeout: 5 * time.Second,
	})

	return &testApp{router: r, dispatcher: d, publisher: pub, authn: authn}
}

func (a *testApp) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := a.authn.Issue(auth.Identity{TenantID: tenant, UserID: "user-1", UserName: "Alice"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) drain(t *testing.T) {
	t.Helper()
	close(a.publisher.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.dispatcher.Wait(ctx))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestEmbedJobLifecycle(t *testing.T) {
	var seen executor.Invocation
	runner := executor.RunnerFunc(func(_ context.Context, inv executor.Invocation) (executor.Output, error) {
		seen = inv
		return executor.Output{Stdout: "watermark embedded"}, nil
	})
	app := newTestApp(t, runner, nil)
	tok := app.token(t, "tenant-a")

	w := app.do(t, http.MethodPost, "/api/v1/jobs", tok, map[string]any{
		"type":         "EMBED",
		"srcImagePath": "foo.png",
		"payload":      map[string]any{"watermarkText": "X"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[map[string]any](t, w)
	assert.Equal(t, "EMBED", created["type"])
	assert.Equal(t, "PENDING", created["status"])
	assert.NotEmpty(t, created["id"])
	assert.NotEmpty(t, created["createdAt"])
	assert.Len(t, created, 4)

	w = app.do(t, http.MethodGet, "/api/v1/jobs?filter=embed", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	before := decode[dto.ListJobsResponse](t, w)
	require.Len(t, before.Jobs, 1)
	assert.Equal(t, created["id"], before.Jobs[0].ID)
	assert.Equal(t, "PENDING", before.Jobs[0].Status)
	assert.Empty(t, before.Jobs[0].Result)

	app.drain(t)

	w = app.do(t, http.MethodGet, "/api/v1/jobs?filter=embed", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	after := decode[dto.ListJobsResponse](t, w)
	require.Len(t, after.Jobs, 1)
	job := after.Jobs[0]
	assert.Equal(t, "DONE", job.Status)
	assert.Equal(t, "watermark embedded", job.Result["output"])
	require.NotNil(t, job.FinishedAt)
	require.NotNil(t, job.DurationMs)

	assert.Equal(t, "foo.png", seen.SrcImagePath)
	assert.Equal(t, "X", seen.Params["watermarkText"])

	w = app.do(t, http.MethodGet, "/api/v1/jobs?filter=decode", tok, nil)
	assert.Empty(t, decode[dto.ListJobsResponse](t, w).Jobs)
}

func TestFailingEngineEndsInError(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Invocation) (executor.Output, error) {
		return executor.Output{Stderr: "unsupported image format"}, nil
	})
	app := newTestApp(t, runner, nil)
	tok := app.token(t, "tenant-a")

	w := app.do(t, http.MethodPost, "/api/v1/jobs", tok, map[string]any{"type": "DECODE", "srcImagePath": "x.bmp"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[map[string]any](t, w)["id"].(string)

	app.drain(t)

	w = app.do(t, http.MethodGet, "/api/v1/jobs/"+id, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, "ERROR", job.Status)
	assert.Equal(t, "unsupported image format", job.Result["error"])
}

func TestTenantIsolationThroughRouter(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Invocation) (executor.Output, error) {
		return executor.Output{Stdout: "ok"}, nil
	})
	app := newTestApp(t, runner, nil)
	tokA, tokB := app.token(t, "tenant-a"), app.token(t, "tenant-b")

	w := app.do(t, http.MethodPost, "/api/v1/jobs", tokA, map[string]any{"type": "EMBED", "srcImagePath": "a.png"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[map[string]any](t, w)["id"].(string)
	app.drain(t)

	w = app.do(t, http.MethodGet, "/api/v1/jobs", tokB, nil)
	assert.Empty(t, decode[dto.ListJobsResponse](t, w).Jobs)

	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodGet, "/api/v1/jobs/"+id, tokB, nil).Code)
	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodDelete, "/api/v1/jobs/"+id, tokB, nil).Code)

	// still there for its owner
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/v1/jobs/"+id, tokA, nil).Code)
	assert.Equal(t, http.StatusNoContent, app.do(t, http.MethodDelete, "/api/v1/jobs/"+id, tokA, nil).Code)
	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodGet, "/api/v1/jobs/"+id, tokA, nil).Code)
}

func TestAuthRequired(t *testing.T) {
	app := newTestApp(t, executor.RunnerFunc(func(context.Context, executor.Invocation) (executor.Output, error) {
		return executor.Output{}, nil
	}), nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer abc.def.ghi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			app.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestCreateRateLimitedPerTenant(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Invocation) (executor.Output, error) {
		return executor.Output{Stdout: "ok"}, nil
	})
	app := newTestApp(t, runner, middleware.NewTenantLimiter(0.001, 2))
	tokA, tokB := app.token(t, "tenant-a"), app.token(t, "tenant-b")
	body := map[string]any{"type": "EMBED", "srcImagePath": "a.png"}

	assert.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/v1/jobs", tokA, body).Code)
	assert.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/v1/jobs", tokA, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, app.do(t, http.MethodPost, "/api/v1/jobs", tokA, body).Code)
	assert.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/v1/jobs", tokB, body).Code)

	// listing is not limited
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/v1/jobs", tokA, nil).Code)
	app.drain(t)
}

func TestOperationalEndpoints(t *testing.T) {
	app := newTestApp(t, executor.RunnerFunc(func(context.Context, executor.Invocation) (executor.Output, error) {
		return executor.Output{}, nil
	}), nil)

	w := app.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "job-api-service")

	w = app.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
