package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/dto"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/middleware"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/common"
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var req dto.CreateJobRequest
	if !middleware.Bind(c, &req) {
		c.Abort()
		return
	}

	meta := dto.RequestMeta{IP: c.ClientIP(), UA: c.Request.UserAgent()}
	resp, err := h.service.CreateJob(c.Request.Context(), caller, &req, meta)
	if err != nil {
		c.Error(err)
		c.Abort()
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var query dto.ListJobsQuery
	if !middleware.BindQuery(c, &query) {
		c.Abort()
		return
	}

	resp, err := h.service.ListJobs(c.Request.Context(), caller, &query)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), caller, id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(c.Request.Context(), caller, id); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Events handles GET /api/v1/jobs/events, streaming the tenant's job
// status changes as server-sent events until the client disconnects.
func (h *JobHandler) Events(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	if h.subscriber == nil {
		c.Error(common.Errf(http.StatusServiceUnavailable, "job events are not enabled"))
		return
	}

	ctx := c.Request.Context()
	events, err := h.subscriber.Subscribe(ctx, caller.TenantID)
	if err != nil {
		h.logger.Error("Failed to subscribe to job events",
			slog.String("tenant_id", caller.TenantID),
			slog.Any("error", err),
		)
		c.Error(common.Errf(http.StatusServiceUnavailable, "job events are unavailable"))
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent("job", event)
			c.Writer.Flush()
		}
	}
}

func (h *JobHandler) caller(c *gin.Context) (auth.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.Error(common.Errf(http.StatusUnauthorized, "missing bearer token"))
		c.Abort()
	}
	return id, ok
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(common.FieldError(http.StatusBadRequest, "id", "must be a valid UUID"))
		c.Abort()
		return uuid.Nil, false
	}
	return id, true
}
