package handler

import (
	"log/slog"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/service"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/notify"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	service    service.JobServiceInterface
	subscriber notify.Subscriber
	logger     *slog.Logger
}

// NewJobHandler creates a new JobHandler instance. subscriber may be nil,
// which disables the event stream.
func NewJobHandler(s service.JobServiceInterface, subscriber notify.Subscriber, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:    s,
		subscriber: subscriber,
		logger:     logger,
	}
}
