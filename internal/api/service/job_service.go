// Package service holds the job API's business rules, between the HTTP
// handlers and the store.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/dto"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/common"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	dateOnlyLayout = "2006-01-02"
)

type JobService struct {
	store      storage.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewJobService(store storage.Store, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *JobService {
	return &JobService{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

var _ JobServiceInterface = (*JobService)(nil)

// CreateJob stores a PENDING job for the caller and dispatches it without
// waiting for the outcome.
func (s *JobService) CreateJob(ctx context.Context, caller auth.Identity, req *dto.CreateJobRequest, meta dto.RequestMeta) (*dto.CreateJobResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request canceled or timed out")
	}

	jobType := domain.JobType(req.Type)
	if !jobType.Valid() {
		return nil, common.NewAPIError(http.StatusBadRequest, "invalid job type", map[string]any{
			"provided": req.Type,
			"allowed":  []domain.JobType{domain.JobTypeEmbed, domain.JobTypeDecode},
		})
	}

	params, err := resolveParams(req)
	if err != nil {
		return nil, err
	}

	job := domain.NewJob(caller.TenantID, caller.UserID, caller.UserName, jobType,
		strings.TrimSpace(req.SrcImagePath), params, s.now())
	job.ThumbnailPath = resolveThumbnail(req.ThumbnailPath, params)
	job.IP = meta.IP
	job.UA = meta.UA

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.JobCreated(string(job.Type))
	s.logger.Info("Job created",
		slog.String("job_id", job.ID.String()),
		slog.String("tenant_id", job.TenantID),
		slog.String("user_id", job.UserID),
		slog.String("type", string(job.Type)),
	)

	s.dispatcher.Dispatch(ctx, job)

	return &dto.CreateJobResponse{
		ID:        job.ID.String(),
		Type:      string(job.Type),
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	}, nil
}

// resolveParams picks payload over params and requires a JSON object.
func resolveParams(req *dto.CreateJobRequest) (map[string]any, error) {
	field, raw := "payload", req.Payload
	if isAbsent(raw) {
		field, raw = "params", req.Params
	}
	if isAbsent(raw) {
		return map[string]any{}, nil
	}

	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, common.FieldError(http.StatusBadRequest, field, "must be a JSON object")
	}
	return params, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func resolveThumbnail(top *string, params map[string]any) *string {
	if top != nil && strings.TrimSpace(*top) != "" {
		v := strings.TrimSpace(*top)
		return &v
	}
	if v, ok := params["thumbnailPath"].(string); ok && strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		return &v
	}
	return nil
}

// ListJobs returns one page of the caller's tenant jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, caller auth.Identity, query *dto.ListJobsQuery) (*dto.ListJobsResponse, error) {
	filter, err := buildFilter(caller.TenantID, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	hasNext := len(rows) > filter.Limit
	if hasNext {
		rows = rows[:filter.Limit]
	}

	resp := &dto.ListJobsResponse{
		Jobs:        make([]dto.JobDTO, 0, len(rows)),
		HasNextPage: hasNext,
	}
	for i := range rows {
		resp.Jobs = append(resp.Jobs, dto.NewJobDTO(&rows[i]))
	}
	if hasNext {
		last := rows[len(rows)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{StartedAt: last.StartedAt, ID: last.ID})
	}
	return resp, nil
}

func buildFilter(tenantID string, q *dto.ListJobsQuery) (storage.JobFilter, error) {
	filter := storage.JobFilter{
		TenantID: tenantID,
		UserID:   strings.TrimSpace(q.UserID),
		Search:   strings.TrimSpace(q.Search),
		Limit:    DefaultPageSize,
	}

	if q.Limit != nil {
		if *q.Limit < 1 || *q.Limit > MaxPageSize {
			return filter, common.FieldError(http.StatusBadRequest, "limit", fmt.Sprintf("must be between 1 and %d", MaxPageSize))
		}
		filter.Limit = *q.Limit
	}

	switch strings.ToLower(q.Filter) {
	case "", "all":
	case "embed":
		filter.JobType = domain.JobTypeEmbed
	case "decode":
		filter.JobType = domain.JobTypeDecode
	default:
		return filter, common.FieldError(http.StatusBadRequest, "filter", "must be one of all, embed, decode")
	}

	from, err := parseDate(q.StartDate, false)
	if err != nil {
		return filter, common.FieldError(http.StatusBadRequest, "startDate", err.Error())
	}
	to, err := parseDate(q.EndDate, true)
	if err != nil {
		return filter, common.FieldError(http.StatusBadRequest, "endDate", err.Error())
	}
	if from != nil && to != nil && from.After(*to) {
		return filter, common.FieldError(http.StatusBadRequest, "startDate", "must not be after endDate")
	}
	filter.StartedFrom, filter.StartedTo = from, to

	cursor, err := DecodeJobCursor(q.Cursor)
	if err != nil {
		return filter, common.FieldError(http.StatusBadRequest, "cursor", "invalid cursor")
	}
	filter.Cursor = cursor

	return filter, nil
}

// parseDate accepts RFC3339 or YYYY-MM-DD. A date-only upper bound is
// extended to the last instant of that day.
func parseDate(value string, endOfDay bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		t = t.UTC()
		return &t, nil
	}

	t, err := time.Parse(dateOnlyLayout, value)
	if err != nil {
		return nil, errors.New("must be RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return &t, nil
}

func (s *JobService) GetJob(ctx context.Context, caller auth.Identity, id uuid.UUID) (*dto.JobDTO, error) {
	job, err := s.store.GetTenantJob(ctx, caller.TenantID, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, common.Errf(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	out := dto.NewJobDTO(job)
	return &out, nil
}

// DeleteJob hard-deletes a job of the caller's tenant. Jobs of other
// tenants are reported as not found.
func (s *JobService) DeleteJob(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	err := s.store.DeleteJob(ctx, caller.TenantID, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return common.Errf(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	s.logger.Info("Job deleted",
		slog.String("job_id", id.String()),
		slog.String("tenant_id", caller.TenantID),
		slog.String("user_id", caller.UserID),
	)
	return nil
}
