package dto

import (
	"encoding/json"
	"time"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// CreateJobRequest is the POST /api/v1/jobs body. Payload wins over Params
// when both are sent.
type CreateJobRequest struct {
	Type          string          `json:"type" validate:"required,oneof=EMBED DECODE"`
	SrcImagePath  string          `json:"srcImagePath" validate:"required,notblank"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	ThumbnailPath *string         `json:"thumbnailPath,omitempty"`
}

// RequestMeta is what the API records about the submitting client.
type RequestMeta struct {
	IP string
	UA string
}

type CreateJobResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type ListJobsQuery struct {
	Filter    string `form:"filter"`
	Search    string `form:"search"`
	StartDate string `form:"startDate"`
	EndDate   string `form:"endDate"`
	UserID    string `form:"userId"`
	Cursor    string `form:"cursor"`
	Limit     *int   `form:"limit"`
}

type ListJobsResponse struct {
	Jobs        []JobDTO `json:"jobs"`
	HasNextPage bool     `json:"hasNextPage"`
	NextCursor  string   `json:"nextCursor,omitempty"`
}

type JobDTO struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	UserID        string         `json:"userId"`
	UserName      string         `json:"userName"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	SrcImagePath  string         `json:"srcImagePath"`
	ThumbnailPath *string        `json:"thumbnailPath,omitempty"`
	Params        map[string]any `json:"params"`
	Result        map[string]any `json:"result"`
	IP            string         `json:"ip,omitempty"`
	UA            string         `json:"ua,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	DurationMs    *int64         `json:"durationMs,omitempty"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	params := map[string]any(job.Params)
	if params == nil {
		params = map[string]any{}
	}
	result := map[string]any(job.Result)
	if result == nil {
		result = map[string]any{}
	}

	return JobDTO{
		ID:            job.ID.String(),
		TenantID:      job.TenantID,
		UserID:        job.UserID,
		UserName:      job.UserName,
		Type:          string(job.Type),
		Status:        string(job.Status),
		SrcImagePath:  job.SrcImagePath,
		ThumbnailPath: job.ThumbnailPath,
		Params:        params,
		Result:        result,
		IP:            job.IP,
		UA:            job.UA,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		DurationMs:    job.DurationMs,
	}
}
