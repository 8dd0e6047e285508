package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobType is the kind of watermark operation a job performs.
type JobType string

const (
	JobTypeEmbed  JobType = "EMBED"
	JobTypeDecode JobType = "DECODE"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeEmbed || t == JobTypeDecode
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusError   JobStatus = "ERROR"
)

// Result keys written by the executor.
const (
	ResultKeyOutput = "output"
	ResultKeyError  = "error"
)

// Job is one watermark embed or decode request and its lifecycle record.
type Job struct {
	ID            uuid.UUID         `db:"id"`
	TenantID      string            `db:"tenant_id"`
	UserID        string            `db:"user_id"`
	UserName      string            `db:"user_name"`
	Type          JobType           `db:"type"`
	Status        JobStatus         `db:"status"`
	SrcImagePath  string            `db:"src_image_path"`
	ThumbnailPath *string           `db:"thumbnail_path"`
	Params        datatypes.JSONMap `db:"params"`
	Result        datatypes.JSONMap `db:"result"`
	IP            string            `db:"ip"`
	UA            string            `db:"ua"`
	CreatedAt     time.Time         `db:"created_at"`
	StartedAt     time.Time         `db:"started_at"`
	FinishedAt    *time.Time        `db:"finished_at"`
	DurationMs    *int64            `db:"duration_ms"`
	DispatchedAt  time.Time         `db:"dispatched_at"`
	DispatchCount int               `db:"dispatch_count"`
	UpdatedAt     time.Time         `db:"updated_at"`
}

// NewJob builds a PENDING job with an empty result. Params is never nil.
func NewJob(tenantID, userID, userName string, jobType JobType, src string, params map[string]any, now time.Time) *Job {
	if params == nil {
		params = map[string]any{}
	}
	// Postgres keeps microseconds; truncating keeps cursors stable across stores.
	now = now.UTC().Truncate(time.Microsecond)
	return &Job{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       userID,
		UserName:     userName,
		Type:         jobType,
		Status:       JobStatusPending,
		SrcImagePath: src,
		Params:       datatypes.JSONMap(params),
		Result:       datatypes.JSONMap{},
		CreatedAt:    now,
		StartedAt:    now,
		DispatchedAt: now,
		UpdatedAt:    now,
	}
}

// Outcome is the terminal state the executor writes for a job.
type Outcome struct {
	Status     JobStatus
	Result     datatypes.JSONMap
	FinishedAt time.Time
	DurationMs int64
}

// Succeeded builds a DONE outcome carrying the command output.
func Succeeded(output string, finishedAt time.Time, duration time.Duration) Outcome {
	return Outcome{
		Status:     JobStatusDone,
		Result:     datatypes.JSONMap{ResultKeyOutput: output},
		FinishedAt: finishedAt.UTC(),
		DurationMs: duration.Milliseconds(),
	}
}

// Failed builds an ERROR outcome carrying a human readable message.
func Failed(message string, finishedAt time.Time, duration time.Duration) Outcome {
	return Outcome{
		Status:     JobStatusError,
		Result:     datatypes.JSONMap{ResultKeyError: message},
		FinishedAt: finishedAt.UTC(),
		DurationMs: duration.Milliseconds(),
	}
}

// JobMessage is the queue payload for a dispatched job.
type JobMessage struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
}
