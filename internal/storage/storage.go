package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// Store persists jobs. Every tenant-facing method takes the tenant id and
// never touches rows owned by another tenant.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	GetTenantJob(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Job, error)
	// ListJobs returns at most filter.Limit+1 rows so callers can detect a next page.
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	DeleteJob(ctx context.Context, tenantID string, id uuid.UUID) error

	// ClaimJob moves a PENDING job to RUNNING. ErrJobAlreadyClaimed otherwise.
	ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	// CompleteJob writes the terminal outcome of a RUNNING job. ErrJobNotRunning otherwise.
	CompleteJob(ctx context.Context, id uuid.UUID, outcome domain.Outcome) error

	ListStalePending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Job, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
}

// JobFilter narrows a tenant's job list.
type JobFilter struct {
	TenantID    string
	UserID      string
	JobType     domain.JobType
	Search      string
	StartedFrom *time.Time
	StartedTo   *time.Time
	Cursor      *JobCursor
	Limit       int
}

// JobCursor is the seek position of the last job on the previous page.
// ID breaks ties between jobs sharing a StartedAt.
type JobCursor struct {
	StartedAt time.Time
	ID        uuid.UUID
}
