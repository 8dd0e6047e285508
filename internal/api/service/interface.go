package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/dto"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// JobServiceInterface defines the contract for job business logic operations.
type JobServiceInterface interface {
	CreateJob(ctx context.Context, caller auth.Identity, req *dto.CreateJobRequest, meta dto.RequestMeta) (*dto.CreateJobResponse, error)
	ListJobs(ctx context.Context, caller auth.Identity, query *dto.ListJobsQuery) (*dto.ListJobsResponse, error)
	GetJob(ctx context.Context, caller auth.Identity, id uuid.UUID) (*dto.JobDTO, error)
	DeleteJob(ctx context.Context, caller auth.Identity, id uuid.UUID) error
}

// Dispatcher is satisfied by *dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job)
}
