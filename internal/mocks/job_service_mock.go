package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/dto"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

type JobServiceMock struct {
	mock.Mock
}

func (m *JobServiceMock) CreateJob(ctx context.Context, caller auth.Identity, req *dto.CreateJobRequest, meta dto.RequestMeta) (*dto.CreateJobResponse, error) {
	args := m.Called(ctx, caller, req, meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.CreateJobResponse), args.Error(1)
}

func (m *JobServiceMock) ListJobs(ctx context.Context, caller auth.Identity, query *dto.ListJobsQuery) (*dto.ListJobsResponse, error) {
	args := m.Called(ctx, caller, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.ListJobsResponse), args.Error(1)
}

func (m *JobServiceMock) GetJob(ctx context.Context, caller auth.Identity, id uuid.UUID) (*dto.JobDTO, error) {
	args := m.Called(ctx, caller, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.JobDTO), args.Error(1)
}

func (m *JobServiceMock) DeleteJob(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	args := m.Called(ctx, caller, id)
	return args.Error(0)
}

// DispatcherMock records dispatched jobs.
type DispatcherMock struct {
	mock.Mock
}

func (m *DispatcherMock) Dispatch(ctx context.Context, job *domain.Job) {
	m.Called(ctx, job)
}
