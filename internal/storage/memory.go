package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// MemoryStore keeps jobs in process. It mirrors the Postgres semantics and
// backs local runs without a database as well as tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetTenantJob(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if matchesFilter(job, filter) {
			matched = append(matched, *cloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return before(matched[j].StartedAt, matched[j].ID, matched[i].StartedAt, matched[i].ID)
	})

	if len(matched) > filter.Limit+1 {
		matched = matched[:filter.Limit+1]
	}
	return matched, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, tenantID string, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenantID {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.JobStatusRunning
	job.UpdatedAt = s.now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, id uuid.UUID, outcome domain.Outcome) error {
	if err := domain.ValidateTransition(domain.JobStatusRunning, outcome.Status); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobStatusRunning {
		return domain.ErrJobNotRunning
	}

	finished := outcome.FinishedAt
	duration := outcome.DurationMs
	job.Status = outcome.Status
	job.Result = maps.Clone(outcome.Result)
	job.FinishedAt = &finished
	job.DurationMs = &duration
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	stale := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusPending && job.DispatchedAt.Before(dispatchedBefore) {
			stale = append(stale, *cloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].DispatchedAt.Before(stale[j].DispatchedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobStatusPending {
		return nil
	}
	job.DispatchedAt = at.UTC()
	job.DispatchCount++
	job.UpdatedAt = s.now().UTC()
	return nil
}

func matchesFilter(job *domain.Job, f JobFilter) bool {
	if job.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if f.JobType != "" && job.Type != f.JobType {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(jsonText(job.Params["watermark_text"])), needle) &&
			!strings.Contains(strings.ToLower(jsonText(job.Result["detected_text"])), needle) {
			return false
		}
	}
	if f.StartedFrom != nil && job.StartedAt.Before(*f.StartedFrom) {
		return false
	}
	if f.StartedTo != nil && job.StartedAt.After(*f.StartedTo) {
		return false
	}
	if f.Cursor != nil && !before(job.StartedAt, job.ID, f.Cursor.StartedAt, f.Cursor.ID) {
		return false
	}
	return true
}

// before reports whether (t, id) sorts strictly below (ct, cid) in row comparison order.
func before(t time.Time, id uuid.UUID, ct time.Time, cid uuid.UUID) bool {
	if !t.Equal(ct) {
		return t.Before(ct)
	}
	return bytes.Compare(id[:], cid[:]) < 0
}

// jsonText matches the Postgres ->> operator: strings unquoted, anything else as JSON.
func jsonText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	c.Params = maps.Clone(job.Params)
	c.Result = maps.Clone(job.Result)
	if job.ThumbnailPath != nil {
		p := *job.ThumbnailPath
		c.ThumbnailPath = &p
	}
	if job.FinishedAt != nil {
		f := *job.FinishedAt
		c.FinishedAt = &f
	}
	if job.DurationMs != nil {
		d := *job.DurationMs
		c.DurationMs = &d
	}
	return &c
}
