package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

const jobColumns = `
	id, tenant_id, user_id, user_name, type, status,
	src_image_path, thumbnail_path, params, result, ip, ua,
	created_at, started_at, finished_at, duration_ms,
	dispatched_at, dispatch_count, updated_at`

// PostgresStore is the sqlx backed Store.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `
		) VALUES (
			:id, :tenant_id, :user_id, :user_name, :type, :status,
			:src_image_path, :thumbnail_path, :params, :result, :ip, :ua,
			:created_at, :started_at, :finished_at, :duration_ms,
			:dispatched_at, :dispatch_count, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob loads a job regardless of tenant. Used by the executor only.
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) GetTenantJob(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND tenant_id = $2`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Search != "" {
		query += fmt.Sprintf(
			" AND (params->>'watermark_text' ILIKE $%d OR result->>'detected_text' ILIKE $%d)",
			argIdx, argIdx,
		)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argIdx++
	}

	if filter.StartedFrom != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argIdx)
		args = append(args, *filter.StartedFrom)
		argIdx++
	}

	if filter.StartedTo != nil {
		query += fmt.Sprintf(" AND started_at <= $%d", argIdx)
		args = append(args, *filter.StartedTo)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (started_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.StartedAt, filter.Cursor.ID)
		argIdx += 2
	}

	// id breaks ties so rows sharing a started_at keep a stable order across pages
	query += " ORDER BY started_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.Limit+1)

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, tenantID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

// ClaimJob is the idempotency guard: only one caller can move a job out of PENDING.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusRunning, id, domain.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("Claim skipped, job not pending",
				slog.String("job_id", id.String()),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, outcome domain.Outcome) error {
	if err := domain.ValidateTransition(domain.JobStatusRunning, outcome.Status); err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    finished_at = $3,
		    duration_ms = $4,
		    updated_at = NOW()
		WHERE id = $5
		  AND status = $6
	`

	res, err := s.db.ExecContext(ctx, query,
		outcome.Status, outcome.Result, outcome.FinishedAt, outcome.DurationMs,
		id, domain.JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobNotRunning
	}

	return nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		  AND dispatched_at < $2
		ORDER BY dispatched_at ASC
		LIMIT $3
	`

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, domain.JobStatusPending, dispatchedBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return jobs, nil
}

// MarkDispatched is a no-op once the job has left PENDING.
func (s *PostgresStore) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE jobs
		SET dispatched_at = $1,
		    dispatch_count = dispatch_count + 1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, at, id, domain.JobStatusPending); err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}

	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
