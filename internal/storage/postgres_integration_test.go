//go:build integration

package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
	"github.com/k-yamada-dev/codecheck-202507-sub000/migrations"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/postgresql"
)

var pgClient *postgresql.Client

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not construct pool: %s", err)
	}
	pool.MaxWait = 60 * time.Second

	if err := pool.Client.Ping(); err != nil {
		log.Fatalf("Could not connect to Docker: %s", err)
	}

	pg, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "17-alpine",
		Env: []string{
			"POSTGRES_USER=testuser",
			"POSTGRES_PASSWORD=testpass",
			"POSTGRES_DB=jobs_test",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("Could not start postgres container: %s", err)
	}

	var port int
	fmt.Sscanf(pg.GetPort("5432/tcp"), "%d", &port)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := pool.Retry(func() error {
		var err error
		pgClient, err = postgresql.NewClient(&postgresql.Config{
			Host:         "localhost",
			Port:         port,
			User:         "testuser",
			Password:     "testpass",
			Database:     "jobs_test",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		}, quiet)
		return err
	}); err != nil {
		_ = pool.Purge(pg)
		log.Fatalf("Could not connect to postgres: %s", err)
	}

	if err := pgClient.Migrate(context.Background(), migrations.FS); err != nil {
		_ = pool.Purge(pg)
		log.Fatalf("Could not migrate: %s", err)
	}

	code := m.Run()

	pgClient.Close()
	if err := pool.Purge(pg); err != nil {
		log.Printf("Could not purge postgres container: %s", err)
	}
	os.Exit(code)
}

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	_, err := pgClient.GetDB().Exec(`TRUNCATE jobs`)
	require.NoError(t, err)
	return NewPostgresStore(pgClient.GetDB(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedPostgresJob(t *testing.T, s Store, tenant string, jobType domain.JobType, startedAt time.Time, params map[string]any) *domain.Job {
	t.Helper()
	job := domain.NewJob(tenant, "user-1", "Alice", jobType, "foo.png", params, startedAt)
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	thumb := "thumb.png"
	job := domain.NewJob("tenant-a", "user-1", "Alice", domain.JobTypeEmbed, "foo.png", map[string]any{"watermark_text": "hello"}, baseTime)
	job.ThumbnailPath = &thumb
	job.IP = "10.0.0.1"
	job.UA = "curl/8"
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetTenantJob(ctx, "tenant-a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Equal(t, "hello", got.Params["watermark_text"])
	assert.Equal(t, "thumb.png", *got.ThumbnailPath)
	assert.Equal(t, "10.0.0.1", got.IP)
	assert.True(t, baseTime.Equal(got.StartedAt))

	_, err = s.GetTenantJob(ctx, "tenant-b", job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPostgresStore_ListFiltersAndPagination(t *testing.T) {
	s := newPostgresStore(t)

	// two jobs per timestamp so the id tiebreak is exercised
	for i := range 12 {
		jobType := domain.JobTypeEmbed
		if i%3 == 0 {
			jobType = domain.JobTypeDecode
		}
		seedPostgresJob(t, s, "tenant-a", jobType, baseTime.Add(time.Duration(i/2)*time.Minute), map[string]any{"watermark_text": fmt.Sprintf("text-%d", i)})
	}
	seedPostgresJob(t, s, "tenant-b", domain.JobTypeEmbed, baseTime, nil)

	all := collectPages(t, s, JobFilter{TenantID: "tenant-a", Limit: 5})
	require.Len(t, all, 12)
	seen := map[uuid.UUID]bool{}
	for i, job := range all {
		assert.False(t, seen[job.ID], "duplicate job across pages")
		seen[job.ID] = true
		if i > 0 {
			assert.False(t, job.StartedAt.After(all[i-1].StartedAt), "not ordered newest first")
		}
	}

	decode := collectPages(t, s, JobFilter{TenantID: "tenant-a", JobType: domain.JobTypeDecode, Limit: 100})
	assert.Len(t, decode, 4)

	search := collectPages(t, s, JobFilter{TenantID: "tenant-a", Search: "TEXT-1", Limit: 100})
	// text-1, text-10, text-11
	assert.Len(t, search, 3)

	from := baseTime.Add(2 * time.Minute)
	to := baseTime.Add(3 * time.Minute)
	ranged := collectPages(t, s, JobFilter{TenantID: "tenant-a", StartedFrom: &from, StartedTo: &to, Limit: 100})
	assert.Len(t, ranged, 4)
}

func TestPostgresStore_SearchEscapesWildcards(t *testing.T) {
	s := newPostgresStore(t)
	seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, map[string]any{"watermark_text": "100% real"})
	seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, map[string]any{"watermark_text": "1000 real"})

	rows := collectPages(t, s, JobFilter{TenantID: "tenant-a", Search: "0%", Limit: 100})
	require.Len(t, rows, 1)
	assert.Equal(t, "100% real", rows[0].Params["watermark_text"])
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	job := seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, nil)

	err := s.CompleteJob(ctx, job.ID, domain.Succeeded("ok", baseTime.Add(time.Second), time.Second))
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)

	claimed, err := s.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, claimed.Status)

	_, err = s.ClaimJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	require.NoError(t, s.CompleteJob(ctx, job.ID, domain.Succeeded("ok", baseTime.Add(time.Second), time.Second)))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.Equal(t, "ok", got.Result[domain.ResultKeyOutput])
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(1000), *got.DurationMs)

	err = s.CompleteJob(ctx, job.ID, domain.Failed("late", baseTime.Add(2*time.Second), 2*time.Second))
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)
}

func TestPostgresStore_ConcurrentClaim(t *testing.T) {
	s := newPostgresStore(t)
	job := seedPostgresJob(t, s, "tenant-a", domain.JobTypeDecode, baseTime, nil)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimJob(context.Background(), job.ID); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestPostgresStore_StaleAndDispatch(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	stale := seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, nil)
	fresh := seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, nil)
	running := seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, nil)
	_, err := s.ClaimJob(ctx, running.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkDispatched(ctx, fresh.ID, baseTime.Add(time.Hour)))

	rows, err := s.ListStalePending(ctx, baseTime.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)

	got, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DispatchCount)

	// no-op once the job has left PENDING
	require.NoError(t, s.MarkDispatched(ctx, running.ID, baseTime.Add(time.Hour)))
	got, err = s.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DispatchCount)
}

func TestPostgresStore_Delete(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	job := seedPostgresJob(t, s, "tenant-a", domain.JobTypeEmbed, baseTime, nil)

	assert.ErrorIs(t, s.DeleteJob(ctx, "tenant-b", job.ID), domain.ErrJobNotFound)
	require.NoError(t, s.DeleteJob(ctx, "tenant-a", job.ID))
	assert.ErrorIs(t, s.DeleteJob(ctx, "tenant-a", job.ID), domain.ErrJobNotFound)
}
