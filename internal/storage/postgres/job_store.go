package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// JobStore persists job rows. It assumes a table schema like:
//
//	CREATE TABLE jobs (
//	    id               TEXT PRIMARY KEY,
//	    kind             TEXT NOT NULL,
//	    source           TEXT NOT NULL,
//	    keyword          TEXT NOT NULL DEFAULT '',
//	    target_key       TEXT NOT NULL,
//	    priority         INT NOT NULL DEFAULT 0,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    status           TEXT NOT NULL,
//	    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
//	    started_at       TIMESTAMPTZ,
//	    finished_at      TIMESTAMPTZ,
//	    error_text       TEXT NOT NULL DEFAULT '',
//	    counts           JSONB NOT NULL DEFAULT '{}'
//	);
type JobStore struct {
	pool  querier
	clock pipeline.Clock
}

// NewJobStore constructs a store from an existing pool.
func NewJobStore(pool querier, clock pipeline.Clock) *JobStore {
	return &JobStore{pool: pool, clock: clock}
}

// CreateJob inserts a new job row. A duplicate ID is a permanent error.
func (s *JobStore) CreateJob(ctx context.Context, job pipeline.Job) error {
	counts, err := json.Marshal(job.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	const query = `
INSERT INTO jobs (id, kind, source, keyword, target_key, priority, created_at, status, error_text, counts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, query,
		job.ID, string(job.Kind), job.Target.Source, job.Target.Keyword,
		job.Target.Key(job.Kind), job.Priority, job.CreatedAt,
		string(job.Status), job.ErrorText, counts,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return pipeline.MarkPermanent(fmt.Errorf("job %s already exists", job.ID))
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus updates the status, error text, and counters for a job.
// The first Running transition stamps started_at; terminal transitions stamp
// finished_at.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status pipeline.JobStatus,
	errText string,
	counts pipeline.AggregateCounts,
) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	now := s.clock.Now()
	const query = `
UPDATE jobs SET
    status      = $2,
    error_text  = $3,
    counts      = $4,
    started_at  = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $5::timestamptz) ELSE started_at END,
    finished_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $5::timestamptz ELSE finished_at END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, countsJSON, now)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// RequestCancel raises the cooperative cancellation flag on a non-terminal
// job.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	const query = `
UPDATE jobs SET cancel_requested = TRUE
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the job is already terminal (a no-op) or it never existed.
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	const query = `
SELECT id, kind, source, keyword, priority, created_at, status, cancel_requested,
       started_at, finished_at, error_text, counts
FROM jobs WHERE id = $1`
	var (
		job    pipeline.Job
		kind   string
		status string
		counts []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &kind, &job.Target.Source, &job.Target.Keyword,
		&job.Priority, &job.CreatedAt, &status, &job.CancelRequested,
		&job.Started, &job.Finished, &job.ErrorText, &counts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Kind = pipeline.JobKind(kind)
	job.Status = pipeline.JobStatus(status)
	if err := json.Unmarshal(counts, &job.Counts); err != nil {
		return pipeline.Job{}, fmt.Errorf("decode job counts: %w", err)
	}
	return job, nil
}

// LastCompleted returns the finish time of the most recent completed job for
// the target key, or the zero time when none exists.
func (s *JobStore) LastCompleted(ctx context.Context, targetKey string) (time.Time, error) {
	const query = `
SELECT max(finished_at) FROM jobs WHERE target_key = $1 AND status = 'completed'`
	var last *time.Time
	if err := s.pool.QueryRow(ctx, query, targetKey).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last completed: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}
