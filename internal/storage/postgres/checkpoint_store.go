package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// CheckpointStore persists per-job resume points as single rows, so a save
// is atomic. It assumes a table schema like:
//
//	CREATE TABLE checkpoints (
//	    job_id                 TEXT PRIMARY KEY,
//	    last_completed_item_id TEXT NOT NULL DEFAULT '',
//	    retry_count            INT NOT NULL DEFAULT 0,
//	    backoff_until          TIMESTAMPTZ,
//	    counts                 JSONB NOT NULL DEFAULT '{}'
//	);
type CheckpointStore struct {
	pool querier
}

// NewCheckpointStore constructs a store from an existing pool.
func NewCheckpointStore(pool querier) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Load fetches the job's checkpoint, or ErrNotFound when none exists.
func (s *CheckpointStore) Load(ctx context.Context, jobID string) (pipeline.Checkpoint, error) {
	const query = `
SELECT job_id, last_completed_item_id, retry_count, backoff_until, counts
FROM checkpoints WHERE job_id = $1`
	var (
		cp     pipeline.Checkpoint
		counts []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&cp.JobID, &cp.LastCompletedItemID, &cp.RetryCount, &cp.BackoffUntil, &counts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Checkpoint{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal(counts, &cp.Counts); err != nil {
		return pipeline.Checkpoint{}, fmt.Errorf("checkpoint %s: %v: %w", jobID, err, pipeline.ErrCheckpointCorrupt)
	}
	return cp, nil
}

// Save upserts the checkpoint row.
func (s *CheckpointStore) Save(ctx context.Context, cp pipeline.Checkpoint) error {
	if cp.JobID == "" {
		return fmt.Errorf("checkpoint requires job_id")
	}
	counts, err := json.Marshal(cp.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	const query = `
INSERT INTO checkpoints (job_id, last_completed_item_id, retry_count, backoff_until, counts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO UPDATE SET
    last_completed_item_id = EXCLUDED.last_completed_item_id,
    retry_count            = EXCLUDED.retry_count,
    backoff_until          = EXCLUDED.backoff_until,
    counts                 = EXCLUDED.counts`
	if _, err := s.pool.Exec(ctx, query,
		cp.JobID, cp.LastCompletedItemID, cp.RetryCount, cp.BackoffUntil, counts,
	); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint row; deleting a missing row is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
