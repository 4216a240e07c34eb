package postgres

import (
	"context"
	"fmt"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// Registry is the Postgres-backed live-job registry. Claim relies on the
// primary key plus ON CONFLICT DO NOTHING, so two schedulers racing on the
// same target key cannot both win. It assumes a table schema like:
//
//	CREATE TABLE active_jobs (
//	    target_key TEXT PRIMARY KEY,
//	    job_id     TEXT NOT NULL,
//	    claimed_at TIMESTAMPTZ NOT NULL
//	);
type Registry struct {
	pool  querier
	clock pipeline.Clock
}

// NewRegistry constructs a registry from an existing pool.
func NewRegistry(pool querier, clock pipeline.Clock) *Registry {
	return &Registry{pool: pool, clock: clock}
}

// Claim records jobID as the live job for targetKey. It reports false when
// another job already holds the key.
func (r *Registry) Claim(ctx context.Context, targetKey, jobID string) (bool, error) {
	const query = `
INSERT INTO active_jobs (target_key, job_id, claimed_at)
VALUES ($1, $2, $3)
ON CONFLICT (target_key) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, targetKey, jobID, r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release frees the target key.
func (r *Registry) Release(ctx context.Context, targetKey string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM active_jobs WHERE target_key = $1`, targetKey); err != nil {
		return fmt.Errorf("release target: %w", err)
	}
	return nil
}
