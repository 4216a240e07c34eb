package pipeline

import (
	"context"
	"time"
)

// SourceClient fetches forum content from one content provider.
type SourceClient interface {
	// ListNewPosts returns posts created after the given post ID, oldest
	// first, so checkpoints stay monotonic. An empty sinceID returns the
	// provider's full recent window.
	ListNewPosts(ctx context.Context, source, sinceID string) ([]Post, error)
	// SearchPosts returns posts matching a keyword, oldest first.
	SearchPosts(ctx context.Context, source, keyword string, limit int) ([]Post, error)
	// FetchThread returns the post and its full comment list.
	FetchThread(ctx context.Context, source, postID string) (Thread, error)
}

// Extractor calls the external extraction service for one chunk.
type Extractor interface {
	Extract(ctx context.Context, post Post, chunk Chunk) ([]Mention, error)
}

// MentionStore persists mentions and entity aggregates with idempotent
// upserts.
type MentionStore interface {
	// UpsertMention inserts the mention or folds new attributes/categories
	// into the existing row. It reports whether a new row was created.
	UpsertMention(ctx context.Context, m Mention) (bool, error)
	// MentionCount returns the number of distinct mentions for a restaurant.
	MentionCount(ctx context.Context, restaurantKey string) (int, error)
	UpsertEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, name string) (Entity, error)
	ListEntities(ctx context.Context) ([]Entity, error)
}

// CheckpointStore persists per-job resume points. Save must be atomic: a
// crash never leaves a partially written checkpoint.
type CheckpointStore interface {
	Load(ctx context.Context, jobID string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Delete(ctx context.Context, jobID string) error
}

// JobStore persists job rows and the per-target completion history the
// Scheduler reads.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counts AggregateCounts) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// RequestCancel raises the job's cooperative cancellation flag. It is a
	// no-op on jobs that are already terminal.
	RequestCancel(ctx context.Context, jobID string) error
	// LastCompleted returns the finish time of the most recent completed job
	// for the target key, or the zero time when none exists.
	LastCompleted(ctx context.Context, targetKey string) (time.Time, error)
}

// JobRegistry is the live-job set used to enforce one non-terminal job per
// target. Claim must be an atomic conditional insert so two schedulers racing
// on the same tick cannot both win.
type JobRegistry interface {
	Claim(ctx context.Context, targetKey, jobID string) (bool, error)
	Release(ctx context.Context, targetKey string) error
}

// JobQueue carries job specs from the Scheduler to the executors. Manual
// specs are delivered ahead of pending scheduled specs.
type JobQueue interface {
	Enqueue(ctx context.Context, spec JobSpec) error
	Dequeue(ctx context.Context) (JobSpec, error)
}

// ThreadArchive stores raw thread payloads before extraction and returns a
// URI for the stored object.
type ThreadArchive interface {
	PutThread(ctx context.Context, jobID, postID string, data []byte) (string, error)
}

// RetryPolicy classifies errors and computes backoff delays.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
