// Package executor implements the collection job execution loop.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/dispatch"
	"github.com/dishwire/dishwire/internal/merge"
	"github.com/dishwire/dishwire/internal/monitor"
	"github.com/dishwire/dishwire/internal/pipeline"
)

var errJobCancelled = errors.New("job cancelled")

// Config controls Executor behavior.
type Config struct {
	// MaxChunkSize bounds chunk membership; ExtractFromPost makes the post
	// body member zero of the first chunk.
	MaxChunkSize    int
	ExtractFromPost bool
	// SearchLimit caps how many posts a keyword-search job pulls.
	SearchLimit int
	// MaxJobRetries is the job-level retry budget; exceeding it fails the
	// job.
	MaxJobRetries int
	// FailureTolerance is the accepted failed-chunk fraction per item
	// (0.05 allows up to 5%).
	FailureTolerance float64
}

func (c *Config) applyDefaults() {
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 25
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 50
	}
	if c.MaxJobRetries <= 0 {
		c.MaxJobRetries = 3
	}
	if c.FailureTolerance <= 0 {
		c.FailureTolerance = 0.05
	}
}

// Executor consumes job specs and runs each job's state machine to a
// terminal status.
type Executor struct {
	queue       pipeline.JobQueue
	jobs        pipeline.JobStore
	checkpoints pipeline.CheckpointStore
	registry    pipeline.JobRegistry
	source      pipeline.SourceClient
	dispatcher  *dispatch.Dispatcher
	merger      *merge.Engine
	archive     pipeline.ThreadArchive
	monitor     *monitor.Monitor
	policy      pipeline.RetryPolicy
	clock       pipeline.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs an Executor. archive may be nil to skip raw-thread
// archival.
func New(
	queue pipeline.JobQueue,
	jobs pipeline.JobStore,
	checkpoints pipeline.CheckpointStore,
	registry pipeline.JobRegistry,
	source pipeline.SourceClient,
	dispatcher *dispatch.Dispatcher,
	merger *merge.Engine,
	archive pipeline.ThreadArchive,
	mon *monitor.Monitor,
	policy pipeline.RetryPolicy,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		queue:       queue,
		jobs:        jobs,
		checkpoints: checkpoints,
		registry:    registry,
		source:      source,
		dispatcher:  dispatcher,
		merger:      merger,
		archive:     archive,
		monitor:     mon,
		policy:      policy,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming job specs until the context finishes.
func (e *Executor) Run(ctx context.Context) {
	for {
		spec, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		e.logger.Debug("dequeued job", zap.String("job_id", spec.ID))
		e.ProcessJob(ctx, spec)
	}
}

// ProcessJob drives one job to a terminal status and releases its target
// claim.
func (e *Executor) ProcessJob(ctx context.Context, spec pipeline.JobSpec) {
	defer func() {
		if err := e.registry.Release(context.WithoutCancel(ctx), spec.Target.Key(spec.Kind)); err != nil {
			e.logger.Error("release target claim", zap.String("job_id", spec.ID), zap.Error(err))
		}
	}()

	cp := e.loadCheckpoint(ctx, spec.ID)
	e.monitor.JobStarted(spec.ID)
	if err := e.updateStatus(ctx, spec.ID, pipeline.JobStatusRunning, "", cp.Counts); err != nil {
		return
	}

	for {
		err := e.runItems(ctx, spec, &cp)
		if err == nil {
			e.finish(ctx, spec.ID, pipeline.JobStatusCompleted, "", cp.Counts)
			if err := e.checkpoints.Delete(context.WithoutCancel(ctx), spec.ID); err != nil {
				e.logger.Warn("delete checkpoint", zap.String("job_id", spec.ID), zap.Error(err))
			}
			return
		}
		if errors.Is(err, errJobCancelled) || errors.Is(err, context.Canceled) {
			e.finish(ctx, spec.ID, pipeline.JobStatusCancelled, err.Error(), cp.Counts)
			return
		}
		if pipeline.Classify(err) == pipeline.FailurePermanent {
			e.finish(ctx, spec.ID, pipeline.JobStatusFailed, err.Error(), cp.Counts)
			return
		}

		cp.RetryCount++
		if cp.RetryCount > e.cfg.MaxJobRetries {
			e.logger.Error("retry budget exhausted",
				zap.String("job_id", spec.ID),
				zap.Int("retries", cp.RetryCount-1),
				zap.Error(err),
			)
			e.finish(ctx, spec.ID, pipeline.JobStatusFailed, err.Error(), cp.Counts)
			return
		}

		delay := e.policy.Backoff(cp.RetryCount)
		cp.BackoffUntil = e.clock.Now().Add(delay)
		if saveErr := e.checkpoints.Save(ctx, cp); saveErr != nil {
			e.logger.Error("save retry checkpoint", zap.String("job_id", spec.ID), zap.Error(saveErr))
		}
		if upErr := e.updateStatus(ctx, spec.ID, pipeline.JobStatusRetrying, err.Error(), cp.Counts); upErr != nil {
			return
		}
		e.logger.Warn("job retrying",
			zap.String("job_id", spec.ID),
			zap.Int("retry", cp.RetryCount),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			e.finish(ctx, spec.ID, pipeline.JobStatusCancelled, ctx.Err().Error(), cp.Counts)
			return
		case <-time.After(delay):
		}
		if err := e.updateStatus(ctx, spec.ID, pipeline.JobStatusRunning, "", cp.Counts); err != nil {
			return
		}
	}
}

// loadCheckpoint returns the job's resume point, or a fresh one when none
// exists. A corrupt checkpoint is discarded: merges are idempotent, so
// re-processing from the start is safe.
func (e *Executor) loadCheckpoint(ctx context.Context, jobID string) pipeline.Checkpoint {
	cp, err := e.checkpoints.Load(ctx, jobID)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			e.logger.Warn("discarding unreadable checkpoint", zap.String("job_id", jobID), zap.Error(err))
		}
		return pipeline.Checkpoint{JobID: jobID}
	}
	return cp
}

// runItems processes the job's remaining work items in fetch order. It
// returns nil when every item is done, errJobCancelled on cancellation, and
// otherwise the first item-level failure worth a job retry.
func (e *Executor) runItems(ctx context.Context, spec pipeline.JobSpec, cp *pipeline.Checkpoint) error {
	posts, err := e.listItems(ctx, spec, cp.LastCompletedItemID)
	if err != nil {
		return fmt.Errorf("list work items: %w", err)
	}
	posts = skipCompleted(posts, cp.LastCompletedItemID)

	for _, post := range posts {
		if err := e.checkCancelled(ctx, spec.ID); err != nil {
			return err
		}
		if err := e.processItem(ctx, spec, post, cp); err != nil {
			if pipeline.Classify(err) == pipeline.FailurePermanent {
				e.logger.Warn("skipping inaccessible item",
					zap.String("job_id", spec.ID),
					zap.String("post_id", post.ID),
					zap.Error(err),
				)
				e.monitor.RecordItem(spec.ID, true)
				cp.Counts.ItemsSkipped++
				cp.LastCompletedItemID = post.ID
				if saveErr := e.checkpoints.Save(ctx, *cp); saveErr != nil {
					return fmt.Errorf("save checkpoint: %w", saveErr)
				}
				continue
			}
			return err
		}
	}
	return nil
}

// processItem runs fetch, archive, partition, dispatch, and merge for one
// post. The checkpoint is saved only after the merge commits.
func (e *Executor) processItem(ctx context.Context, spec pipeline.JobSpec, post pipeline.Post, cp *pipeline.Checkpoint) error {
	thread, err := e.source.FetchThread(ctx, spec.Target.Source, post.ID)
	if err != nil {
		return fmt.Errorf("fetch thread %s: %w", post.ID, err)
	}

	if e.archive != nil {
		raw, err := json.Marshal(thread)
		if err != nil {
			return pipeline.MarkPermanent(fmt.Errorf("encode thread %s: %w", post.ID, err))
		}
		uri, err := e.archive.PutThread(ctx, spec.ID, post.ID, raw)
		if err != nil {
			return fmt.Errorf("archive thread %s: %w", post.ID, err)
		}
		e.logger.Debug("thread archived", zap.String("post_id", post.ID), zap.String("uri", uri))
	}

	chunks := pipeline.Partition(thread.Post, thread.Comments, e.cfg.MaxChunkSize, e.cfg.ExtractFromPost)
	results := e.dispatcher.Dispatch(ctx, thread.Post, chunks)
	e.monitor.RecordDispatch(spec.ID, chunks, results)

	if !dispatch.WithinTolerance(results, e.cfg.FailureTolerance) {
		return fmt.Errorf("item %s: %.1f%% chunk success below tolerance: %w",
			post.ID, dispatch.SuccessRate(results), pipeline.ErrInvalidResponse)
	}

	stats, err := e.merger.Merge(ctx, results)
	if err != nil {
		return fmt.Errorf("merge item %s: %w", post.ID, err)
	}
	e.monitor.RecordMerge(spec.ID, stats.NewMentions)

	// Checkpoint counters move only with the commit: an item attempt that
	// fails and is retried must not inflate them. The monitor still sees
	// every dispatch round above.
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	cp.Counts.ChunksAttempted += len(results)
	cp.Counts.ChunksSucceeded += succeeded
	cp.Counts.ItemsProcessed++
	cp.Counts.MentionsMerged += stats.NewMentions
	cp.LastCompletedItemID = post.ID
	if err := e.checkpoints.Save(ctx, *cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.monitor.RecordItem(spec.ID, false)

	if err := e.updateStatus(ctx, spec.ID, pipeline.JobStatusRunning, "", cp.Counts); err != nil {
		return err
	}
	return nil
}

// listItems discovers the job's work items. A keyword selects work by
// search whatever the kind, so a manual job submitted with one behaves like
// its scheduled keyword-search twin.
func (e *Executor) listItems(ctx context.Context, spec pipeline.JobSpec, sinceID string) ([]pipeline.Post, error) {
	if spec.Kind == pipeline.KindKeywordSearch || spec.Target.Keyword != "" {
		return e.source.SearchPosts(ctx, spec.Target.Source, spec.Target.Keyword, e.cfg.SearchLimit)
	}
	return e.source.ListNewPosts(ctx, spec.Target.Source, sinceID)
}

// checkCancelled enforces cooperative cancellation at item boundaries: the
// context covers process shutdown, the job row covers operator cancels.
func (e *Executor) checkCancelled(ctx context.Context, jobID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
	if job.CancelRequested || job.Status == pipeline.JobStatusCancelled {
		return errJobCancelled
	}
	return nil
}

func (e *Executor) updateStatus(ctx context.Context, jobID string, status pipeline.JobStatus, errText string, counts pipeline.AggregateCounts) error {
	if err := e.jobs.UpdateJobStatus(ctx, jobID, status, errText, counts); err != nil {
		e.logger.Error("update job status failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, jobID string, status pipeline.JobStatus, errText string, counts pipeline.AggregateCounts) {
	if err := e.jobs.UpdateJobStatus(context.WithoutCancel(ctx), jobID, status, errText, counts); err != nil {
		e.logger.Error("final job status update failed", zap.String("job_id", jobID), zap.Error(err))
	}
	e.monitor.JobFinished(jobID, status)
	e.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("items_processed", counts.ItemsProcessed),
		zap.Int("mentions_merged", counts.MentionsMerged),
	)
}

// skipCompleted drops everything at or before the last completed item when
// that item appears in the list; otherwise the list is already incremental.
func skipCompleted(posts []pipeline.Post, lastID string) []pipeline.Post {
	if lastID == "" {
		return posts
	}
	for i, p := range posts {
		if p.ID == lastID {
			return posts[i+1:]
		}
	}
	return posts
}
