// Package dispatch runs chunk extraction through a bounded worker pool.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// Config controls Dispatcher behavior.
type Config struct {
	// Concurrency bounds the worker pool; defaults to 4.
	Concurrency int
	// ChunkRetries is the per-chunk retry budget for transient gateway
	// failures, distinct from the job-level budget.
	ChunkRetries int
	// CallTimeout bounds a single gateway call.
	CallTimeout time.Duration
}

// Dispatcher fans chunks out to the extraction gateway and collects one
// terminal result per chunk.
type Dispatcher struct {
	extractor pipeline.Extractor
	policy    pipeline.RetryPolicy
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Dispatcher.
func New(
	extractor pipeline.Extractor,
	policy pipeline.RetryPolicy,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ChunkRetries < 0 {
		cfg.ChunkRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		extractor: extractor,
		policy:    policy,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Dispatch runs every chunk to a terminal outcome and returns once all have
// finished. Chunks complete independently and out of order; the returned
// slice is indexed by the input order. Partial completion is never exposed.
func (d *Dispatcher) Dispatch(ctx context.Context, post pipeline.Post, chunks []pipeline.Chunk) []pipeline.ExtractionResult {
	results := make([]pipeline.ExtractionResult, len(chunks))
	if len(chunks) == 0 {
		return results
	}

	type indexed struct {
		idx   int
		chunk pipeline.Chunk
	}
	work := make(chan indexed)
	var wg sync.WaitGroup

	workers := d.cfg.Concurrency
	if workers > len(chunks) {
		workers = len(chunks)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				results[item.idx] = d.runChunk(ctx, post, item.chunk)
			}
		}()
	}

	for i, chunk := range chunks {
		work <- indexed{idx: i, chunk: chunk}
	}
	close(work)
	wg.Wait()
	return results
}

// runChunk drives one chunk through its retry budget. Exhausting the budget
// records a failure rather than blocking the batch.
func (d *Dispatcher) runChunk(ctx context.Context, post pipeline.Post, chunk pipeline.Chunk) pipeline.ExtractionResult {
	start := d.clock.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		mentions, err := d.extractOnce(ctx, post, chunk)
		if err == nil {
			return pipeline.ExtractionResult{
				ChunkID:  chunk.ID,
				Mentions: mentions,
				Timing:   d.clock.Now().Sub(start),
			}
		}
		lastErr = err

		kind := pipeline.Classify(err)
		if kind == pipeline.FailurePermanent || attempt >= d.cfg.ChunkRetries {
			d.logger.Warn("chunk extraction failed",
				zap.String("chunk_id", chunk.ID),
				zap.String("failure", string(kind)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return pipeline.ExtractionResult{
				ChunkID: chunk.ID,
				Failure: kind,
				Err:     lastErr,
				Timing:  d.clock.Now().Sub(start),
			}
		}

		select {
		case <-ctx.Done():
			return pipeline.ExtractionResult{
				ChunkID: chunk.ID,
				Failure: pipeline.FailurePermanent,
				Err:     ctx.Err(),
				Timing:  d.clock.Now().Sub(start),
			}
		case <-time.After(d.policy.Backoff(attempt)):
		}
	}
}

func (d *Dispatcher) extractOnce(ctx context.Context, post pipeline.Post, chunk pipeline.Chunk) ([]pipeline.Mention, error) {
	callCtx := ctx
	cancel := func() {}
	if d.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
	}
	defer cancel()
	return d.extractor.Extract(callCtx, post, chunk)
}

// SuccessRate returns the percentage of successful results, 100 for an empty
// batch.
func SuccessRate(results []pipeline.ExtractionResult) float64 {
	if len(results) == 0 {
		return 100
	}
	ok := 0
	for _, r := range results {
		if r.Succeeded() {
			ok++
		}
	}
	return float64(ok) / float64(len(results)) * 100
}

// WithinTolerance reports whether the failed-chunk fraction stays under the
// configured tolerance (e.g. 0.05 allows up to 5% failures).
func WithinTolerance(results []pipeline.ExtractionResult, tolerance float64) bool {
	if len(results) == 0 {
		return true
	}
	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	return float64(failed)/float64(len(results)) <= tolerance
}
