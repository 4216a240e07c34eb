package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// ErrTargetBusy is returned by Submit when a non-terminal job already holds
// the target.
var ErrTargetBusy = errors.New("a job is already active for this target")

// SourceConfig names one forum source and how often to collect from it.
type SourceConfig struct {
	Name     string
	Interval time.Duration
}

// Config tunes the Scheduler.
type Config struct {
	Sources []SourceConfig
	// EnrichInterval is how often the enrichment cycle runs; TopK is how
	// many entities it selects per cycle.
	EnrichInterval time.Duration
	TopK           int
}

// Scheduler creates collection jobs. Tick is safe to call from concurrent
// schedulers: the registry's atomic claim makes double emission for one
// target structurally impossible.
type Scheduler struct {
	cfg      Config
	jobs     pipeline.JobStore
	registry pipeline.JobRegistry
	queue    pipeline.JobQueue
	mentions pipeline.MentionStore
	scorer   *Scorer
	clock    pipeline.Clock
	ids      pipeline.IDGenerator
	logger   *zap.Logger

	lastEnrich time.Time
}

// New constructs a Scheduler.
func New(
	cfg Config,
	jobs pipeline.JobStore,
	registry pipeline.JobRegistry,
	queue pipeline.JobQueue,
	mentions pipeline.MentionStore,
	scorer *Scorer,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if cfg.EnrichInterval <= 0 {
		cfg.EnrichInterval = 24 * time.Hour
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		jobs:     jobs,
		registry: registry,
		queue:    queue,
		mentions: mentions,
		scorer:   scorer,
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

// Tick emits due jobs: one chronological job per source whose interval has
// elapsed, plus keyword-search jobs for the top-scored entities once per
// enrichment cycle. It returns the specs it created and enqueued.
func (s *Scheduler) Tick(ctx context.Context) ([]pipeline.JobSpec, error) {
	now := s.clock.Now()
	var emitted []pipeline.JobSpec

	for _, src := range s.cfg.Sources {
		target := pipeline.Target{Source: src.Name}
		last, err := s.jobs.LastCompleted(ctx, target.Key(pipeline.KindChronological))
		if err != nil {
			return emitted, fmt.Errorf("last completed for %s: %w", src.Name, err)
		}
		if !last.IsZero() && now.Sub(last) < src.Interval {
			continue
		}
		spec, err := s.emit(ctx, pipeline.KindChronological, target, 0, now)
		if err != nil {
			return emitted, err
		}
		if spec != nil {
			emitted = append(emitted, *spec)
		}
	}

	if now.Sub(s.lastEnrich) >= s.cfg.EnrichInterval {
		specs, err := s.enrich(ctx, now)
		emitted = append(emitted, specs...)
		if err != nil {
			return emitted, err
		}
		s.lastEnrich = now
	}

	return emitted, nil
}

// Submit creates a manual job. It bypasses interval checks but still respects
// target exclusivity and is delivered ahead of pending scheduled jobs.
func (s *Scheduler) Submit(ctx context.Context, target pipeline.Target) (pipeline.JobSpec, error) {
	spec, err := s.emit(ctx, pipeline.KindManual, target, 100, s.clock.Now())
	if err != nil {
		return pipeline.JobSpec{}, err
	}
	if spec == nil {
		return pipeline.JobSpec{}, ErrTargetBusy
	}
	return *spec, nil
}

// enrich selects the top-K entities and emits one keyword-search job per
// entity-per-source pair.
func (s *Scheduler) enrich(ctx context.Context, now time.Time) ([]pipeline.JobSpec, error) {
	entities, err := s.mentions.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	top := s.scorer.TopK(entities, now, s.cfg.TopK)

	var emitted []pipeline.JobSpec
	for _, entity := range top {
		priority := int(s.scorer.Score(entity, now))
		for _, src := range s.cfg.Sources {
			target := pipeline.Target{Source: src.Name, Keyword: entity.Name}
			spec, err := s.emit(ctx, pipeline.KindKeywordSearch, target, priority, now)
			if err != nil {
				return emitted, err
			}
			if spec != nil {
				emitted = append(emitted, *spec)
			}
		}
	}
	return emitted, nil
}

// emit claims the target, persists the job row, and enqueues the spec. A
// lost claim means another job is live for the target; emit reports that by
// returning a nil spec. The claim is released again on any later failure so
// the target does not stay wedged.
func (s *Scheduler) emit(ctx context.Context, kind pipeline.JobKind, target pipeline.Target, priority int, now time.Time) (*pipeline.JobSpec, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new job id: %w", err)
	}
	key := target.Key(kind)

	claimed, err := s.registry.Claim(ctx, key, id)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		s.logger.Debug("target already claimed", zap.String("target", key))
		return nil, nil
	}

	spec := pipeline.JobSpec{
		ID:        id,
		Kind:      kind,
		Target:    target,
		Priority:  priority,
		CreatedAt: now,
	}
	job := pipeline.Job{JobSpec: spec, Status: pipeline.JobStatusQueued}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.release(ctx, key)
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	if err := s.queue.Enqueue(ctx, spec); err != nil {
		s.release(ctx, key)
		return nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	s.logger.Info("job emitted",
		zap.String("job_id", id),
		zap.String("kind", string(kind)),
		zap.String("target", key),
		zap.Int("priority", priority),
	)
	return &spec, nil
}

func (s *Scheduler) release(ctx context.Context, key string) {
	if err := s.registry.Release(ctx, key); err != nil {
		s.logger.Error("release claim", zap.String("target", key), zap.Error(err))
	}
}
