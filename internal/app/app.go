// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcsClient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/api"
	archiveGCS "github.com/dishwire/dishwire/internal/archive/gcs"
	archiveLocal "github.com/dishwire/dishwire/internal/archive/local"
	archiveMemory "github.com/dishwire/dishwire/internal/archive/memory"
	clockSystem "github.com/dishwire/dishwire/internal/clock/system"
	"github.com/dishwire/dishwire/internal/config"
	"github.com/dishwire/dishwire/internal/dispatch"
	"github.com/dishwire/dishwire/internal/executor"
	"github.com/dishwire/dishwire/internal/gateway"
	idUUID "github.com/dishwire/dishwire/internal/id/uuid"
	"github.com/dishwire/dishwire/internal/logging"
	"github.com/dishwire/dishwire/internal/merge"
	"github.com/dishwire/dishwire/internal/monitor"
	"github.com/dishwire/dishwire/internal/pipeline"
	queueMemory "github.com/dishwire/dishwire/internal/queue/memory"
	queuePubSub "github.com/dishwire/dishwire/internal/queue/pubsub"
	"github.com/dishwire/dishwire/internal/scheduler"
	sourceHTTP "github.com/dishwire/dishwire/internal/source/http"
	storageMemory "github.com/dishwire/dishwire/internal/storage/memory"
	storagePostgres "github.com/dishwire/dishwire/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	monitor   *monitor.Monitor
	server    *api.Server

	queue   pipeline.JobQueue
	closers []func() error
}

// New builds the full service graph from configuration. It fails fast if any
// backing service cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	clock := clockSystem.New()
	ids := idUUID.New()

	jobs, checkpoints, mentions, registry, err := a.buildStores(ctx, clock)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	queue, err := a.buildQueue(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.queue = queue

	archive, err := a.buildArchive(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	extractor, err := gateway.New(gateway.ProviderConfig{
		Provider:        cfg.Model.Provider,
		Model:           cfg.Model.Name,
		OpenAIAPIKey:    cfg.Model.OpenAIAPIKey,
		AnthropicAPIKey: cfg.Model.AnthropicAPIKey,
		OllamaHost:      cfg.Model.OllamaHost,
	}, logger)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("init extraction model: %w", err)
	}

	source := sourceHTTP.New(sourceHTTP.Config{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.RequestTimeout,
		RPS:       cfg.Source.RPS,
		Burst:     cfg.Source.Burst,
	}, logger)

	policy := pipeline.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	mon := monitor.New(monitor.Config{
		WindowSize:                cfg.Monitor.WindowSize,
		MinSuccessRate:            cfg.Monitor.MinSuccessRate,
		MaxConsecutiveJobFailures: cfg.Monitor.MaxConsecutiveJobFailures,
	}, clock, logger)
	a.monitor = mon

	dispatcher := dispatch.New(extractor, policy, clock, dispatch.Config{
		Concurrency:  cfg.Dispatch.Concurrency,
		ChunkRetries: cfg.Dispatch.ChunkRetries,
		CallTimeout:  cfg.Dispatch.CallTimeout,
	}, logger)
	merger := merge.New(mentions, clock, logger)

	a.executor = executor.New(
		queue, jobs, checkpoints, registry, source, dispatcher, merger, archive, mon,
		policy, clock,
		executor.Config{
			MaxChunkSize:     cfg.Executor.MaxChunkSize,
			ExtractFromPost:  cfg.Executor.ExtractFromPost,
			SearchLimit:      cfg.Executor.SearchLimit,
			MaxJobRetries:    cfg.Executor.MaxJobRetries,
			FailureTolerance: cfg.Executor.FailureTolerance,
		},
		logger,
	)

	scorer := scheduler.NewScorer(scheduler.ScoreWeights{
		RecencyGap:   cfg.Scorer.RecencyWeight,
		Demand:       cfg.Scorer.DemandWeight,
		Completeness: cfg.Scorer.CompletenessWeight,
	}, cfg.Scorer.RecencyReference, cfg.Scorer.DemandReference)

	sources := make([]scheduler.SourceConfig, 0, len(cfg.Scheduler.Sources))
	for _, s := range cfg.Scheduler.Sources {
		sources = append(sources, scheduler.SourceConfig{Name: s.Name, Interval: s.Interval})
	}
	a.scheduler = scheduler.New(scheduler.Config{
		Sources:        sources,
		EnrichInterval: cfg.Scheduler.EnrichInterval,
		TopK:           cfg.Scheduler.TopK,
	}, jobs, registry, queue, mentions, scorer, clock, ids, logger)

	a.server = api.NewServer(api.Config{}, a.scheduler, jobs, mentions, mon, logger)

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("model", cfg.Model.Provider),
	)
	return a, nil
}

// Scheduler exposes the job scheduler, mainly for one-shot CLI commands.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the scheduler tick loop, the executor workers, and the admin
// HTTP server, and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	tick := a.cfg.Scheduler.TickInterval
	if tick <= 0 {
		tick = time.Minute
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			if _, err := a.scheduler.Tick(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("scheduler tick", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	workers := a.cfg.Executor.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.executor.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin server listening", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("admin server shutdown", zap.Error(err))
	}
	wg.Wait()
	return runErr
}

// Close tears down backing services in reverse initialization order.
func (a *App) Close() {
	a.closeAll()
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr may not support sync.
		_ = err
	}
}

func (a *App) buildStores(ctx context.Context, clock pipeline.Clock) (
	pipeline.JobStore,
	pipeline.CheckpointStore,
	pipeline.MentionStore,
	pipeline.JobRegistry,
	error,
) {
	switch a.cfg.Storage.Provider {
	case "memory":
		a.logger.Info("using in-memory storage; state is lost on restart")
		return storageMemory.NewJobStore(clock),
			storageMemory.NewCheckpointStore(),
			storageMemory.NewMentionStore(),
			storageMemory.NewRegistry(),
			nil
	case "postgres":
		pool, err := storagePostgres.NewPool(ctx, storagePostgres.Config{
			DSN:             a.cfg.Storage.DSN,
			MaxConns:        a.cfg.Storage.MaxConns,
			MinConns:        a.cfg.Storage.MinConns,
			MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		return storagePostgres.NewJobStore(pool, clock),
			storagePostgres.NewCheckpointStore(pool),
			storagePostgres.NewMentionStore(pool),
			storagePostgres.NewRegistry(pool, clock),
			nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage provider %q", a.cfg.Storage.Provider)
	}
}

func (a *App) buildQueue(ctx context.Context) (pipeline.JobQueue, error) {
	switch a.cfg.Queue.Provider {
	case "memory":
		return queueMemory.NewQueue(a.cfg.Queue.Capacity), nil
	case "pubsub":
		q, err := queuePubSub.New(ctx, a.cfg.Queue.ProjectID, a.cfg.Queue.Topic, a.cfg.Queue.Subscription, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init pubsub queue: %w", err)
		}
		q.Start(ctx)
		a.closers = append(a.closers, q.Close)
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue provider %q", a.cfg.Queue.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (pipeline.ThreadArchive, error) {
	switch a.cfg.Archive.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		return archiveMemory.NewArchive(), nil
	case "local":
		return archiveLocal.New(archiveLocal.Config{BaseDir: a.cfg.Archive.BaseDir})
	case "gcs":
		client, err := gcsClient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return archiveGCS.New(client, archiveGCS.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close service", zap.Error(err))
		}
	}
	a.closers = nil
}
