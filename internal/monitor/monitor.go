package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// Alert kinds raised by the Monitor.
const (
	AlertLowSuccessRate         = "low_success_rate"
	AlertConsecutiveJobFailures = "consecutive_job_failures"
)

// Alert is an operator-facing health signal.
type Alert struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Config tunes alerting thresholds.
type Config struct {
	// WindowSize is the number of recent chunk outcomes in the sliding
	// window; rates are only evaluated once the window is full.
	WindowSize int
	// MinSuccessRate is the chunk success percentage below which a
	// low_success_rate alert fires.
	MinSuccessRate float64
	// MaxConsecutiveJobFailures fires an alert when this many jobs fail
	// back to back.
	MaxConsecutiveJobFailures int
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 200
	}
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = 90
	}
	if c.MaxConsecutiveJobFailures <= 0 {
		c.MaxConsecutiveJobFailures = 3
	}
}

type jobTrack struct {
	started    time.Time
	items      int
	chunkSizes []int
	succeeded  int
	failed     int
	chunkTime  time.Duration
	mentions   int
	finished   bool
	totalTime  time.Duration
}

// Monitor aggregates pipeline outcomes into per-job summaries and raises
// alerts on sustained degradation. All methods are safe for concurrent use.
type Monitor struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	mu        sync.Mutex
	jobs      map[string]*jobTrack
	window    []bool
	windowPos int
	windowLen int
	rateLow   bool
	failRun   int
	alerts    []Alert
}

// New constructs a Monitor and initializes the Prometheus collectors.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	InitMetrics()
	return &Monitor{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		jobs:   make(map[string]*jobTrack),
		window: make([]bool, cfg.WindowSize),
	}
}

// JobStarted begins tracking a job.
func (m *Monitor) JobStarted(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; ok {
		return
	}
	m.jobs[jobID] = &jobTrack{started: m.clock.Now()}
	observeActiveJobs(1)
}

// RecordDispatch folds one dispatch round into the job's totals and the
// sliding success window. chunks and results are index-aligned.
func (m *Monitor) RecordDispatch(jobID string, chunks []pipeline.Chunk, results []pipeline.ExtractionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	track := m.track(jobID)
	for i, r := range results {
		size := 0
		if i < len(chunks) {
			size = len(chunks[i].Members)
			if chunks[i].IncludePost {
				size++
			}
		}
		track.chunkSizes = append(track.chunkSizes, size)
		track.chunkTime += r.Timing
		ok := r.Succeeded()
		if ok {
			track.succeeded++
			observeChunk("success", r.Timing)
		} else {
			track.failed++
			observeChunk(string(r.Failure), r.Timing)
		}
		m.pushOutcome(ok)
	}
	m.evaluateWindow()
}

// RecordItem counts one processed or skipped work item.
func (m *Monitor) RecordItem(jobID string, skipped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	track := m.track(jobID)
	if skipped {
		observeItem("skipped")
		return
	}
	track.items++
	observeItem("processed")
}

// RecordMerge counts newly committed mentions for the job.
func (m *Monitor) RecordMerge(jobID string, newMentions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(jobID).mentions += newMentions
	observeMerge(newMentions)
}

// JobFinished closes out a job and updates the consecutive-failure run.
func (m *Monitor) JobFinished(jobID string, status pipeline.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	track := m.track(jobID)
	if !track.finished {
		track.finished = true
		track.totalTime = m.clock.Now().Sub(track.started)
		observeActiveJobs(-1)
	}
	observeJob(string(status), track.totalTime)

	switch status {
	case pipeline.JobStatusFailed:
		m.failRun++
		if m.failRun == m.cfg.MaxConsecutiveJobFailures {
			m.raise(AlertConsecutiveJobFailures,
				fmt.Sprintf("%d consecutive jobs failed", m.failRun))
		}
	case pipeline.JobStatusCompleted:
		m.failRun = 0
	}
}

// Summary builds the operator-facing view of one job. The second return is
// false for unknown jobs.
func (m *Monitor) Summary(jobID string) (pipeline.JobSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	track, ok := m.jobs[jobID]
	if !ok {
		return pipeline.JobSummary{}, false
	}

	total := track.succeeded + track.failed
	rate := float64(100)
	avgMs := float64(0)
	if total > 0 {
		rate = float64(track.succeeded) / float64(total) * 100
		avgMs = float64(track.chunkTime.Milliseconds()) / float64(total)
	}
	totalTime := track.totalTime
	if !track.finished {
		totalTime = m.clock.Now().Sub(track.started)
	}

	sizes := make([]int, len(track.chunkSizes))
	copy(sizes, track.chunkSizes)
	return pipeline.JobSummary{
		JobID:                 jobID,
		ItemsProcessed:        track.items,
		ChunksTotal:           total,
		ChunkSizeDistribution: sizes,
		SuccessRate:           rate,
		AvgChunkTimeMs:        avgMs,
		TotalTimeMs:           totalTime.Milliseconds(),
	}, true
}

// Alerts returns a copy of every alert raised so far.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Monitor) track(jobID string) *jobTrack {
	track, ok := m.jobs[jobID]
	if !ok {
		track = &jobTrack{started: m.clock.Now()}
		m.jobs[jobID] = track
	}
	return track
}

func (m *Monitor) pushOutcome(ok bool) {
	m.window[m.windowPos] = ok
	m.windowPos = (m.windowPos + 1) % len(m.window)
	if m.windowLen < len(m.window) {
		m.windowLen++
	}
}

// evaluateWindow fires a low_success_rate alert on the transition below the
// threshold, not on every subsequent sample.
func (m *Monitor) evaluateWindow() {
	if m.windowLen < len(m.window) {
		return
	}
	ok := 0
	for _, v := range m.window {
		if v {
			ok++
		}
	}
	rate := float64(ok) / float64(len(m.window)) * 100
	if rate < m.cfg.MinSuccessRate {
		if !m.rateLow {
			m.rateLow = true
			m.raise(AlertLowSuccessRate,
				fmt.Sprintf("chunk success rate %.2f%% below threshold %.2f%%", rate, m.cfg.MinSuccessRate))
		}
		return
	}
	m.rateLow = false
}

func (m *Monitor) raise(kind, message string) {
	alert := Alert{Kind: kind, Message: message, At: m.clock.Now()}
	m.alerts = append(m.alerts, alert)
	observeAlert(kind)
	m.logger.Warn("pipeline alert",
		zap.String("kind", kind),
		zap.String("message", message),
	)
}
