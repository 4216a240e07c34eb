package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// JobStore provides an in-memory job store for development and testing.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]pipeline.Job
	clock pipeline.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock pipeline.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]pipeline.Job),
		clock: clock,
	}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return pipeline.MarkPermanent(errDuplicateJob(job.ID))
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status, error text, and counters for a job.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status pipeline.JobStatus,
	errText string,
	counts pipeline.AggregateCounts,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	job.Status = status
	job.ErrorText = errText
	job.Counts = counts
	now := s.clock.Now()
	if status == pipeline.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.IsTerminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// RequestCancel raises the cooperative cancellation flag. Terminal jobs are
// left untouched.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.CancelRequested = true
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return job, nil
}

// LastCompleted returns the most recent completion time for a target key.
func (s *JobStore) LastCompleted(_ context.Context, targetKey string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, job := range s.jobs {
		if job.Status != pipeline.JobStatusCompleted || job.Finished == nil {
			continue
		}
		if job.Target.Key(job.Kind) != targetKey {
			continue
		}
		if job.Finished.After(last) {
			last = *job.Finished
		}
	}
	return last, nil
}

type errDuplicateJob string

func (e errDuplicateJob) Error() string { return "job already exists: " + string(e) }

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
