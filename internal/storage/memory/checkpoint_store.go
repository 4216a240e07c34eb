package memory

import (
	"context"
	"sync"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// CheckpointStore keeps job checkpoints in process memory. Writes replace the
// whole snapshot, mirroring the atomic upsert contract of the durable store.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]pipeline.Checkpoint
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]pipeline.Checkpoint)}
}

// Load returns the checkpoint for a job, or ErrNotFound for a fresh job.
func (s *CheckpointStore) Load(_ context.Context, jobID string) (pipeline.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return pipeline.Checkpoint{}, pipeline.ErrNotFound
	}
	return cp, nil
}

// Save replaces the job's checkpoint.
func (s *CheckpointStore) Save(_ context.Context, cp pipeline.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.JobID] = cp
	return nil
}

// Delete removes the job's checkpoint.
func (s *CheckpointStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, jobID)
	return nil
}
