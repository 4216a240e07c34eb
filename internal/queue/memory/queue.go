// Package memory provides a queue implementation for local development.
package memory

import (
	"context"
	"fmt"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// Queue is a bounded in-memory job queue. Manual specs travel on a separate
// lane that Dequeue drains first, so an operator-triggered job jumps ahead of
// pending scheduled work.
type Queue struct {
	manual    chan pipeline.JobSpec
	scheduled chan pipeline.JobSpec
}

// NewQueue constructs a queue with the provided per-lane capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		manual:    make(chan pipeline.JobSpec, capacity),
		scheduled: make(chan pipeline.JobSpec, capacity),
	}
}

// Enqueue pushes a spec into its lane or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, spec pipeline.JobSpec) error {
	lane := q.scheduled
	if spec.Kind == pipeline.KindManual {
		lane = q.manual
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case lane <- spec:
		return nil
	}
}

// Dequeue pops the next spec, manual lane first, respecting context
// cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.JobSpec, error) {
	select {
	case spec := <-q.manual:
		return spec, nil
	default:
	}
	select {
	case <-ctx.Done():
		return pipeline.JobSpec{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case spec := <-q.manual:
		return spec, nil
	case spec := <-q.scheduled:
		return spec, nil
	}
}

// Len reports queued specs across both lanes, for tests.
func (q *Queue) Len() int {
	return len(q.manual) + len(q.scheduled)
}
