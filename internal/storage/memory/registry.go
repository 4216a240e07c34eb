package memory

import (
	"context"
	"sync"
)

// Registry is the in-memory live-job registry. Claim is a conditional insert
// under a single mutex, so two callers racing on the same target key cannot
// both win.
type Registry struct {
	mu     sync.Mutex
	active map[string]string
}

// NewRegistry constructs a Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Claim records jobID as the live job for targetKey. It reports false when
// another job already holds the key.
func (r *Registry) Claim(_ context.Context, targetKey, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[targetKey]; held {
		return false, nil
	}
	r.active[targetKey] = jobID
	return true, nil
}

// Release frees the target key.
func (r *Registry) Release(_ context.Context, targetKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, targetKey)
	return nil
}

// Holder returns the job currently holding a key, for tests.
func (r *Registry) Holder(targetKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[targetKey]
	return id, ok
}
