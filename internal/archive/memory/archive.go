// Package memory provides an in-memory thread archive for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive stores thread payloads in process memory.
type Archive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewArchive constructs an Archive.
func NewArchive() *Archive {
	return &Archive{objects: make(map[string][]byte)}
}

// PutThread stores one thread's raw JSON and returns a mem:// URI.
func (a *Archive) PutThread(_ context.Context, jobID, postID string, data []byte) (string, error) {
	if jobID == "" || postID == "" {
		return "", fmt.Errorf("job id and post id are required")
	}
	path := fmt.Sprintf("%s/%s.json", jobID, postID)
	buf := make([]byte, len(data))
	copy(buf, data)

	a.mu.Lock()
	a.objects[path] = buf
	a.mu.Unlock()
	return "mem://" + path, nil
}

// Get returns a stored payload, for tests.
func (a *Archive) Get(jobID, postID string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.objects[fmt.Sprintf("%s/%s.json", jobID, postID)]
	return data, ok
}

// Len reports how many payloads are stored.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
