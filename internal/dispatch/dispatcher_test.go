package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type zeroBackoff struct{}

func (zeroBackoff) ShouldRetry(err error, attempt int) bool { return err != nil }
func (zeroBackoff) Backoff(int) time.Duration               { return 0 }

// fakeExtractor fails a chunk a configured number of times before succeeding,
// or fails it permanently forever.
type fakeExtractor struct {
	mu        sync.Mutex
	calls     map[string]int
	transient map[string]int
	permanent map[string]bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		calls:     make(map[string]int),
		transient: make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (f *fakeExtractor) Extract(_ context.Context, _ pipeline.Post, chunk pipeline.Chunk) ([]pipeline.Mention, error) {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[chunk.ID]++
	if f.permanent[chunk.ID] {
		return nil, pipeline.MarkPermanent(errors.New("malformed payload"))
	}
	if f.transient[chunk.ID] > 0 {
		f.transient[chunk.ID]--
		return nil, pipeline.ErrInvalidResponse
	}
	return []pipeline.Mention{{
		SourceID:      chunk.ID,
		SourceType:    "comment",
		RestaurantKey: "lucali",
		DishKey:       "square pie",
	}}, nil
}

func (f *fakeExtractor) callCount(chunkID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chunkID]
}

func makeChunks(n int) []pipeline.Chunk {
	chunks := make([]pipeline.Chunk, n)
	for i := range chunks {
		chunks[i] = pipeline.Chunk{
			ID:     fmt.Sprintf("p1:%d", i),
			RootID: "c0",
			Members: []pipeline.Comment{
				{ID: fmt.Sprintf("c%d", i), Body: "best slice in brooklyn"},
			},
		}
	}
	return chunks
}

func TestDispatchAllChunksTerminal(t *testing.T) {
	t.Parallel()
	ext := newFakeExtractor()
	d := New(ext, zeroBackoff{}, systemClock{}, Config{Concurrency: 4, ChunkRetries: 2}, zap.NewNop())

	chunks := makeChunks(44)
	ext.permanent["p1:7"] = true
	ext.permanent["p1:31"] = true
	ext.transient["p1:12"] = 1

	results := d.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, chunks)
	require.Len(t, results, 44)

	failed := 0
	for i, r := range results {
		require.Equal(t, chunks[i].ID, r.ChunkID)
		if !r.Succeeded() {
			failed++
			require.Error(t, r.Err)
		}
	}
	require.Equal(t, 2, failed)
	require.InDelta(t, 95.45, SuccessRate(results), 0.01)
	require.True(t, WithinTolerance(results, 0.05))

	// A third failure pushes the batch past a 5% tolerance.
	ext2 := newFakeExtractor()
	ext2.permanent["p1:7"] = true
	ext2.permanent["p1:31"] = true
	ext2.permanent["p1:40"] = true
	d2 := New(ext2, zeroBackoff{}, systemClock{}, Config{Concurrency: 4}, zap.NewNop())
	results = d2.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, chunks)
	require.False(t, WithinTolerance(results, 0.05))
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ext := newFakeExtractor()
	ext.transient["p1:0"] = 2
	d := New(ext, zeroBackoff{}, systemClock{}, Config{Concurrency: 2, ChunkRetries: 3}, zap.NewNop())

	results := d.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, makeChunks(1))
	require.True(t, results[0].Succeeded())
	require.Equal(t, 3, ext.callCount("p1:0"))
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	ext := newFakeExtractor()
	ext.transient["p1:0"] = 10
	d := New(ext, zeroBackoff{}, systemClock{}, Config{Concurrency: 1, ChunkRetries: 2}, zap.NewNop())

	results := d.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, makeChunks(1))
	require.False(t, results[0].Succeeded())
	require.Equal(t, pipeline.FailureTransient, results[0].Failure)
	require.Equal(t, 3, ext.callCount("p1:0"))
}

func TestDispatchDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()
	ext := newFakeExtractor()
	ext.permanent["p1:0"] = true
	d := New(ext, zeroBackoff{}, systemClock{}, Config{Concurrency: 1, ChunkRetries: 5}, zap.NewNop())

	results := d.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, makeChunks(1))
	require.False(t, results[0].Succeeded())
	require.Equal(t, pipeline.FailurePermanent, results[0].Failure)
	require.Equal(t, 1, ext.callCount("p1:0"))
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	t.Parallel()
	ext := newFakeExtractor()
	d := New(ext, zeroBackoff{}, systemClock{}, Config{Concurrency: 3}, zap.NewNop())

	d.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, makeChunks(30))
	require.LessOrEqual(t, ext.maxInFlight.Load(), int32(3))
}

func TestDispatchEmptyBatch(t *testing.T) {
	t.Parallel()
	d := New(newFakeExtractor(), zeroBackoff{}, systemClock{}, Config{}, zap.NewNop())
	results := d.Dispatch(context.Background(), pipeline.Post{ID: "p1"}, nil)
	require.Empty(t, results)
	require.Equal(t, float64(100), SuccessRate(results))
	require.True(t, WithinTolerance(results, 0))
}
