package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dishwire/dishwire/internal/pipeline"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func TestMentionStoreUpsertDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMentionStore()

	m := pipeline.Mention{
		SourceID:      "c42",
		SourceType:    "comment",
		RestaurantKey: "lucali",
		DishKey:       "square pie",
		Attributes:    []string{"byob"},
	}
	created, err := store.UpsertMention(ctx, m)
	require.NoError(t, err)
	require.True(t, created)

	dup := m
	dup.Attributes = []string{"cash-only", "byob"}
	created, err = store.UpsertMention(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)

	require.Len(t, store.Mentions(), 1)
	require.Equal(t, []string{"byob", "cash-only"}, store.Mentions()[0].Attributes)

	n, err := store.MentionCount(ctx, "lucali")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMentionStoreArrivalOrderInvisible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := pipeline.Mention{
		SourceID:      "c42",
		SourceType:    "comment",
		RestaurantKey: "lucali",
		DishKey:       "square pie",
		Attributes:    []string{"cash-only"},
	}
	b := a
	b.Attributes = []string{"byob"}

	first := NewMentionStore()
	_, err := first.UpsertMention(ctx, a)
	require.NoError(t, err)
	_, err = first.UpsertMention(ctx, b)
	require.NoError(t, err)

	second := NewMentionStore()
	_, err = second.UpsertMention(ctx, b)
	require.NoError(t, err)
	_, err = second.UpsertMention(ctx, a)
	require.NoError(t, err)

	require.Equal(t, first.Mentions(), second.Mentions())
	require.Equal(t, []string{"byob", "cash-only"}, first.Mentions()[0].Attributes)

	// A mention with no attributes keeps its nil slices across replays.
	bare := pipeline.Mention{SourceID: "c7", SourceType: "comment", RestaurantKey: "di fara", DishKey: "classic pie"}
	store := NewMentionStore()
	_, err = store.UpsertMention(ctx, bare)
	require.NoError(t, err)
	_, err = store.UpsertMention(ctx, bare)
	require.NoError(t, err)
	for _, m := range store.Mentions() {
		if m.SourceID == "c7" {
			require.Nil(t, m.Attributes)
			require.Nil(t, m.Categories)
		}
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCheckpointStore()

	_, err := store.Load(ctx, "job-1")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	cp := pipeline.Checkpoint{
		JobID:               "job-1",
		LastCompletedItemID: "p9",
		Counts:              pipeline.AggregateCounts{ItemsProcessed: 3},
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, cp, got)

	require.NoError(t, store.Delete(ctx, "job-1"))
	_, err = store.Load(ctx, "job-1")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestJobStoreStatusTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewJobStore(clock)

	job := pipeline.Job{
		JobSpec: pipeline.JobSpec{
			ID:     "job-1",
			Kind:   pipeline.KindChronological,
			Target: pipeline.Target{Source: "foodtalk"},
		},
		Status: pipeline.JobStatusQueued,
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", pipeline.JobStatusRunning, "", pipeline.AggregateCounts{}))
	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.Started)
	require.Nil(t, got.Finished)

	clock.now = clock.now.Add(time.Minute)
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", pipeline.JobStatusCompleted, "", pipeline.AggregateCounts{ItemsProcessed: 2}))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.Finished)

	last, err := store.LastCompleted(ctx, pipeline.Target{Source: "foodtalk"}.Key(pipeline.KindChronological))
	require.NoError(t, err)
	require.Equal(t, *got.Finished, last)

	last, err = store.LastCompleted(ctx, "other/chronological")
	require.NoError(t, err)
	require.True(t, last.IsZero())
}

func TestJobStoreRequestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewJobStore(clock)

	require.ErrorIs(t, store.RequestCancel(ctx, "missing"), pipeline.ErrNotFound)

	job := pipeline.Job{
		JobSpec: pipeline.JobSpec{ID: "job-1", Kind: pipeline.KindManual, Target: pipeline.Target{Source: "foodtalk"}},
		Status:  pipeline.JobStatusRunning,
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.RequestCancel(ctx, "job-1"))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, got.CancelRequested)

	// The flag survives executor status updates.
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", pipeline.JobStatusRunning, "", pipeline.AggregateCounts{}))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, got.CancelRequested)
}

func TestRegistryClaimIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewRegistry()

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := reg.Claim(ctx, "foodtalk/chronological", string(rune('a'+n)))
			require.NoError(t, err)
			if ok {
				wins <- string(rune('a' + n))
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	require.NoError(t, reg.Release(ctx, "foodtalk/chronological"))
	ok, err := reg.Claim(ctx, "foodtalk/chronological", "z")
	require.NoError(t, err)
	require.True(t, ok)
}
