package merge

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
	"github.com/dishwire/dishwire/internal/storage/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func sampleResults() []pipeline.ExtractionResult {
	return []pipeline.ExtractionResult{
		{
			ChunkID: "p1:0",
			Mentions: []pipeline.Mention{
				{SourceID: "c1", SourceType: "comment", RestaurantKey: "Lucali", DishKey: "Square Pie", Attributes: []string{"byob"}},
				{SourceID: "c2", SourceType: "comment", RestaurantKey: "lucali", DishKey: "calzone"},
			},
		},
		{
			ChunkID: "p1:1",
			Mentions: []pipeline.Mention{
				{SourceID: "c3", SourceType: "comment", RestaurantKey: "Di Fara", DishKey: "classic pie"},
				// Same mention seen from a second chunk referencing the root post.
				{SourceID: "c1", SourceType: "comment", RestaurantKey: "lucali", DishKey: "square pie", Attributes: []string{"cash-only"}},
			},
		},
		{
			ChunkID: "p1:2",
			Failure: pipeline.FailureTransient,
			Mentions: []pipeline.Mention{
				{SourceID: "c9", SourceType: "comment", RestaurantKey: "should-not-appear", DishKey: "x"},
			},
		},
	}
}

func storeState(t *testing.T, store *memory.MentionStore) ([]pipeline.Mention, []pipeline.Entity) {
	t.Helper()
	mentions := store.Mentions()
	sort.Slice(mentions, func(i, j int) bool {
		return mentions[i].SourceID < mentions[j].SourceID
	})
	entities, err := store.ListEntities(context.Background())
	require.NoError(t, err)
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Name < entities[j].Name
	})
	return mentions, entities
}

func TestMergeDedupsAcrossChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewMentionStore()
	engine := New(store, &fixedClock{now: time.Unix(1700000000, 0)}, zap.NewNop())

	stats, err := engine.Merge(ctx, sampleResults())
	require.NoError(t, err)
	require.Equal(t, 3, stats.NewMentions)
	require.Equal(t, 2, stats.UpdatedEntities)

	mentions, entities := storeState(t, store)
	require.Len(t, mentions, 3)
	// The duplicate (c1, lucali, square pie) folded its new attribute in.
	require.Equal(t, []string{"byob", "cash-only"}, mentions[0].Attributes)

	require.Equal(t, "di fara", entities[0].Name)
	require.Equal(t, 1, entities[0].MentionCount)
	require.Equal(t, "lucali", entities[1].Name)
	require.Equal(t, 2, entities[1].MentionCount)
}

func TestMergeCommutative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1700000000, 0)}

	reference := memory.NewMentionStore()
	_, err := New(reference, clock, zap.NewNop()).Merge(ctx, sampleResults())
	require.NoError(t, err)
	wantMentions, wantEntities := storeState(t, reference)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		results := sampleResults()
		rng.Shuffle(len(results), func(i, j int) {
			results[i], results[j] = results[j], results[i]
		})
		store := memory.NewMentionStore()
		_, err := New(store, clock, zap.NewNop()).Merge(ctx, results)
		require.NoError(t, err)
		gotMentions, gotEntities := storeState(t, store)
		require.Equal(t, wantMentions, gotMentions)
		require.Equal(t, wantEntities, gotEntities)
	}
}

func TestMergeIdempotentUnderReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1700000000, 0)}

	store := memory.NewMentionStore()
	engine := New(store, clock, zap.NewNop())

	_, err := engine.Merge(ctx, sampleResults())
	require.NoError(t, err)
	wantMentions, wantEntities := storeState(t, store)

	// A resumed job replays an overlapping subset.
	stats, err := engine.Merge(ctx, sampleResults()[:2])
	require.NoError(t, err)
	require.Zero(t, stats.NewMentions)

	gotMentions, gotEntities := storeState(t, store)
	require.Equal(t, wantMentions, gotMentions)
	require.Equal(t, wantEntities, gotEntities)
}

func TestMergeSkipsMentionsWithoutIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewMentionStore()
	engine := New(store, &fixedClock{now: time.Unix(1700000000, 0)}, zap.NewNop())

	stats, err := engine.Merge(ctx, []pipeline.ExtractionResult{{
		ChunkID: "p1:0",
		Mentions: []pipeline.Mention{
			{SourceID: "", RestaurantKey: "lucali", DishKey: "pie"},
			{SourceID: "c1", RestaurantKey: "  ", DishKey: "pie"},
		},
	}})
	require.NoError(t, err)
	require.Zero(t, stats.NewMentions)
	require.Empty(t, store.Mentions())
}
