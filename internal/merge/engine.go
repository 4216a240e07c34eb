// Package merge folds extraction results into the mention/entity store. The
// fold is commutative and idempotent: results may arrive in any order and may
// be replayed after a resumed job without changing the final store state.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// Stats summarizes one merge call.
type Stats struct {
	NewMentions     int
	UpdatedEntities int
}

// Engine applies extraction results to the store.
type Engine struct {
	store  pipeline.MentionStore
	clock  pipeline.Clock
	logger *zap.Logger
}

// New constructs an Engine.
func New(store pipeline.MentionStore, clock pipeline.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Merge upserts every mention from the successful results, then recomputes
// the aggregates of each touched entity from the stored mention set. Failed
// chunks contribute nothing; duplicate arrivals fold silently into existing
// rows.
func (e *Engine) Merge(ctx context.Context, results []pipeline.ExtractionResult) (Stats, error) {
	var stats Stats
	touched := make(map[string]struct{})

	for _, res := range results {
		if !res.Succeeded() {
			continue
		}
		for _, m := range res.Mentions {
			m.RestaurantKey = pipeline.NormalizeKey(m.RestaurantKey)
			m.DishKey = pipeline.NormalizeKey(m.DishKey)
			if m.SourceID == "" || m.RestaurantKey == "" {
				e.logger.Debug("dropping mention without identity",
					zap.String("chunk_id", res.ChunkID))
				continue
			}
			created, err := e.store.UpsertMention(ctx, m)
			if err != nil {
				return stats, fmt.Errorf("upsert mention %s/%s: %w", m.SourceID, m.RestaurantKey, err)
			}
			if created {
				stats.NewMentions++
			}
			touched[m.RestaurantKey] = struct{}{}
		}
	}

	// Stable order keeps entity writes deterministic under replays.
	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := e.clock.Now()
	for _, key := range keys {
		if err := e.refreshEntity(ctx, key, now); err != nil {
			return stats, err
		}
		stats.UpdatedEntities++
	}
	return stats, nil
}

// refreshEntity recomputes the aggregate from the mention set rather than
// incrementing counters, which keeps replays consistent.
func (e *Engine) refreshEntity(ctx context.Context, key string, now time.Time) error {
	count, err := e.store.MentionCount(ctx, key)
	if err != nil {
		return fmt.Errorf("count mentions for %q: %w", key, err)
	}
	entity, err := e.store.GetEntity(ctx, key)
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("get entity %q: %w", key, err)
	}
	entity.Name = key
	if entity.ID == "" {
		entity.ID = key
	}
	entity.MentionCount = count
	entity.LastEnrichedAt = now
	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		return fmt.Errorf("upsert entity %q: %w", key, err)
	}
	return nil
}
