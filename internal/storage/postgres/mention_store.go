package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// MentionStore persists mentions and entity aggregates.
// It assumes table schemas like:
//
//	CREATE TABLE mentions (
//	    source_id      TEXT NOT NULL,
//	    source_type    TEXT NOT NULL,
//	    restaurant_key TEXT NOT NULL,
//	    dish_key       TEXT NOT NULL,
//	    attributes     TEXT[] NOT NULL DEFAULT '{}',
//	    categories     TEXT[] NOT NULL DEFAULT '{}',
//	    PRIMARY KEY (source_id, restaurant_key, dish_key)
//	);
//
//	CREATE TABLE entities (
//	    name             TEXT PRIMARY KEY,
//	    id               TEXT NOT NULL,
//	    mention_count    INT NOT NULL DEFAULT 0,
//	    last_enriched_at TIMESTAMPTZ,
//	    completeness     DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    priority_score   DOUBLE PRECISION NOT NULL DEFAULT 0
//	);
type MentionStore struct {
	pool querier
}

// NewMentionStore constructs a store from an existing pool.
func NewMentionStore(pool querier) *MentionStore {
	return &MentionStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *MentionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertMention inserts the mention or folds new attributes and categories
// into the existing row. The fold happens in SQL so concurrent merges stay
// commutative without a lock.
func (s *MentionStore) UpsertMention(ctx context.Context, m pipeline.Mention) (bool, error) {
	if m.SourceID == "" || m.RestaurantKey == "" {
		return false, fmt.Errorf("mention requires source_id and restaurant_key")
	}
	const query = `
INSERT INTO mentions (source_id, source_type, restaurant_key, dish_key, attributes, categories)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_id, restaurant_key, dish_key) DO UPDATE SET
    attributes = ARRAY(SELECT DISTINCT a FROM unnest(mentions.attributes || EXCLUDED.attributes) AS a ORDER BY a),
    categories = ARRAY(SELECT DISTINCT c FROM unnest(mentions.categories || EXCLUDED.categories) AS c ORDER BY c)
RETURNING (xmax = 0) AS inserted`

	attrs := m.Attributes
	if attrs == nil {
		attrs = []string{}
	}
	cats := m.Categories
	if cats == nil {
		cats = []string{}
	}
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		m.SourceID, m.SourceType, m.RestaurantKey, m.DishKey, attrs, cats,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert mention: %w", err)
	}
	return inserted, nil
}

// MentionCount returns the number of distinct mentions for a restaurant.
func (s *MentionStore) MentionCount(ctx context.Context, restaurantKey string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM mentions WHERE restaurant_key = $1`, restaurantKey,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mentions: %w", err)
	}
	return count, nil
}

// UpsertEntity writes the recomputed entity aggregate.
func (s *MentionStore) UpsertEntity(ctx context.Context, e pipeline.Entity) error {
	const query = `
INSERT INTO entities (name, id, mention_count, last_enriched_at, completeness, priority_score)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name) DO UPDATE SET
    mention_count    = EXCLUDED.mention_count,
    last_enriched_at = EXCLUDED.last_enriched_at,
    completeness     = EXCLUDED.completeness,
    priority_score   = EXCLUDED.priority_score`
	if _, err := s.pool.Exec(ctx, query,
		e.Name, e.ID, e.MentionCount, e.LastEnrichedAt, e.Completeness, e.PriorityScore,
	); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// GetEntity fetches an entity aggregate by normalized name.
func (s *MentionStore) GetEntity(ctx context.Context, name string) (pipeline.Entity, error) {
	const query = `
SELECT name, id, mention_count, last_enriched_at, completeness, priority_score
FROM entities WHERE name = $1`
	var e pipeline.Entity
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&e.Name, &e.ID, &e.MentionCount, &e.LastEnrichedAt, &e.Completeness, &e.PriorityScore,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Entity{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns every entity aggregate, ordered by name.
func (s *MentionStore) ListEntities(ctx context.Context) ([]pipeline.Entity, error) {
	const query = `
SELECT name, id, mention_count, last_enriched_at, completeness, priority_score
FROM entities ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Entity
	for rows.Next() {
		var e pipeline.Entity
		if err := rows.Scan(&e.Name, &e.ID, &e.MentionCount, &e.LastEnrichedAt, &e.Completeness, &e.PriorityScore); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}
