// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// MentionStore keeps mentions and entity aggregates in process memory.
type MentionStore struct {
	mu       sync.RWMutex
	mentions map[pipeline.MentionKey]pipeline.Mention
	entities map[string]pipeline.Entity
}

// NewMentionStore constructs a MentionStore.
func NewMentionStore() *MentionStore {
	return &MentionStore{
		mentions: make(map[pipeline.MentionKey]pipeline.Mention),
		entities: make(map[string]pipeline.Entity),
	}
}

// UpsertMention inserts the mention or folds new attributes/categories into
// the existing row. The second arrival of a key never creates a duplicate.
func (s *MentionStore) UpsertMention(_ context.Context, m pipeline.Mention) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.Key()
	existing, ok := s.mentions[key]
	if !ok {
		// Stored canonical, so the final row never depends on which chunk's
		// copy of the mention arrived first.
		m.Attributes = pipeline.MergeStringSets(nil, m.Attributes)
		m.Categories = pipeline.MergeStringSets(nil, m.Categories)
		s.mentions[key] = m
		return true, nil
	}
	existing.Attributes = pipeline.MergeStringSets(existing.Attributes, m.Attributes)
	existing.Categories = pipeline.MergeStringSets(existing.Categories, m.Categories)
	s.mentions[key] = existing
	return false, nil
}

// MentionCount returns the number of distinct mentions for a restaurant.
func (s *MentionStore) MentionCount(_ context.Context, restaurantKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.mentions {
		if key.RestaurantKey == restaurantKey {
			n++
		}
	}
	return n, nil
}

// UpsertEntity stores the entity aggregate.
func (s *MentionStore) UpsertEntity(_ context.Context, e pipeline.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Name] = e
	return nil
}

// GetEntity fetches an entity by normalized name.
func (s *MentionStore) GetEntity(_ context.Context, name string) (pipeline.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[name]
	if !ok {
		return pipeline.Entity{}, pipeline.ErrNotFound
	}
	return e, nil
}

// ListEntities returns all entity aggregates.
func (s *MentionStore) ListEntities(_ context.Context) ([]pipeline.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out, nil
}

// Mentions returns a snapshot of all stored mentions, for tests.
func (s *MentionStore) Mentions() []pipeline.Mention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Mention, 0, len(s.mentions))
	for _, m := range s.mentions {
		out = append(out, m)
	}
	return out
}
