// Package scheduler decides which collection jobs to create and ranks known
// entities for periodic re-enrichment.
package scheduler

import (
	"sort"
	"time"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// ScoreWeights is the tunable linear combination behind entity priority
// scores.
type ScoreWeights struct {
	RecencyGap   float64
	Demand       float64
	Completeness float64
}

// DefaultScoreWeights weights the three signals equally.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{RecencyGap: 1, Demand: 1, Completeness: 1}
}

// Scorer ranks entities for re-enrichment. Scoring is pure: identical entity
// snapshots at the same instant always score identically.
type Scorer struct {
	weights ScoreWeights
	// recencyRef is the gap at which the recency signal reaches 0.5;
	// demandRef plays the same role for mention volume.
	recencyRef time.Duration
	demandRef  float64
}

// NewScorer constructs a Scorer. Zero-valued weights fall back to the
// defaults, and non-positive reference points get sensible ones.
func NewScorer(weights ScoreWeights, recencyRef time.Duration, demandRef float64) *Scorer {
	if weights == (ScoreWeights{}) {
		weights = DefaultScoreWeights()
	}
	if recencyRef <= 0 {
		recencyRef = 7 * 24 * time.Hour
	}
	if demandRef <= 0 {
		demandRef = 10
	}
	return &Scorer{weights: weights, recencyRef: recencyRef, demandRef: demandRef}
}

// Score maps an entity snapshot to [0, 100]. It rises with the time since
// the last enrichment, with mention volume, and with the gap between current
// and full data completeness.
func (s *Scorer) Score(e pipeline.Entity, now time.Time) float64 {
	recency := 1.0
	if !e.LastEnrichedAt.IsZero() {
		gap := now.Sub(e.LastEnrichedAt)
		if gap < 0 {
			gap = 0
		}
		recency = float64(gap) / (float64(gap) + float64(s.recencyRef))
	}

	demand := float64(e.MentionCount) / (float64(e.MentionCount) + s.demandRef)

	completeness := e.Completeness
	if completeness < 0 {
		completeness = 0
	}
	if completeness > 1 {
		completeness = 1
	}
	gap := 1 - completeness

	total := s.weights.RecencyGap + s.weights.Demand + s.weights.Completeness
	if total == 0 {
		return 0
	}
	raw := s.weights.RecencyGap*recency + s.weights.Demand*demand + s.weights.Completeness*gap
	return 100 * raw / total
}

// TopK returns the k highest-scoring entities, score descending with ties
// broken by entity ID so selection is reproducible.
func (s *Scorer) TopK(entities []pipeline.Entity, now time.Time, k int) []pipeline.Entity {
	if k <= 0 || len(entities) == 0 {
		return nil
	}
	type scored struct {
		entity pipeline.Entity
		score  float64
	}
	ranked := make([]scored, len(entities))
	for i, e := range entities {
		ranked[i] = scored{entity: e, score: s.Score(e, now)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].entity.ID < ranked[j].entity.ID
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]pipeline.Entity, k)
	for i := range out {
		out[i] = ranked[i].entity
	}
	return out
}
