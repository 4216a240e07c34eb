package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobKind identifies how a collection job selects its work items.
type JobKind string

// Supported job kinds.
const (
	KindChronological JobKind = "chronological"
	KindKeywordSearch JobKind = "keyword_search"
	KindManual        JobKind = "manual"
)

// JobStatus represents the lifecycle state of a collection job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status will never run again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Target names what a job collects: a source, plus a keyword for
// keyword-search jobs.
type Target struct {
	Source  string `json:"source"`
	Keyword string `json:"keyword,omitempty"`
}

// Key returns the registry key used to enforce one non-terminal job per
// target. A manual job shares the key of the scheduled job doing the same
// work: the chronological key when keywordless, the keyword-search key when
// a keyword is set, so the manual run and its scheduled twin exclude each
// other.
func (t Target) Key(kind JobKind) string {
	k := kind
	if k == KindManual {
		if t.Keyword == "" {
			k = KindChronological
		} else {
			k = KindKeywordSearch
		}
	}
	if t.Keyword == "" {
		return fmt.Sprintf("%s/%s", t.Source, k)
	}
	return fmt.Sprintf("%s/%s/%s", t.Source, k, strings.ToLower(t.Keyword))
}

// JobSpec is the unit the Scheduler emits and operators create.
type JobSpec struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	Target    Target    `json:"target"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is the persisted record for a collection job.
type Job struct {
	JobSpec
	Status JobStatus `json:"status"`
	// CancelRequested is the cooperative cancellation flag; executors check
	// it at item boundaries.
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Started         *time.Time      `json:"started_at,omitempty"`
	Finished        *time.Time      `json:"finished_at,omitempty"`
	ErrorText       string          `json:"error_text,omitempty"`
	Counts          AggregateCounts `json:"counts"`
}

// AggregateCounts tracks per-job progress totals carried in checkpoints and
// job rows.
type AggregateCounts struct {
	ItemsProcessed  int `json:"items_processed"`
	ItemsSkipped    int `json:"items_skipped"`
	ChunksAttempted int `json:"chunks_attempted"`
	ChunksSucceeded int `json:"chunks_succeeded"`
	MentionsMerged  int `json:"mentions_merged"`
}

// Checkpoint is the durable resume point for one job. It is written only
// after the merge for an item has committed.
type Checkpoint struct {
	JobID               string          `json:"job_id"`
	LastCompletedItemID string          `json:"last_completed_item_id"`
	RetryCount          int             `json:"retry_count"`
	BackoffUntil        time.Time       `json:"backoff_until"`
	Counts              AggregateCounts `json:"counts"`
}

// Comment is one forum comment as returned by the source provider.
type Comment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	AuthorRef string    `json:"author_ref"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	Body      string    `json:"body"`
}

// Post is a forum post; its comment tree is the unit of collection work.
type Post struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread bundles a post with its full comment list.
type Thread struct {
	Post     Post      `json:"post"`
	Comments []Comment `json:"comments"`
}

// Chunk is a bounded, ordered slice of one post's comment tree dispatched as
// a single extraction unit. Chunks are derived per dispatch round and never
// persisted.
type Chunk struct {
	ID          string
	RootID      string
	Members     []Comment
	IncludePost bool
}

// MemberIDs returns the ordered comment IDs in the chunk.
func (c Chunk) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// ExtractionResult is the terminal per-chunk outcome of one dispatch round.
type ExtractionResult struct {
	ChunkID  string
	Failure  FailureKind
	Err      error
	Mentions []Mention
	Timing   time.Duration
}

// Succeeded reports whether the chunk reached a successful outcome.
func (r ExtractionResult) Succeeded() bool {
	return r.Failure == FailureNone
}

// MentionKey uniquely identifies a Mention for dedup purposes.
type MentionKey struct {
	SourceID      string
	RestaurantKey string
	DishKey       string
}

// Mention is one extracted restaurant/dish reference, keyed by
// (sourceID, restaurantKey, dishKey). A duplicate arrival only adds missing
// attributes and categories.
type Mention struct {
	SourceID      string   `json:"source_id"`
	SourceType    string   `json:"source_type"`
	RestaurantKey string   `json:"restaurant_key"`
	DishKey       string   `json:"dish_key"`
	Attributes    []string `json:"attributes,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

// Key returns the dedup key for the mention.
func (m Mention) Key() MentionKey {
	return MentionKey{
		SourceID:      m.SourceID,
		RestaurantKey: m.RestaurantKey,
		DishKey:       m.DishKey,
	}
}

// Entity aggregates mentions for one restaurant, keyed by normalized name.
type Entity struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	MentionCount   int       `json:"mention_count"`
	LastEnrichedAt time.Time `json:"last_enriched_at"`
	Completeness   float64   `json:"completeness"`
	PriorityScore  float64   `json:"priority_score"`
}

// JobSummary is the per-job metrics shape exposed to operators.
type JobSummary struct {
	JobID                 string  `json:"job_id"`
	ItemsProcessed        int     `json:"items_processed"`
	ChunksTotal           int     `json:"chunks_total"`
	ChunkSizeDistribution []int   `json:"chunk_size_distribution"`
	SuccessRate           float64 `json:"success_rate"`
	AvgChunkTimeMs        float64 `json:"avg_chunk_time_ms"`
	TotalTimeMs           int64   `json:"total_time_ms"`
}

// NormalizeKey lowercases and collapses whitespace so dedup keys compare
// stably across extractions.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// MergeStringSets returns the sorted union of two attribute/category slices.
// The result depends only on the value set, never on operand or arrival
// order, and an empty union stays nil so a replayed merge leaves a stored
// row unchanged. The ordering matches the SQL fold the Postgres store uses.
func MergeStringSets(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	var out []string
	for _, v := range base {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range extra {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
