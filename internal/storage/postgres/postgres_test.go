package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dishwire/dishwire/internal/pipeline"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestUpsertMentionInsertsRow(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewMentionStore(mock)

	m := pipeline.Mention{
		SourceID:      "c42",
		SourceType:    "comment",
		RestaurantKey: "lucali",
		DishKey:       "square pie",
		Attributes:    []string{"byob"},
	}
	mock.ExpectQuery("INSERT INTO mentions").
		WithArgs("c42", "comment", "lucali", "square pie", []string{"byob"}, []string{}).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	created, err := store.UpsertMention(context.Background(), m)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMentionFoldsDuplicate(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewMentionStore(mock)

	mock.ExpectQuery("INSERT INTO mentions").
		WithArgs("c42", "comment", "lucali", "square pie", []string{"cash-only"}, []string{}).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	created, err := store.UpsertMention(context.Background(), pipeline.Mention{
		SourceID:      "c42",
		SourceType:    "comment",
		RestaurantKey: "lucali",
		DishKey:       "square pie",
		Attributes:    []string{"cash-only"},
	})
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMentionRejectsMissingIdentity(t *testing.T) {
	t.Parallel()
	store := NewMentionStore(newMock(t))
	_, err := store.UpsertMention(context.Background(), pipeline.Mention{DishKey: "pie"})
	require.Error(t, err)
}

func TestMentionCount(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewMentionStore(mock)

	mock.ExpectQuery("SELECT count").
		WithArgs("lucali").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.MentionCount(context.Background(), "lucali")
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityNotFound(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewMentionStore(mock)

	mock.ExpectQuery("SELECT name, id").
		WithArgs("nowhere").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetEntity(context.Background(), "nowhere")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewCheckpointStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	cp := pipeline.Checkpoint{
		JobID:               "job-1",
		LastCompletedItemID: "p9",
		RetryCount:          1,
		BackoffUntil:        now,
		Counts:              pipeline.AggregateCounts{ItemsProcessed: 3},
	}
	countsJSON := []byte(`{"items_processed":3,"items_skipped":0,"chunks_attempted":0,"chunks_succeeded":0,"mentions_merged":0}`)

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("job-1", "p9", 1, now, countsJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Save(context.Background(), cp))

	mock.ExpectQuery("SELECT job_id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"job_id", "last_completed_item_id", "retry_count", "backoff_until", "counts"},
		).AddRow("job-1", "p9", 1, now, countsJSON))

	got, err := store.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, cp, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointLoadMissing(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewCheckpointStore(mock)

	mock.ExpectQuery("SELECT job_id").
		WithArgs("job-x").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Load(context.Background(), "job-x")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestCheckpointLoadCorrupt(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewCheckpointStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT job_id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"job_id", "last_completed_item_id", "retry_count", "backoff_until", "counts"},
		).AddRow("job-1", "p9", 0, now, []byte(`{"items_processed":`)))

	_, err := store.Load(context.Background(), "job-1")
	require.ErrorIs(t, err, pipeline.ErrCheckpointCorrupt)
}

func TestCreateJobDuplicateIsPermanent(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewJobStore(mock, clock)

	countsJSON := []byte(`{"items_processed":0,"items_skipped":0,"chunks_attempted":0,"chunks_succeeded":0,"mentions_merged":0}`)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "chronological", "foodtalk", "", "foodtalk/chronological",
			0, time.Time{}, "queued", "", countsJSON).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.CreateJob(context.Background(), pipeline.Job{
		JobSpec: pipeline.JobSpec{ID: "job-1", Kind: pipeline.KindChronological, Target: pipeline.Target{Source: "foodtalk"}},
		Status:  pipeline.JobStatusQueued,
	})
	require.Equal(t, pipeline.FailurePermanent, pipeline.Classify(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusMissingJob(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewJobStore(mock, clock)

	countsJSON := []byte(`{"items_processed":0,"items_skipped":0,"chunks_attempted":0,"chunks_succeeded":0,"mentions_merged":0}`)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("missing", "running", "", countsJSON, clock.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJobStatus(context.Background(), "missing", pipeline.JobStatusRunning, "", pipeline.AggregateCounts{})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastCompletedEmptyHistory(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewJobStore(mock, clock)

	mock.ExpectQuery("SELECT max").
		WithArgs("foodtalk/chronological").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))

	last, err := store.LastCompleted(context.Background(), "foodtalk/chronological")
	require.NoError(t, err)
	require.True(t, last.IsZero())
}

func TestRegistryClaim(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	reg := NewRegistry(mock, clock)

	mock.ExpectExec("INSERT INTO active_jobs").
		WithArgs("foodtalk/chronological", "job-1", clock.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := reg.Claim(context.Background(), "foodtalk/chronological", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A second claim conflicts and affects zero rows.
	mock.ExpectExec("INSERT INTO active_jobs").
		WithArgs("foodtalk/chronological", "job-2", clock.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = reg.Claim(context.Background(), "foodtalk/chronological", "job-2")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec("DELETE FROM active_jobs").
		WithArgs("foodtalk/chronological").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, reg.Release(context.Background(), "foodtalk/chronological"))

	require.NoError(t, mock.ExpectationsWereMet())
}
