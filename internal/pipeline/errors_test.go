package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"not found", fmt.Errorf("fetch thread: %w", ErrNotFound), FailurePermanent},
		{"checkpoint corrupt", ErrCheckpointCorrupt, FailurePermanent},
		{"marked permanent", MarkPermanent(errors.New("malformed item")), FailurePermanent},
		{"canceled", context.Canceled, FailurePermanent},
		{"deadline", context.DeadlineExceeded, FailureTransient},
		{"rate limited", &RateLimitError{RetryAfter: time.Second}, FailureTransient},
		{"net timeout", &net.DNSError{IsTimeout: true}, FailureTransient},
		{"invalid response", ErrInvalidResponse, FailureTransient},
		{"unknown", errors.New("gateway 503"), FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryPolicyBackoffMonotonic(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(8, 100*time.Millisecond, 10*time.Second)
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	maxDelay := time.Second
	p := NewRetryPolicy(20, base, maxDelay)
	for attempt := 0; attempt < 15; attempt++ {
		require.LessOrEqual(t, p.Backoff(attempt), maxDelay+base)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, time.Millisecond, time.Second)
	transient := errors.New("connection reset")

	require.True(t, p.ShouldRetry(transient, 0))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(MarkPermanent(transient), 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
}

func TestRetryPolicyBackoffWithHint(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, time.Second)
	hint := 30 * time.Second
	require.Equal(t, hint, p.BackoffWithHint(0, hint))
	require.Less(t, p.BackoffWithHint(0, 0), hint)
}

func TestTargetKey(t *testing.T) {
	t.Parallel()

	chrono := Target{Source: "foodtalk"}
	require.Equal(t, "foodtalk/chronological", chrono.Key(KindChronological))
	// Manual jobs contend with scheduled chronological runs over the same source.
	require.Equal(t, chrono.Key(KindChronological), chrono.Key(KindManual))

	kw := Target{Source: "foodtalk", Keyword: "Lucali"}
	require.Equal(t, "foodtalk/keyword_search/lucali", kw.Key(KindKeywordSearch))
	// A keyworded manual run contends with the scheduled search for the same
	// keyword, not with the chronological run.
	require.Equal(t, kw.Key(KindKeywordSearch), kw.Key(KindManual))
	require.NotEqual(t, chrono.Key(KindChronological), kw.Key(KindManual))
}

func TestMergeStringSets(t *testing.T) {
	t.Parallel()

	base := []string{"spicy", "cheap"}
	extra := []string{"vegan", "cheap", "al-fresco"}
	want := []string{"al-fresco", "cheap", "spicy", "vegan"}
	require.Equal(t, want, MergeStringSets(base, extra))
	// The union is canonical: swapping operands changes nothing.
	require.Equal(t, want, MergeStringSets(extra, base))
	require.Equal(t, []string{"cheap", "spicy"}, MergeStringSets(base, nil))
	// An empty union stays nil, so replays never rewrite a stored row.
	require.Nil(t, MergeStringSets(nil, nil))
}
