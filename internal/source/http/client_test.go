package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
}

func TestListNewPosts(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/foodtalk/posts", r.URL.Path)
		require.Equal(t, "p41", r.URL.Query().Get("after"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"posts": [
			{"id": "p42", "source": "foodtalk", "title": "best slice?"},
			{"id": "p43", "source": "foodtalk", "title": "omakase value"}
		]}`))
	})

	posts, err := client.ListNewPosts(context.Background(), "foodtalk", "p41")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	require.Equal(t, "p42", posts[0].ID)
}

func TestSearchPosts(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/foodtalk/search", r.URL.Path)
		require.Equal(t, "lucali", r.URL.Query().Get("q"))
		require.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"posts": [{"id": "p7", "title": "lucali line tips"}]}`))
	})

	posts, err := client.SearchPosts(context.Background(), "foodtalk", "lucali", 25)
	require.NoError(t, err)
	require.Len(t, posts, 1)
}

func TestFetchThread(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/foodtalk/threads/p42", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"post": {"id": "p42", "source": "foodtalk", "title": "best slice?"},
			"comments": [
				{"id": "c1", "parent_id": "p42", "body": "lucali"},
				{"id": "c2", "parent_id": "c1", "body": "agreed, cash only though"}
			]
		}`))
	})

	thread, err := client.FetchThread(context.Background(), "foodtalk", "p42")
	require.NoError(t, err)
	require.Equal(t, "p42", thread.Post.ID)
	require.Len(t, thread.Comments, 2)
	require.Equal(t, "c1", thread.Comments[1].ParentID)
}

func TestFetchThreadNotFound(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.FetchThread(context.Background(), "foodtalk", "gone")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.Equal(t, pipeline.FailurePermanent, pipeline.Classify(err))
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListNewPosts(context.Background(), "foodtalk", "")
	require.Error(t, err)
	var rl *pipeline.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Second, rl.RetryAfter)
	require.Equal(t, pipeline.FailureTransient, pipeline.Classify(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ListNewPosts(context.Background(), "foodtalk", "")
	require.Equal(t, pipeline.FailureTransient, pipeline.Classify(err))
}

func TestUnexpectedStatusIsPermanent(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.ListNewPosts(context.Background(), "foodtalk", "")
	require.Equal(t, pipeline.FailurePermanent, pipeline.Classify(err))
}

func TestMalformedBodyIsTransient(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"posts": [`))
	})

	_, err := client.ListNewPosts(context.Background(), "foodtalk", "")
	require.ErrorIs(t, err, pipeline.ErrInvalidResponse)
}
