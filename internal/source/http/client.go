// Package http implements the forum source client over the provider's JSON
// API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
	"github.com/dishwire/dishwire/internal/source/ratelimit"
)

// Config controls client behavior. A non-positive RPS disables request
// pacing.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	RPS       float64
	Burst     int
}

// Client implements pipeline.SourceClient against a forum content API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Client with a pooled transport.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "dishwire/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RPS, DefaultBurst: cfg.Burst}),
		logger:  logger,
	}
}

type postsPayload struct {
	Posts []pipeline.Post `json:"posts"`
}

// ListNewPosts returns posts created after sinceID, oldest first.
func (c *Client) ListNewPosts(ctx context.Context, source, sinceID string) ([]pipeline.Post, error) {
	if err := c.limiter.Wait(ctx, source); err != nil {
		return nil, err
	}
	q := url.Values{}
	if sinceID != "" {
		q.Set("after", sinceID)
	}
	var payload postsPayload
	if err := c.get(ctx, fmt.Sprintf("/api/%s/posts", url.PathEscape(source)), q, &payload); err != nil {
		return nil, err
	}
	return payload.Posts, nil
}

// SearchPosts returns posts matching a keyword, oldest first.
func (c *Client) SearchPosts(ctx context.Context, source, keyword string, limit int) ([]pipeline.Post, error) {
	if err := c.limiter.Wait(ctx, source); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("q", keyword)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var payload postsPayload
	if err := c.get(ctx, fmt.Sprintf("/api/%s/search", url.PathEscape(source)), q, &payload); err != nil {
		return nil, err
	}
	return payload.Posts, nil
}

// FetchThread returns the post and its full comment list.
func (c *Client) FetchThread(ctx context.Context, source, postID string) (pipeline.Thread, error) {
	if err := c.limiter.Wait(ctx, source); err != nil {
		return pipeline.Thread{}, err
	}
	var thread pipeline.Thread
	path := fmt.Sprintf("/api/%s/threads/%s", url.PathEscape(source), url.PathEscape(postID))
	if err := c.get(ctx, path, nil, &thread); err != nil {
		return pipeline.Thread{}, err
	}
	return thread, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("close response body", zap.Error(err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("get %s: %w", path, pipeline.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("get %s: %w", path, &pipeline.RateLimitError{RetryAfter: retryAfter(resp)})
	case resp.StatusCode >= 500:
		return fmt.Errorf("get %s: status %d: %w", path, resp.StatusCode, pipeline.ErrInvalidResponse)
	case resp.StatusCode != http.StatusOK:
		return pipeline.MarkPermanent(fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %v: %w", path, err, pipeline.ErrInvalidResponse)
	}
	return nil
}

// retryAfter reads the Retry-After hint, in seconds.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
