// Package gcs provides a ThreadArchive backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Archive writes raw thread payloads to a configured GCS bucket.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed thread archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutThread uploads one thread's raw JSON and returns a gs:// URI.
func (a *Archive) PutThread(ctx context.Context, jobID, postID string, data []byte) (string, error) {
	if jobID == "" || postID == "" {
		return "", fmt.Errorf("job id and post id are required")
	}
	path := a.objectPath(jobID, postID)
	writer := a.client.Bucket(a.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, path), nil
}

func (a *Archive) objectPath(jobID, postID string) string {
	if a.prefix == "" {
		return fmt.Sprintf("%s/%s.json", jobID, postID)
	}
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, jobID, postID)
}
