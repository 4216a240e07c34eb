// Package local provides a ThreadArchive backed by the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dishwire/dishwire/internal/hash/sha256"
)

// Config captures the parameters for the filesystem archive.
type Config struct {
	// BaseDir is the root directory where thread payloads are stored.
	BaseDir string
}

// Archive writes raw thread payloads to the local filesystem. Writes are
// idempotent: a retried job that re-archives an identical payload leaves the
// existing file untouched.
type Archive struct {
	baseDir string
	hasher  *sha256.Hasher
}

// New creates a filesystem-backed thread archive rooted at BaseDir.
func New(cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Archive{
		baseDir: cfg.BaseDir,
		hasher:  sha256.New(),
	}, nil
}

// PutThread writes one thread's raw JSON and returns a file:// URI.
func (a *Archive) PutThread(_ context.Context, jobID, postID string, data []byte) (string, error) {
	if jobID == "" || postID == "" {
		return "", fmt.Errorf("job id and post id are required")
	}

	fullPath := filepath.Join(a.baseDir, jobID, postID+".json")
	cleanBase := filepath.Clean(a.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}

	same, err := a.sameContent(fullPath, data)
	if err != nil {
		return "", err
	}
	if same {
		return fmt.Sprintf("file://%s", fullPath), nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write thread file: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}

// sameContent reports whether the file already holds data, by digest.
func (a *Archive) sameContent(path string, data []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read existing thread file: %w", err)
	}
	oldSum, err := a.hasher.Hash(existing)
	if err != nil {
		return false, err
	}
	newSum, err := a.hasher.Hash(data)
	if err != nil {
		return false, err
	}
	return oldSum == newSum, nil
}
