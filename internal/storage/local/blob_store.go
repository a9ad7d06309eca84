package local

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// BlobStore writes exported artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a filesystem-backed blob store rooted at cfg.BaseDir.
func NewBlobStore(cfg Config) (*BlobStore, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject writes data under the base directory and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath, err := within(s.baseDir, path)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	if err := writeAtomic(fullPath, byteData); err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
