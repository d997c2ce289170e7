package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalArchive implements Archive on the local filesystem. Each parent
// document gets its own directory under basePath.
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates a local archive rooted at basePath
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

// Save writes the original file into the parent document's directory
func (a *LocalArchive) Save(_ context.Context, parentID uuid.UUID, filename string, data io.Reader) (string, error) {
	key := archiveKey(parentID, filename)
	fullPath := filepath.Join(a.basePath, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, data); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("write archive file: %w", err)
	}
	return key, nil
}

// Open retrieves an archived file by key
func (a *LocalArchive) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(a.basePath, filepath.FromSlash(key))

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archived file not found: %s", key)
		}
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	return file, nil
}

// Remove deletes the parent document's entire archive directory. Removing a
// parent that was never archived is not an error.
func (a *LocalArchive) Remove(_ context.Context, parentID uuid.UUID) error {
	dir := filepath.Join(a.basePath, parentID.String())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove archive for %s: %w", parentID, err)
	}
	return nil
}
