package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Archive keeps the original uploaded files so operators can audit what was
// chunked into the search index. Files are laid out one directory per parent
// document, mirroring the parent_id grouping the index uses, so deleting a
// document drops its whole archive subtree in one call.
type Archive interface {
	// Save stores the original file under its parent document and returns
	// the archive key
	Save(ctx context.Context, parentID uuid.UUID, filename string, data io.Reader) (string, error)

	// Open retrieves an archived file by key
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Remove deletes everything archived under a parent document
	Remove(ctx context.Context, parentID uuid.UUID) error
}

// ArchiveType selects the archive backend
type ArchiveType string

const (
	ArchiveTypeLocal ArchiveType = "local"
	ArchiveTypeS3    ArchiveType = "s3"
)

// ArchiveConfig holds configuration for the archive backend
type ArchiveConfig struct {
	Type      ArchiveType
	LocalPath string

	S3Bucket     string
	S3Region     string
	AWSAccessKey string
	AWSSecretKey string
}

// NewArchive creates an archive instance based on configuration
func NewArchive(cfg ArchiveConfig) (Archive, error) {
	switch cfg.Type {
	case ArchiveTypeLocal:
		return NewLocalArchive(cfg.LocalPath)
	case ArchiveTypeS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3 archive requires a bucket name")
		}
		return NewS3Archive(cfg)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}

// NewArchiveFromEnv creates an archive instance from environment variables.
// STORAGE_TYPE selects the backend; local is the development default.
func NewArchiveFromEnv() (Archive, error) {
	cfg := ArchiveConfig{Type: ArchiveTypeLocal}
	if t := os.Getenv("STORAGE_TYPE"); t != "" {
		cfg.Type = ArchiveType(t)
	}

	cfg.LocalPath = os.Getenv("STORAGE_LOCAL_PATH")
	if cfg.LocalPath == "" {
		cfg.LocalPath = "./storage/documents"
	}

	cfg.S3Bucket = os.Getenv("AWS_S3_BUCKET")
	cfg.S3Region = os.Getenv("AWS_REGION")
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	cfg.AWSAccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	cfg.AWSSecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")

	if cfg.Type == ArchiveTypeS3 && cfg.S3Bucket == "" {
		return nil, errors.New("AWS_S3_BUCKET environment variable is required for S3 archive")
	}

	return NewArchive(cfg)
}

// archiveKey places a file inside its parent document's directory:
// <parent-uuid>/<sanitized-filename>. The filename keeps its extension so
// Open can serve the right content type later.
func archiveKey(parentID uuid.UUID, filename string) string {
	name := filepath.Base(filename)
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "document"
	}
	return parentID.String() + "/" + name
}
