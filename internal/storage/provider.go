package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnsupportedBackend = errors.New("unsupported backend")
)

// Stat describes one remote entry. Path is always relative to the
// provider's configured base path.
type Stat struct {
	Path    string
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

type ListOptions struct {
	// Deep lists the whole subtree instead of one level.
	Deep bool
}

// Provider is the minimal contract a remote backend must satisfy. All
// paths passed in and reported back are relative to the backend's
// configured base path; the adapter owns the translation to physical
// paths so callers never see the backend's absolute root.
//
// List returns an empty slice, not an error, when the directory does
// not exist. ReadFile reports a missing file as ErrNotFound. DeleteFile,
// DeleteDir and EnsureDir are idempotent: reaching the goal state counts
// as success even when no work was done.
type Provider interface {
	TestConnection(ctx context.Context) error
	JoinPath(segments ...string) string
	List(ctx context.Context, relPath string, opts ListOptions) ([]Stat, error)
	ReadFile(ctx context.Context, relPath string) ([]byte, error)
	WriteFile(ctx context.Context, relPath string, data []byte) error
	DeleteFile(ctx context.Context, relPath string) error
	DeleteDir(ctx context.Context, relPath string) error
	EnsureDir(ctx context.Context, relPath string) error
}

// JoinPath is pure POSIX path algebra over relative segments. Empty
// segments are skipped and the result never carries a leading or
// trailing slash.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		segment = strings.Trim(strings.TrimSpace(segment), "/")
		if segment == "" {
			continue
		}
		parts = append(parts, segment)
	}
	return path.Join(parts...)
}
