package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"
)

const (
	deleteAttempts   = 3
	deleteRetryDelay = time.Second
)

// davClient is the slice of *gowebdav.Client the adapter needs; tests
// substitute an in-memory implementation.
type davClient interface {
	Connect() error
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Read(path string) ([]byte, error)
	Write(path string, data []byte, mode os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	MkdirAll(path string, mode os.FileMode) error
}

type isNotFoundFunc func(err error) bool

// WebDAVProvider implements Provider on top of a WebDAV share. Every
// physical path is rooted under basePath, which is normalized once at
// construction.
type WebDAVProvider struct {
	client     davClient
	basePath   string
	isNotFound isNotFoundFunc
	retryDelay time.Duration
	log        *zap.SugaredLogger
}

func NewWebDAV(cfg Config, log *zap.SugaredLogger) (*WebDAVProvider, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: webdav url is required", ErrInvalidInput)
	}
	client := gowebdav.NewClient(url, cfg.Username, cfg.Password)
	return newWebDAVWithClient(client, gowebdav.IsErrNotFound, cfg.BasePath, log), nil
}

func newWebDAVWithClient(client davClient, isNotFound isNotFoundFunc, basePath string, log *zap.SugaredLogger) *WebDAVProvider {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WebDAVProvider{
		client:     client,
		basePath:   normalizeBasePath(basePath),
		isNotFound: isNotFound,
		retryDelay: deleteRetryDelay,
		log:        log,
	}
}

func (p *WebDAVProvider) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.client.Connect(); err != nil {
		return fmt.Errorf("webdav connect: %w", err)
	}
	if p.basePath == "" {
		return nil
	}
	// The base path may not exist yet on a fresh share; absence is fine.
	if _, err := p.client.Stat(p.abs("")); err != nil && !p.isNotFound(err) {
		return fmt.Errorf("webdav stat base path: %w", err)
	}
	return nil
}

func (p *WebDAVProvider) JoinPath(segments ...string) string {
	return JoinPath(segments...)
}

func (p *WebDAVProvider) List(ctx context.Context, relPath string, opts ListOptions) ([]Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.list(ctx, normalizeRelPath(relPath), opts.Deep)
}

func (p *WebDAVProvider) list(ctx context.Context, relPath string, deep bool) ([]Stat, error) {
	entries, err := p.client.ReadDir(p.abs(relPath))
	if err != nil {
		if p.isNotFound(err) {
			return []Stat{}, nil
		}
		return nil, fmt.Errorf("webdav list %s: %w", displayPath(relPath), err)
	}
	stats := make([]Stat, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entryPath := JoinPath(relPath, entry.Name())
		stats = append(stats, Stat{
			Path:    entryPath,
			Name:    entry.Name(),
			IsDir:   entry.IsDir(),
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
		})
		if deep && entry.IsDir() {
			children, err := p.list(ctx, entryPath, true)
			if err != nil {
				return nil, err
			}
			stats = append(stats, children...)
		}
	}
	return stats, nil
}

func (p *WebDAVProvider) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.client.Read(p.abs(normalizeRelPath(relPath)))
	if err != nil {
		if p.isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, displayPath(relPath))
		}
		return nil, fmt.Errorf("webdav read %s: %w", displayPath(relPath), err)
	}
	return data, nil
}

func (p *WebDAVProvider) WriteFile(ctx context.Context, relPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	relPath = normalizeRelPath(relPath)
	absPath := p.abs(relPath)
	err := p.client.Write(absPath, data, 0o644)
	if err == nil {
		return nil
	}
	// Some servers reject writes into missing collections instead of
	// creating them; build the parent chain and retry once.
	if parent := path.Dir(absPath); parent != "." && parent != "/" {
		if mkErr := p.client.MkdirAll(parent, 0o755); mkErr == nil {
			if err = p.client.Write(absPath, data, 0o644); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("webdav write %s: %w", displayPath(relPath), err)
}

func (p *WebDAVProvider) DeleteFile(ctx context.Context, relPath string) error {
	relPath = normalizeRelPath(relPath)
	return p.deleteWithRetry(ctx, relPath, func() error {
		return p.client.Remove(p.abs(relPath))
	})
}

func (p *WebDAVProvider) DeleteDir(ctx context.Context, relPath string) error {
	relPath = normalizeRelPath(relPath)
	err := p.deleteWithRetry(ctx, relPath, func() error {
		return p.client.RemoveAll(p.abs(relPath))
	})
	if err != nil {
		return err
	}
	// Not every server implements recursive DELETE; verify and sweep
	// the subtree by hand when the collection is still observable. Only
	// a not-found confirms removal; any other stat failure means the
	// directory's fate is unknown and the delete cannot be reported done.
	if _, statErr := p.client.Stat(p.abs(relPath)); statErr != nil {
		if p.isNotFound(statErr) {
			return nil
		}
		return fmt.Errorf("webdav verify delete %s: %w", displayPath(relPath), statErr)
	}
	p.log.Debugw("webdav directory survived delete, sweeping manually", "path", displayPath(relPath))
	if err := p.sweepDir(ctx, relPath); err != nil {
		return err
	}
	return p.deleteWithRetry(ctx, relPath, func() error {
		return p.client.RemoveAll(p.abs(relPath))
	})
}

func (p *WebDAVProvider) sweepDir(ctx context.Context, relPath string) error {
	entries, err := p.list(ctx, relPath, false)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir {
			if err := p.sweepDir(ctx, entry.Path); err != nil {
				return err
			}
			if err := p.deleteWithRetry(ctx, entry.Path, func() error {
				return p.client.RemoveAll(p.abs(entry.Path))
			}); err != nil {
				return err
			}
			continue
		}
		if err := p.DeleteFile(ctx, entry.Path); err != nil {
			return err
		}
	}
	return nil
}

// deleteWithRetry runs remove up to deleteAttempts times with a fixed
// backoff. A not-found response at any attempt is success: absence is
// the goal state.
func (p *WebDAVProvider) deleteWithRetry(ctx context.Context, relPath string, remove func() error) error {
	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := remove()
		if err == nil || p.isNotFound(err) {
			return nil
		}
		p.log.Debugw("webdav delete failed, retrying",
			"path", displayPath(relPath), "attempt", attempt, "error", err)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), deleteAttempts-1)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("webdav delete %s: %w", displayPath(relPath), err)
	}
	return nil
}

func (p *WebDAVProvider) EnsureDir(ctx context.Context, relPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	relPath = normalizeRelPath(relPath)
	if relPath == "" {
		// The base path itself is the caller's root; nothing to create.
		return nil
	}
	if err := p.client.MkdirAll(p.abs(relPath), 0o755); err != nil {
		if info, statErr := p.client.Stat(p.abs(relPath)); statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("webdav mkdir %s: %w", displayPath(relPath), err)
	}
	return nil
}

func (p *WebDAVProvider) abs(relPath string) string {
	return "/" + JoinPath(p.basePath, relPath)
}

func normalizeBasePath(basePath string) string {
	return JoinPath(basePath)
}

func normalizeRelPath(relPath string) string {
	return JoinPath(relPath)
}

func displayPath(relPath string) string {
	if relPath == "" {
		return "/"
	}
	return relPath
}

var _ Provider = (*WebDAVProvider)(nil)

// IsNotFound reports whether err marks a missing remote entry, from
// either the sentinel or the underlying WebDAV client.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || gowebdav.IsErrNotFound(err)
}
