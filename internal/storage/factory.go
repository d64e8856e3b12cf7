package storage

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Config carries the connection parameters for one remote backend.
type Config struct {
	Backend  string
	URL      string
	Username string
	Password string
	BasePath string
}

type Factory func(cfg Config, log *zap.SugaredLogger) (Provider, error)

var providerRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes a backend constructible by New. Registering an
// already-known backend replaces the previous factory.
func RegisterFactory(backend string, factory Factory) {
	backend = normalizeBackend(backend)
	if backend == "" || factory == nil {
		return
	}
	providerRegistry.mu.Lock()
	defer providerRegistry.mu.Unlock()
	providerRegistry.factories[backend] = factory
}

// New builds the provider for cfg.Backend. The engine never touches
// this switch: adding a backend means registering one more factory.
func New(cfg Config, log *zap.SugaredLogger) (Provider, error) {
	backend := normalizeBackend(cfg.Backend)
	if factory, ok := lookupFactory(backend); ok {
		return factory(cfg, log)
	}
	switch backend {
	case "webdav":
		return NewWebDAV(cfg, log)
	case "s3":
		return nil, fmt.Errorf("%w: s3", ErrUnsupportedBackend)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

func lookupFactory(backend string) (Factory, bool) {
	providerRegistry.mu.RLock()
	defer providerRegistry.mu.RUnlock()
	factory, ok := providerRegistry.factories[backend]
	return factory, ok
}

func normalizeBackend(backend string) string {
	return strings.ToLower(strings.TrimSpace(backend))
}
