package filestore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/xxxsen/earnrag/internal/config"
)

// Store holds artifact copies (index snapshots) outside the data dir.
type Store interface {
	Type() string
	Save(ctx context.Context, key string, r io.ReadSeeker, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type Factory func(cfg config.FileStoreConfig) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.FileStoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("artifact_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported artifact store type: %s", cfg.Type)
	}
	return factory(cfg)
}

// cleanKey normalises a slash separated object key and rejects keys that
// escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("file key is required")
	}
	if strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid file key")
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid file key")
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
