package cachestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps cache blobs as files under a root directory.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a local store rooted at dir, creating it if
// needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// Restore extracts the blob for key into destDir.
func (s *LocalStore) Restore(ctx context.Context, key, destDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return err
	}
	defer f.Close()

	return unpackDir(f, destDir)
}

// Save packs srcDir into the blob for key. The blob is written to a
// temp file and renamed so concurrent readers never see a partial blob.
func (s *LocalStore) Save(ctx context.Context, key, srcDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, ".cache-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := packDir(srcDir, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Close is a no-op for the local store.
func (s *LocalStore) Close() error { return nil }

// blobPath maps a cache key to its file path and rejects keys that
// would leave the root.
func (s *LocalStore) blobPath(key string) (string, error) {
	if key == "" {
		return "", errors.New("cache key is required")
	}
	name := strings.ReplaceAll(key, "/", "_") + ".tar.gz"
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("invalid cache key: %s", key)
	}
	return filepath.Join(s.root, name), nil
}
