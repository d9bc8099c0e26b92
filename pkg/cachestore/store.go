// Package cachestore persists dependency caches between runs.
//
// Caches are identified by fixed string keys declared in the workflow
// and stored as gzipped tar blobs. Restores are best effort: a miss
// degrades the run to a cold start, it never fails it. Saves are only
// permitted from protected refs, keeping the cache single-writer.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/3leaps/gantry/pkg/output"
	"github.com/3leaps/gantry/pkg/workflow"
)

// Sentinel errors for cache operations.
var (
	// ErrCacheMiss is returned by Restore when no blob exists for a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrRefNotProtected is returned by SaveAll when the run's ref is
	// not in the protected set.
	ErrRefNotProtected = errors.New("cache saves are only permitted from protected refs")
)

// Store persists and retrieves cache blobs by key.
type Store interface {
	// Restore extracts the blob for key into destDir.
	// Returns ErrCacheMiss when no blob exists for the key.
	Restore(ctx context.Context, key, destDir string) error

	// Save packs srcDir into a blob stored under key, replacing any
	// previous blob for that key.
	Save(ctx context.Context, key, srcDir string) error

	// Close releases any resources held by the store.
	Close() error
}

// Manager applies a workflow's cache declarations against a Store.
type Manager struct {
	store     Store
	wf        *workflow.Workflow
	writer    output.Writer
	workspace string
}

// NewManager creates a cache manager for one run.
func NewManager(store Store, wf *workflow.Workflow, writer output.Writer, workspace string) *Manager {
	return &Manager{store: store, wf: wf, writer: writer, workspace: workspace}
}

// RestoreAll restores every declared cache into the workspace.
//
// Misses and store failures are recorded as CACHE_MISS error records
// and do not fail the run. Only context cancellation aborts.
func (m *Manager) RestoreAll(ctx context.Context) error {
	for _, entry := range m.wf.Caches {
		if err := ctx.Err(); err != nil {
			return err
		}

		dest := filepath.Join(m.workspace, entry.Path)
		err := m.store.Restore(ctx, entry.Key, dest)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		_ = m.writer.WriteErrorRecord(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeCacheMiss,
			Message: fmt.Sprintf("cache %q: %v", entry.Key, err),
		})
	}
	return nil
}

// SaveAll saves every declared cache from the workspace.
//
// Returns ErrRefNotProtected without touching the store when the run's
// ref is not protected.
func (m *Manager) SaveAll(ctx context.Context) error {
	if !m.wf.Ref.IsProtected() {
		return ErrRefNotProtected
	}

	for _, entry := range m.wf.Caches {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := filepath.Join(m.workspace, entry.Path)
		if err := m.store.Save(ctx, entry.Key, src); err != nil {
			return fmt.Errorf("save cache %q: %w", entry.Key, err)
		}
	}
	return nil
}
