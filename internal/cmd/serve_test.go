package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gantry/pkg/runstore"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestRunStoreHealthChecker(t *testing.T) {
	t.Run("returns error when store not configured", func(t *testing.T) {
		checker := runStoreHealthChecker{}

		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	})

	t.Run("healthy with readable store", func(t *testing.T) {
		checker := runStoreHealthChecker{store: runstore.NewStore(t.TempDir())}

		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})

	t.Run("unhealthy when root is unreadable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root bypasses permission checks")
		}

		root := t.TempDir()
		store := runstore.NewStore(root)
		require.NoError(t, os.MkdirAll(filepath.Join(root, "run-1"), 0o755))
		require.NoError(t, os.Chmod(root, 0o000))
		defer func() { _ = os.Chmod(root, 0o755) }()

		checker := runStoreHealthChecker{store: store}

		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreadable")
	})
}
