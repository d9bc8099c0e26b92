package runner

import (
	"errors"
	"fmt"
	"os"
)

// RenameGuard is a scoped directory rename with guaranteed restoration.
//
// Doctests import the installed package, which the local source tree would
// shadow. The source directory is renamed out of the way for the duration
// of the doctest step. A bare rename-and-rename-back shell sequence leaves
// the workspace broken when the step dies in between, so the rename is
// modeled as an acquisition whose Release restores the original name on
// every exit path (success, failure, or cancellation).
type RenameGuard struct {
	original string
	shadow   string
	released bool
}

// ErrShadowExists is returned when the shadow path is already occupied,
// which usually means a previous run died without restoring.
var ErrShadowExists = errors.New("shadow path already exists")

// AcquireRename renames dir to dir+suffix and returns a guard whose
// Release restores the original name.
//
// Callers must arrange Release on all exit paths:
//
//	guard, err := AcquireRename(pkgDir, "_shadow")
//	if err != nil { ... }
//	defer guard.Release()
func AcquireRename(dir, suffix string) (*RenameGuard, error) {
	if suffix == "" {
		return nil, errors.New("rename suffix is required")
	}
	shadow := dir + suffix

	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("rename source: %w", err)
	}
	if _, err := os.Stat(shadow); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrShadowExists, shadow)
	}

	if err := os.Rename(dir, shadow); err != nil {
		return nil, fmt.Errorf("rename %s: %w", dir, err)
	}

	return &RenameGuard{original: dir, shadow: shadow}, nil
}

// Release restores the original directory name.
//
// Release is idempotent: second and later calls are no-ops. If the
// original name has been recreated while the guard was held, Release
// refuses to clobber it and returns an error instead.
func (g *RenameGuard) Release() error {
	if g == nil || g.released {
		return nil
	}

	if _, err := os.Stat(g.original); err == nil {
		return fmt.Errorf("restore target exists, refusing to overwrite: %s", g.original)
	}

	if err := os.Rename(g.shadow, g.original); err != nil {
		return fmt.Errorf("restore %s: %w", g.original, err)
	}
	g.released = true
	return nil
}

// withRename runs fn with dir renamed out of the way, restoring the
// original name afterwards regardless of fn's outcome, including panics.
// When fn fails, the step error wins over any restore error.
func withRename(dir, suffix string, fn func() error) (err error) {
	guard, gerr := AcquireRename(dir, suffix)
	if gerr != nil {
		return gerr
	}
	defer func() {
		rerr := guard.Release()
		if err == nil {
			err = rerr
		}
	}()
	return fn()
}
