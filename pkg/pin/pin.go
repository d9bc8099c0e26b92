// Package pin rewrites minimum-version dependency constraints to exact pins.
//
// Jobs flagged for oldest-dependency testing install the lowest versions a
// library claims to support. Pinning turns every ">=" constraint in the
// matched requirement files into "==" so the resolver installs exactly the
// declared minimum.
//
// The rewrite is idempotent: it only touches lines that still contain ">=",
// so applying it to already-pinned files is a byte-level no-op.
package pin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileResult describes the outcome of pinning a single file.
type FileResult struct {
	// Path is the file path relative to the pin root.
	Path string `json:"path"`

	// Rewritten is the number of constraint lines changed.
	Rewritten int `json:"rewritten"`
}

// Result aggregates the outcome of a pin pass.
type Result struct {
	// Files lists every matched file, in glob order.
	Files []FileResult `json:"files"`
}

// Changed reports whether any file content was modified.
func (r *Result) Changed() bool {
	for _, f := range r.Files {
		if f.Rewritten > 0 {
			return true
		}
	}
	return false
}

// Errors returned by Apply.
var (
	// ErrNoMatches is returned when the glob pattern matches no files.
	ErrNoMatches = errors.New("pin glob matched no files")

	// ErrInvalidGlob is returned when the glob pattern cannot be compiled.
	ErrInvalidGlob = errors.New("invalid pin glob pattern")
)

// Apply pins every requirement file under root matched by the glob pattern.
//
// Pattern syntax is doublestar (e.g., "requirements/**/*.txt"), evaluated
// relative to root. Files are rewritten in place via temp file + rename so
// a failed write never leaves a half-pinned file behind.
func Apply(root, pattern string) (*Result, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGlob, pattern)
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(root, filepath.FromSlash(pattern)))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s under %s", ErrNoMatches, pattern, root)
	}

	res := &Result{Files: make([]FileResult, 0, len(matches))}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}

		rewritten, err := pinFile(path)
		if err != nil {
			return nil, err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		res.Files = append(res.Files, FileResult{Path: filepath.ToSlash(rel), Rewritten: rewritten})
	}
	return res, nil
}

// pinFile rewrites one file and returns the number of changed lines.
func pinFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	rewritten := 0
	for i, line := range lines {
		pinned, changed := pinLine(line)
		if changed {
			lines[i] = pinned
			rewritten++
		}
	}
	if rewritten == 0 {
		return 0, nil
	}

	if err := writeFileAtomic(path, []byte(strings.Join(lines, "\n")), fileMode(path)); err != nil {
		return 0, err
	}
	return rewritten, nil
}

// pinLine rewrites a single requirement line. Comment lines and lines
// without a ">=" constraint are returned unchanged.
func pinLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line, false
	}
	if !strings.Contains(line, ">=") {
		return line, false
	}
	return strings.ReplaceAll(line, ">=", "=="), true
}

// fileMode returns the existing file mode, falling back to 0644.
func fileMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by a rename.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename pinned file: %w", err)
	}
	return nil
}
