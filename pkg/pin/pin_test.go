package pin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeReq(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApply_RewritesMinimumConstraints(t *testing.T) {
	dir := t.TempDir()
	path := writeReq(t, dir, "requirements.txt",
		"torch>=1.7.1\nnumpy>=1.19, <1.24\npandas==1.5.0\n# torch>=99 comment untouched\n")

	res, err := Apply(dir, "requirements.txt")
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, 2, res.Files[0].Rewritten)
	assert.True(t, res.Changed())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"torch==1.7.1\nnumpy==1.19, <1.24\npandas==1.5.0\n# torch>=99 comment untouched\n",
		string(got))
}

func TestApply_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeReq(t, dir, "requirements.txt", "torch>=1.7.1\nscikit-learn>=0.24\n")

	res, err := Apply(dir, "requirements.txt")
	require.NoError(t, err)
	assert.True(t, res.Changed())

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// Second pass over already-pinned files must be a byte-level no-op.
	res, err = Apply(dir, "requirements.txt")
	require.NoError(t, err)
	assert.False(t, res.Changed())

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestApply_GlobMatchesNestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeReq(t, dir, "requirements/base.txt", "torch>=1.7.1\n")
	writeReq(t, dir, "requirements/extras/image.txt", "torchvision>=0.8\n")
	writeReq(t, dir, "requirements/extras/image.in", "ignored>=1.0\n")

	res, err := Apply(dir, "requirements/**/*.txt")
	require.NoError(t, err)
	require.Len(t, res.Files, 2)

	paths := []string{res.Files[0].Path, res.Files[1].Path}
	assert.Contains(t, paths, "requirements/base.txt")
	assert.Contains(t, paths, "requirements/extras/image.txt")
}

func TestApply_NoMatches(t *testing.T) {
	dir := t.TempDir()
	_, err := Apply(dir, "requirements/*.txt")
	require.ErrorIs(t, err, ErrNoMatches)
}

func TestApply_InvalidGlob(t *testing.T) {
	dir := t.TempDir()
	_, err := Apply(dir, "requirements/[.txt")
	require.ErrorIs(t, err, ErrInvalidGlob)
}

func TestApply_PreservesFileMode(t *testing.T) {
	dir := t.TempDir()
	path := writeReq(t, dir, "requirements.txt", "torch>=1.7.1\n")
	require.NoError(t, os.Chmod(path, 0o600))

	_, err := Apply(dir, "requirements.txt")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
