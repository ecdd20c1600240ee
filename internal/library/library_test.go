package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLibrary(t *testing.T, files ...string) *Library {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644))
	}
	return New(dir)
}

func TestList_FiltersAndSorts(t *testing.T) {
	lib := newLibrary(t, "b.mp4", "a.MP4", "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(lib.Dir(), "sub.mp4"), 0o755))

	names, err := lib.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.MP4", "b.mp4"}, names)
}

func TestResolve(t *testing.T) {
	lib := newLibrary(t, "b.mp4", "a.mp4")

	res, err := lib.Resolve("b.mp4")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Name: "b.mp4", Path: filepath.Join(lib.Dir(), "b.mp4")}, res)

	res, err = lib.Resolve("gone.mp4")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "a.mp4", res.Name)

	res, err = lib.Resolve("")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestResolve_Empty(t *testing.T) {
	lib := newLibrary(t)
	_, err := lib.Resolve("a.mp4")
	assert.ErrorIs(t, err, ErrNoVideos)
}

func TestPath_RejectsTraversal(t *testing.T) {
	lib := newLibrary(t)
	for _, name := range []string{"../etc/passwd", "sub/a.mp4", "..", ""} {
		_, err := lib.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	assert.False(t, lib.Exists("../a.mp4"))
}

func TestRemove(t *testing.T) {
	lib := newLibrary(t, "a.mp4")
	require.NoError(t, lib.Remove("a.mp4"))
	assert.False(t, lib.Exists("a.mp4"))
	assert.Error(t, lib.Remove("a.mp4"))
}
