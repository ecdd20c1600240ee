package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyFile_SwitchesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	d := NewDailyFile(dir)
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.Local)
	d.now = func() time.Time { return now }

	_, err := d.Write([]byte("first\n"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = d.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	first, err := os.ReadFile(filepath.Join(dir, "2025-03-01.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(first))

	second, err := os.ReadFile(filepath.Join(dir, "2025-03-02.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(second))
}

func TestDailyFile_Prune(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"2025-01-01.txt", "2025-02-25.txt", "2025-03-01.txt", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	d := NewDailyFile(dir)
	d.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local) }

	removed, err := d.Prune(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-01.txt"}, removed)

	_, err = os.Stat(filepath.Join(dir, "notes.md"))
	assert.NoError(t, err)
}
