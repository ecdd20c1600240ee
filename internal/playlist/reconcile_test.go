package playlist

import (
	"testing"
	"time"

	"livingportrait/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2025-03-03 11:59:00", time.Local)
	require.NoError(t, err)
	assert.True(t, now.Add(-time.Minute).Equal(got), got)

	got, err = ParseTimestamp("2025-03-03T11:59:00", time.Local)
	require.NoError(t, err)
	assert.True(t, now.Add(-time.Minute).Equal(got), got)

	_, err = ParseTimestamp("whenever", time.Local)
	assert.Error(t, err)
}

func TestEnforceSingleActive(t *testing.T) {
	doc := rotating(core.ModeFixed, "A.mp4", now, "A.mp4", "B.mp4")
	assert.False(t, EnforceSingleActive(&doc))

	doc.Playlist.Order[1].Active = false
	assert.True(t, EnforceSingleActive(&doc))
	assert.Equal(t, core.ModeSingle, doc.Playlist.Mode)
	assert.Equal(t, "A.mp4", doc.SelectedVideo)
	assert.False(t, EnforceSingleActive(&doc))
}

func TestStartup_AddsFilesAndRepairsSelection(t *testing.T) {
	doc := core.DefaultSettings()
	doc.SelectedVideo = "gone.mp4"

	changes := Startup(&doc, []string{"A.mp4", "B.mp4"}, now, false)
	assert.NotEmpty(t, changes)
	assert.Equal(t, "A.mp4", doc.SelectedVideo)
	assert.Equal(t, entries("A.mp4", "B.mp4"), doc.Playlist.Order)
	assert.Empty(t, Startup(&doc, []string{"A.mp4", "B.mp4"}, now, false))
}

func TestStartup_ResetTimestamp(t *testing.T) {
	doc := rotating(core.ModeFixed, "A.mp4", now.Add(-time.Hour), "A.mp4", "B.mp4")

	Startup(&doc, []string{"A.mp4", "B.mp4"}, now, false)
	assert.Equal(t, core.FormatTimestamp(now.Add(-time.Hour)), doc.Playlist.LastRotatedAt)

	Startup(&doc, []string{"A.mp4", "B.mp4"}, now, true)
	assert.Equal(t, core.FormatTimestamp(now), doc.Playlist.LastRotatedAt)
}

func TestTimeRemaining(t *testing.T) {
	doc := rotating(core.ModeFixed, "A.mp4", now.Add(-20*time.Second), "A.mp4", "B.mp4")
	left, ok := TimeRemaining(doc, now)
	require.True(t, ok)
	assert.Equal(t, 40*time.Second, left)

	left, ok = TimeRemaining(doc, now.Add(time.Hour))
	require.True(t, ok)
	assert.Zero(t, left)

	doc.Playlist.Mode = core.ModeSingle
	_, ok = TimeRemaining(doc, now)
	assert.False(t, ok)
}
