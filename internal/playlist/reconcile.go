package playlist

import (
	"fmt"
	"time"

	"livingportrait/internal/core"

	"github.com/araddon/dateparse"
)

// ParseTimestamp reads Playlist.LastRotatedAt. The canonical layout is tried first; other
// common date formats written by hand are accepted as a fallback.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(core.TimestampLayout, value, loc); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseIn(value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse lastRotatedAt %q: %w", value, err)
	}
	return t, nil
}

// EnforceSingleActive switches to single mode on the only active entry when exactly one
// entry is active. It reports whether the document changed.
func EnforceSingleActive(doc *core.Settings) bool {
	active := doc.Playlist.ActiveFiles()
	if len(active) != 1 {
		return false
	}
	if doc.Playlist.Mode == core.ModeSingle && doc.SelectedVideo == active[0] {
		return false
	}
	doc.Playlist.Mode = core.ModeSingle
	doc.SelectedVideo = active[0]
	return true
}

// Startup repairs the document against the files on disk before the loops start:
// unknown files join the playlist as active entries, a missing selection falls back to the
// first file and the single-active rule is applied. With resetTimestamp an expired or
// missing rotation timestamp restarts the interval from now. It returns what changed.
func Startup(doc *core.Settings, files []string, now time.Time, resetTimestamp bool) []string {
	var changes []string

	for _, f := range files {
		if doc.Playlist.Index(f) < 0 {
			doc.Playlist.Order = append(doc.Playlist.Order, core.PlaylistEntry{Filename: f, Active: true})
			changes = append(changes, "added "+f)
		}
	}

	if len(files) > 0 && !contains(files, doc.SelectedVideo) {
		changes = append(changes, fmt.Sprintf("selected %q missing, using %q", doc.SelectedVideo, files[0]))
		doc.SelectedVideo = files[0]
	}

	if EnforceSingleActive(doc) {
		changes = append(changes, "single active entry, forced single mode")
	}

	p := doc.Playlist
	if resetTimestamp && p.Mode.Rotates() && p.IntervalMinutes > 0 {
		last, err := ParseTimestamp(p.LastRotatedAt, now.Location())
		if p.LastRotatedAt == "" || err != nil || now.Sub(last) >= interval(p) {
			doc.Playlist.LastRotatedAt = core.FormatTimestamp(now)
			changes = append(changes, "rotation timestamp reset")
		}
	}
	return changes
}

// TimeRemaining returns how long until the next rotation is due. ok is false when the
// playlist does not rotate or the timestamp is missing or unreadable.
func TimeRemaining(doc core.Settings, now time.Time) (remaining time.Duration, ok bool) {
	p := doc.Playlist
	if !p.Mode.Rotates() || p.IntervalMinutes <= 0 || p.LastRotatedAt == "" {
		return 0, false
	}
	last, err := ParseTimestamp(p.LastRotatedAt, now.Location())
	if err != nil {
		return 0, false
	}
	remaining = last.Add(interval(p)).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func interval(p core.Playlist) time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
