package core

import (
	"encoding/json"
	"time"
)

// Mode selects how the playlist advances the selected video.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeRandom Mode = "random"
	ModeFixed  Mode = "fixed"
)

// Rotates reports whether the mode advances the selection over time.
func (m Mode) Rotates() bool {
	return m == ModeRandom || m == ModeFixed
}

// TimestampLayout is the on-disk format of Playlist.LastRotatedAt.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders t in the settings document's local timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// PlaylistEntry is one video in the playlist order.
type PlaylistEntry struct {
	Filename string `json:"filename"`
	Active   bool   `json:"active"`
}

// UnmarshalJSON treats a missing "active" field as active.
func (e *PlaylistEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Filename string `json:"filename"`
		Active   *bool  `json:"active"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Filename = raw.Filename
	e.Active = raw.Active == nil || *raw.Active
	return nil
}

// Playlist holds rotation and trigger configuration.
type Playlist struct {
	Mode                    Mode            `json:"mode"`
	IntervalMinutes         int             `json:"intervalMinutes"`
	LastRotatedAt           string          `json:"lastRotatedAt"`
	Order                   []PlaylistEntry `json:"order"`
	TriggeredFlag           bool            `json:"triggeredFlag"`
	PostTriggerDelaySeconds int             `json:"postTriggerDelaySeconds"`
}

// ActiveFiles returns the active filenames in playlist order.
func (p Playlist) ActiveFiles() []string {
	files := make([]string, 0, len(p.Order))
	for _, e := range p.Order {
		if e.Active {
			files = append(files, e.Filename)
		}
	}
	return files
}

// Index returns the position of filename in the order, or -1.
func (p Playlist) Index(filename string) int {
	for i, e := range p.Order {
		if e.Filename == filename {
			return i
		}
	}
	return -1
}

// DaySchedule is the playback window for one weekday. Start and End are zero-padded "HH:MM".
type DaySchedule struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Weekdays lists schedule keys in display order.
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Settings is the shared control document read and written by every component.
type Settings struct {
	SelectedVideo string                 `json:"selectedVideo"`
	PauseFlag     bool                   `json:"pauseFlag"`
	Playlist      Playlist               `json:"playlist"`
	Days          map[string]DaySchedule `json:"days"`
}

// DefaultSettings returns the document used when none exists or it cannot be read.
func DefaultSettings() Settings {
	return Settings{
		Playlist: Playlist{
			Mode:  ModeSingle,
			Order: []PlaylistEntry{},
		},
		Days: map[string]DaySchedule{},
	}
}

// DecodeSettings parses a document, filling absent fields with defaults.
func DecodeSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), err
	}
	s.Normalize()
	return s, nil
}

// Normalize makes the document fully populated: negative numbers are clamped, nil
// collections become empty, an empty mode becomes single and duplicate filenames are dropped.
func (s *Settings) Normalize() {
	if s.Playlist.Mode == "" {
		s.Playlist.Mode = ModeSingle
	}
	if s.Playlist.IntervalMinutes < 0 {
		s.Playlist.IntervalMinutes = 0
	}
	if s.Playlist.PostTriggerDelaySeconds < 0 {
		s.Playlist.PostTriggerDelaySeconds = 0
	}
	if s.Days == nil {
		s.Days = map[string]DaySchedule{}
	}

	seen := make(map[string]bool, len(s.Playlist.Order))
	order := make([]PlaylistEntry, 0, len(s.Playlist.Order))
	for _, e := range s.Playlist.Order {
		if e.Filename == "" || seen[e.Filename] {
			continue
		}
		seen[e.Filename] = true
		order = append(order, e)
	}
	s.Playlist.Order = order
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Playlist.Order = append([]PlaylistEntry(nil), s.Playlist.Order...)
	if out.Playlist.Order == nil {
		out.Playlist.Order = []PlaylistEntry{}
	}
	out.Days = make(map[string]DaySchedule, len(s.Days))
	for k, v := range s.Days {
		out.Days[k] = v
	}
	return out
}

// Encode renders the document as indented JSON.
func (s Settings) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
