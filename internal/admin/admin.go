// Package admin turns admin-panel requests into settings document mutations.
//
// Every mutation runs inside a single store update, so concurrent requests from the HTTP
// API, the WebSocket hub and MQTT never overwrite each other.
package admin

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/store"

	"github.com/rs/zerolog"
)

var (
	ErrLastActive      = errors.New("at least one video must remain active")
	ErrUnknownVideo    = errors.New("video not found")
	ErrInvalidInterval = errors.New("interval must be greater than zero for random and fixed modes")
	ErrInvalidMode     = errors.New("unknown playlist mode")
	ErrInvalidDelay    = errors.New("post-trigger delay must not be negative")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNoActiveVideos  = errors.New("no active videos")
	ErrBadPayload      = errors.New("unexpected command payload")
)

// Store is the part of the settings store used for mutations.
type Store interface {
	Update(ctx context.Context, source string, fn func(*core.Settings) error) (store.Snapshot, error)
	CompareAndSwap(ctx context.Context, source string, revision uint64, doc core.Settings) (store.Snapshot, error)
}

// Library is the video folder.
type Library interface {
	List() ([]string, error)
	Exists(name string) bool
	Remove(name string) error
}

// Service applies admin mutations.
type Service struct {
	store  Store
	lib    Library
	now    func() time.Time
	logger zerolog.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// New creates a Service.
func New(st Store, lib Library) *Service {
	return &Service{
		store:  st,
		lib:    lib,
		now:    time.Now,
		logger: xlog.WithComponent("admin"),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Apply dispatches a command to the matching mutation.
func (s *Service) Apply(ctx context.Context, cmd core.Command) error {
	source := cmd.Source
	if source == "" {
		source = "admin"
	}

	var err error
	switch p := cmd.Payload.(type) {
	case core.PausePayload:
		err = s.SetPause(ctx, source, p.Paused)
	case core.SelectPayload:
		err = s.SelectSingle(ctx, source, p.Video)
	case core.PlaylistPayload:
		if cmd.Type == core.CmdShufflePlaylist {
			err = s.Shuffle(ctx, source, p.IntervalMinutes)
		} else {
			err = s.ConfigurePlaylist(ctx, source, p)
		}
	case core.EntryPayload:
		err = s.SetEntryActive(ctx, source, p.Filename, p.Active)
	case core.TriggerPayload:
		err = s.SetTrigger(ctx, source, p.TriggeredFlag, p.PostTriggerDelaySeconds)
	case core.SchedulePayload:
		err = s.SetSchedule(ctx, source, p.Days)
	case core.VideoPayload:
		switch cmd.Type {
		case core.CmdAddVideo:
			err = s.AddVideo(ctx, source, p.Filename)
		case core.CmdRemoveVideo:
			err = s.RemoveVideo(ctx, source, p.Filename)
		default:
			err = fmt.Errorf("%w: %T for %s", ErrBadPayload, cmd.Payload, cmd.Type)
		}
	case core.ReplacePayload:
		err = s.ReplaceSettings(ctx, source, p)
	default:
		err = fmt.Errorf("%w: %T for %s", ErrBadPayload, cmd.Payload, cmd.Type)
	}

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str(xlog.FieldEvent, "admin.command").
		Str("command", string(cmd.Type)).
		Str(xlog.FieldSource, source).
		Msg("admin command applied")
	return err
}

func (s *Service) update(ctx context.Context, source string, fn func(*core.Settings) error) error {
	_, err := s.store.Update(ctx, source, fn)
	return err
}

// SetPause sets the manual pause switch.
func (s *Service) SetPause(ctx context.Context, source string, paused bool) error {
	return s.update(ctx, source, func(doc *core.Settings) error {
		doc.PauseFlag = paused
		return nil
	})
}

// SelectSingle switches to single mode playing video.
func (s *Service) SelectSingle(ctx context.Context, source, video string) error {
	if !s.lib.Exists(video) {
		return fmt.Errorf("%w: %q", ErrUnknownVideo, video)
	}
	return s.update(ctx, source, func(doc *core.Settings) error {
		selectSingle(doc, video)
		return nil
	})
}

func selectSingle(doc *core.Settings, video string) {
	doc.Playlist.Mode = core.ModeSingle
	doc.Playlist.IntervalMinutes = 0
	doc.Playlist.LastRotatedAt = ""
	doc.SelectedVideo = video
}

// ConfigurePlaylist changes the rotation mode.
//
// Random and fixed need a positive interval. Random immediately picks a different active
// video. Fixed makes the given order the active cycle, deactivates every other entry and
// selects the first. Single selects the first given video, or keeps the current one.
func (s *Service) ConfigurePlaylist(ctx context.Context, source string, p core.PlaylistPayload) error {
	if p.PostTriggerDelaySeconds < 0 {
		return ErrInvalidDelay
	}
	if p.IntervalMinutes < 0 {
		return ErrInvalidInterval
	}

	switch p.Mode {
	case core.ModeSingle:
		video := ""
		if len(p.Order) > 0 {
			video = p.Order[0]
			if !s.lib.Exists(video) {
				return fmt.Errorf("%w: %q", ErrUnknownVideo, video)
			}
		}
		return s.update(ctx, source, func(doc *core.Settings) error {
			if video == "" {
				video = doc.SelectedVideo
			}
			selectSingle(doc, video)
			setTrigger(doc, p.TriggeredFlag, p.PostTriggerDelaySeconds)
			return nil
		})

	case core.ModeRandom:
		if p.IntervalMinutes == 0 {
			return ErrInvalidInterval
		}
		now := core.FormatTimestamp(s.now())
		return s.update(ctx, source, func(doc *core.Settings) error {
			active := doc.Playlist.ActiveFiles()
			if len(active) == 0 {
				return ErrNoActiveVideos
			}
			doc.Playlist.Mode = core.ModeRandom
			doc.Playlist.IntervalMinutes = p.IntervalMinutes
			doc.Playlist.LastRotatedAt = now
			setTrigger(doc, p.TriggeredFlag, p.PostTriggerDelaySeconds)
			doc.SelectedVideo = s.pickOther(active, doc.SelectedVideo)
			return nil
		})

	case core.ModeFixed:
		if p.IntervalMinutes == 0 {
			return ErrInvalidInterval
		}
		var names []string
		for _, name := range p.Order {
			if s.lib.Exists(name) && !contains(names, name) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return fmt.Errorf("%w: fixed order names no existing video", ErrUnknownVideo)
		}
		now := core.FormatTimestamp(s.now())
		return s.update(ctx, source, func(doc *core.Settings) error {
			order := make([]core.PlaylistEntry, 0, len(doc.Playlist.Order)+len(names))
			for _, name := range names {
				order = append(order, core.PlaylistEntry{Filename: name, Active: true})
			}
			for _, e := range doc.Playlist.Order {
				if !contains(names, e.Filename) {
					order = append(order, core.PlaylistEntry{Filename: e.Filename, Active: false})
				}
			}
			doc.Playlist.Order = order
			doc.Playlist.Mode = core.ModeFixed
			doc.Playlist.IntervalMinutes = p.IntervalMinutes
			doc.Playlist.LastRotatedAt = now
			setTrigger(doc, p.TriggeredFlag, p.PostTriggerDelaySeconds)
			doc.SelectedVideo = names[0]
			return nil
		})
	}
	return fmt.Errorf("%w: %q", ErrInvalidMode, p.Mode)
}

// Shuffle randomises the order of the active entries, switches to fixed mode and selects
// the new first entry. Inactive entries keep their relative order after the active ones.
// A zero interval keeps the current one.
func (s *Service) Shuffle(ctx context.Context, source string, intervalMinutes int) error {
	if intervalMinutes < 0 {
		return ErrInvalidInterval
	}
	now := core.FormatTimestamp(s.now())
	return s.update(ctx, source, func(doc *core.Settings) error {
		var active, inactive []core.PlaylistEntry
		for _, e := range doc.Playlist.Order {
			if e.Active {
				active = append(active, e)
			} else {
				inactive = append(inactive, e)
			}
		}
		if len(active) == 0 {
			return ErrNoActiveVideos
		}
		s.mu.Lock()
		s.rng.Shuffle(len(active), func(i, j int) { active[i], active[j] = active[j], active[i] })
		s.mu.Unlock()

		if intervalMinutes > 0 {
			doc.Playlist.IntervalMinutes = intervalMinutes
		}
		if doc.Playlist.IntervalMinutes == 0 {
			return ErrInvalidInterval
		}
		doc.Playlist.Order = append(active, inactive...)
		doc.Playlist.Mode = core.ModeFixed
		doc.Playlist.LastRotatedAt = now
		doc.SelectedVideo = active[0].Filename
		return nil
	})
}

// SetEntryActive marks a playlist entry. Unknown entries are appended. The last active
// entry cannot be deactivated; when exactly one remains active the playlist falls back to
// single mode on it.
func (s *Service) SetEntryActive(ctx context.Context, source, filename string, active bool) error {
	if filename == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownVideo)
	}
	return s.update(ctx, source, func(doc *core.Settings) error {
		idx := doc.Playlist.Index(filename)
		if idx >= 0 && !active && doc.Playlist.Order[idx].Active && len(doc.Playlist.ActiveFiles()) <= 1 {
			return ErrLastActive
		}
		if idx < 0 {
			doc.Playlist.Order = append(doc.Playlist.Order, core.PlaylistEntry{Filename: filename, Active: active})
		} else {
			doc.Playlist.Order[idx].Active = active
		}
		if remaining := doc.Playlist.ActiveFiles(); len(remaining) == 1 {
			selectSingle(doc, remaining[0])
		}
		return nil
	})
}

// SetTrigger switches between motion-triggered and endless playback and sets the
// cooldown. Nil arguments keep the current values.
func (s *Service) SetTrigger(ctx context.Context, source string, triggered *bool, delaySeconds *int) error {
	if delaySeconds != nil && *delaySeconds < 0 {
		return ErrInvalidDelay
	}
	return s.update(ctx, source, func(doc *core.Settings) error {
		if triggered != nil {
			doc.Playlist.TriggeredFlag = *triggered
		}
		if delaySeconds != nil {
			doc.Playlist.PostTriggerDelaySeconds = *delaySeconds
		}
		return nil
	})
}

func setTrigger(doc *core.Settings, triggered bool, delaySeconds int) {
	doc.Playlist.TriggeredFlag = triggered
	doc.Playlist.PostTriggerDelaySeconds = delaySeconds
}

// SetSchedule writes the weekly schedule. Every weekday is stored. Days missing from days
// or disabled keep their previously stored times; enabled days with blank times get the
// whole-day defaults.
func (s *Service) SetSchedule(ctx context.Context, source string, days map[string]core.DaySchedule) error {
	for name, d := range days {
		if !isWeekday(name) {
			return fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, name)
		}
		for _, v := range []string{d.Start, d.End} {
			if v == "" {
				continue
			}
			if _, err := time.Parse("15:04", v); err != nil || len(v) != 5 {
				return fmt.Errorf("%w: %s time %q is not HH:MM", ErrInvalidSchedule, name, v)
			}
		}
	}

	return s.update(ctx, source, func(doc *core.Settings) error {
		next := make(map[string]core.DaySchedule, len(core.Weekdays))
		for _, name := range core.Weekdays {
			prev, hadPrev := doc.Days[name]
			in, given := days[name]
			switch {
			case given && in.Enabled:
				next[name] = core.DaySchedule{Enabled: true, Start: orDefault(in.Start, "00:00"), End: orDefault(in.End, "23:59")}
			case hadPrev:
				next[name] = core.DaySchedule{Enabled: false, Start: orDefault(prev.Start, "00:00"), End: orDefault(prev.End, "23:59")}
			default:
				next[name] = core.DaySchedule{Enabled: false, Start: "00:00", End: "23:59"}
			}
		}
		doc.Days = next
		return nil
	})
}

// AddVideo registers a file already present in the video folder as an active entry.
func (s *Service) AddVideo(ctx context.Context, source, filename string) error {
	if !s.lib.Exists(filename) {
		return fmt.Errorf("%w: %q", ErrUnknownVideo, filename)
	}
	return s.update(ctx, source, func(doc *core.Settings) error {
		if doc.Playlist.Index(filename) < 0 {
			doc.Playlist.Order = append(doc.Playlist.Order, core.PlaylistEntry{Filename: filename, Active: true})
		}
		if doc.SelectedVideo == "" {
			doc.SelectedVideo = filename
		}
		return nil
	})
}

// RemoveVideo deletes a file from the video folder and drops its playlist entry. A removed
// selection moves to the first remaining active entry, or the first file left on disk.
func (s *Service) RemoveVideo(ctx context.Context, source, filename string) error {
	if !s.lib.Exists(filename) {
		return fmt.Errorf("%w: %q", ErrUnknownVideo, filename)
	}
	if err := s.lib.Remove(filename); err != nil {
		return err
	}
	files, err := s.lib.List()
	if err != nil {
		return err
	}
	return s.update(ctx, source, func(doc *core.Settings) error {
		if idx := doc.Playlist.Index(filename); idx >= 0 {
			doc.Playlist.Order = append(doc.Playlist.Order[:idx], doc.Playlist.Order[idx+1:]...)
		}
		if doc.SelectedVideo == filename {
			doc.SelectedVideo = ""
			if active := doc.Playlist.ActiveFiles(); len(active) > 0 {
				doc.SelectedVideo = active[0]
			} else if len(files) > 0 {
				doc.SelectedVideo = files[0]
			}
		}
		if remaining := doc.Playlist.ActiveFiles(); len(remaining) == 1 {
			selectSingle(doc, remaining[0])
		}
		return nil
	})
}

// ReplaceSettings writes a whole document, as an editor of the settings file would. With a
// revision set, the write fails with store.ErrConflict if someone else wrote first.
func (s *Service) ReplaceSettings(ctx context.Context, source string, p core.ReplacePayload) error {
	if p.Revision != 0 {
		_, err := s.store.CompareAndSwap(ctx, source, p.Revision, p.Settings)
		return err
	}
	return s.update(ctx, source, func(current *core.Settings) error {
		*current = p.Settings.Clone()
		return nil
	})
}

func (s *Service) pickOther(active []string, current string) string {
	others := make([]string, 0, len(active))
	for _, f := range active {
		if f != current {
			others = append(others, f)
		}
	}
	if len(others) == 0 {
		return current
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return others[s.rng.IntN(len(others))]
}

func isWeekday(name string) bool {
	return contains(core.Weekdays, name)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
