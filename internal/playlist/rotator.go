// Package playlist advances the selected video over time.
package playlist

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/metrics"
	"livingportrait/internal/scheduler"
	"livingportrait/internal/store"

	"github.com/rs/zerolog"
)

// Store is the part of the settings store the rotator needs.
type Store interface {
	Update(ctx context.Context, source string, fn func(*core.Settings) error) (store.Snapshot, error)
}

// errUnchanged aborts a store update that would not change the document.
var errUnchanged = errors.New("unchanged")

// Lister enumerates the files currently available for playback.
type Lister interface {
	List() ([]string, error)
}

// Next picks the video following current among active files.
//
// Random mode never repeats current when another active file exists. Fixed mode advances
// circularly and restarts at the first entry when current is not active.
func Next(mode core.Mode, active []string, current string, rng *rand.Rand) string {
	if len(active) == 0 {
		return current
	}
	switch mode {
	case core.ModeRandom:
		if len(active) == 1 {
			return active[0]
		}
		choices := make([]string, 0, len(active))
		for _, f := range active {
			if f != current {
				choices = append(choices, f)
			}
		}
		return choices[rng.IntN(len(choices))]
	case core.ModeFixed:
		for i, f := range active {
			if f == current {
				return active[(i+1)%len(active)]
			}
		}
		return active[0]
	}
	return current
}

// Outcome describes what one tick did.
type Outcome struct {
	Rotated bool
	Forced  bool // single-active rule applied
	From    string
	To      string
	Skipped string // reason when nothing was rotated
}

// Rotator periodically rotates the selection in random and fixed modes.
type Rotator struct {
	store  Store
	files  Lister
	tick   time.Duration
	now    func() time.Time
	rng    *rand.Rand
	logger zerolog.Logger
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// WithRand replaces the random source.
func WithRand(rng *rand.Rand) Option {
	return func(r *Rotator) { r.rng = rng }
}

// NewRotator creates a rotator evaluating every tick. files may be nil to skip the
// availability check.
func NewRotator(st Store, files Lister, tick time.Duration, opts ...Option) *Rotator {
	r := &Rotator{
		store:  st,
		files:  files,
		tick:   tick,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: xlog.WithComponent("rotator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.logger.Info().Str(xlog.FieldEvent, "rotator.started").Dur("tick", r.tick).Msg("playlist rotator running")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str(xlog.FieldEvent, "rotator.stopped").Msg("playlist rotator stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Str(xlog.FieldEvent, "rotator.tick_failed").Msg("rotation tick failed")
			}
		}
	}
}

// Tick evaluates the document once and applies a rotation if one is due. The decision and
// the write happen inside one store update.
func (r *Rotator) Tick(ctx context.Context) (Outcome, error) {
	now := r.now()

	var available []string
	if r.files != nil {
		files, err := r.files.List()
		if err != nil {
			return Outcome{Skipped: "video folder unreadable"}, err
		}
		available = files
	}

	var out Outcome
	_, err := r.store.Update(ctx, "rotator", func(doc *core.Settings) error {
		out = r.evaluate(doc, now, available)
		if !out.Forced && !out.Rotated {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return Outcome{Skipped: "store"}, err
	}

	switch {
	case out.Forced:
		r.logger.Info().
			Str(xlog.FieldEvent, "rotator.forced_single").
			Str(xlog.FieldVideo, out.To).
			Msg("only one active entry, switched to single mode")
	case out.Rotated:
		r.logger.Info().
			Str(xlog.FieldEvent, "rotation.applied").
			Str("from", out.From).
			Str("to", out.To).
			Msg("rotated selected video")
	}
	return out, nil
}

func (r *Rotator) evaluate(doc *core.Settings, now time.Time, available []string) Outcome {
	switch {
	case doc.PauseFlag:
		return Outcome{Skipped: "paused"}
	case !scheduler.IsPermittedNow(doc.Days, now):
		return Outcome{Skipped: "schedule"}
	}

	current := doc.SelectedVideo
	if EnforceSingleActive(doc) {
		return Outcome{Forced: true, From: current, To: doc.SelectedVideo}
	}

	p := doc.Playlist
	switch {
	case !p.Mode.Rotates():
		return Outcome{Skipped: "mode"}
	case p.IntervalMinutes <= 0:
		return Outcome{Skipped: "interval"}
	}

	active := p.ActiveFiles()
	if r.files != nil {
		active = intersect(active, available)
	}
	if len(active) == 0 {
		return Outcome{Skipped: "no active files"}
	}

	if p.LastRotatedAt != "" {
		last, err := ParseTimestamp(p.LastRotatedAt, now.Location())
		if err != nil {
			r.logger.Warn().Err(err).Str(xlog.FieldEvent, "rotator.bad_timestamp").Msg("unreadable rotation timestamp, rotating now")
		} else if now.Sub(last) < interval(p) {
			return Outcome{Skipped: "interval not elapsed"}
		}
	}

	next := Next(p.Mode, active, current, r.rng)
	doc.SelectedVideo = next
	doc.Playlist.LastRotatedAt = core.FormatTimestamp(now)
	metrics.RotationsTotal.WithLabelValues(string(p.Mode)).Inc()
	return Outcome{Rotated: true, From: current, To: next}
}

func intersect(order, available []string) []string {
	set := make(map[string]bool, len(available))
	for _, f := range available {
		set[f] = true
	}
	out := make([]string, 0, len(order))
	for _, f := range order {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}
