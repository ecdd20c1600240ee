// Package playback implements the controller that turns the settings document, the
// schedule and motion events into player commands.
//
// The controller is a state machine:
//
//	Starting ──► PausedScreen ◄──────────── any state (pause flag or schedule closed)
//	   │
//	   ├──► ArmedWaiting ──motion──► PlayingTriggered ──end──► PostTriggerCooldown ──► ArmedWaiting
//	   │
//	   └──► PlayingEndless ──end──► PlayingEndless (reload selection, replay)
//
// Each loop iteration reads the current document, moves to the state it calls for and
// then blocks in that state until the player reports progress, motion arrives, the
// settings change or the schedule ticks.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/metrics"
	"livingportrait/internal/scheduler"
	"livingportrait/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var allStates = []string{
	string(core.StateStarting),
	string(core.StateArmedWaiting),
	string(core.StatePlayingTriggered),
	string(core.StatePlayingEndless),
	string(core.StatePostTriggerCooldown),
	string(core.StatePausedScreen),
}

// Config tunes the controller.
type Config struct {
	PauseMedia    string        // always-available media shown while paused
	PollInterval  time.Duration // player polling while playing
	IdleInterval  time.Duration // re-evaluation while waiting without events
	RetryInterval time.Duration // minimum spacing of retries after a failure
	Clock         Clock
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
}

type target int

const (
	targetPaused target = iota
	targetArmed
	targetEndless
)

// desired returns the family of states the document calls for at now.
func desired(doc core.Settings, now time.Time) target {
	switch {
	case doc.PauseFlag || !scheduler.IsPermittedNow(doc.Days, now):
		return targetPaused
	case doc.Playlist.TriggeredFlag:
		return targetArmed
	default:
		return targetEndless
	}
}

func compatible(state core.PlaybackState, t target) bool {
	switch t {
	case targetPaused:
		return state == core.StatePausedScreen
	case targetArmed:
		return state == core.StateArmedWaiting ||
			state == core.StatePlayingTriggered ||
			state == core.StatePostTriggerCooldown
	default:
		return state == core.StatePlayingEndless
	}
}

func playing(state core.PlaybackState) bool {
	return state == core.StatePlayingTriggered || state == core.StatePlayingEndless
}

// Controller is the only component that issues player commands.
type Controller struct {
	cfg      Config
	clock    Clock
	player   Player
	sensor   MotionSensor
	settings Settings
	videos   Resolver
	bus      *core.EventBus
	status   *core.State
	retry    *rate.Limiter
	logger   zerolog.Logger

	// owned by the Run goroutine
	current       core.PlaybackState
	loaded        string // path of the media in the player
	video         string // selection the loaded media belongs to
	cooldownUntil time.Time
}

// New creates a controller. sensor may be nil when no motion source is configured; the
// controller then stays armed until triggered mode is switched off.
func New(cfg Config, player Player, sensor MotionSensor, settings Settings, videos Resolver, bus *core.EventBus) *Controller {
	cfg.setDefaults()
	if sensor == nil {
		sensor = noMotion{}
	}
	return &Controller{
		cfg:      cfg,
		clock:    cfg.Clock,
		player:   player,
		sensor:   sensor,
		settings: settings,
		videos:   videos,
		bus:      bus,
		status:   core.NewState(),
		retry:    rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		logger:   xlog.WithComponent("playback"),
		current:  core.StateStarting,
	}
}

// Status returns the last published status.
func (c *Controller) Status() core.PlaybackStatus {
	return c.status.Clone()
}

// Run drives the player until ctx is cancelled, then stops it.
func (c *Controller) Run(ctx context.Context) error {
	wake := c.bus.Subscribe(core.SettingsChangedEvent, core.ScheduleTickEvent)
	defer c.bus.Unsubscribe(wake, core.SettingsChangedEvent, core.ScheduleTickEvent)
	defer c.shutdown()

	metrics.SetPlaybackState(string(c.current), allStates)
	c.logger.Info().Str(xlog.FieldEvent, "playback.started").Msg("playback controller running")

	for {
		if ctx.Err() != nil {
			return nil
		}
		snap, err := c.settings.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, store.ErrClosed) {
				return fmt.Errorf("settings store: %w", err)
			}
			c.logger.Error().Err(err).Str(xlog.FieldEvent, "playback.settings_failed").Msg("cannot read settings")
			c.wait(ctx, wake, c.cfg.IdleInterval)
			continue
		}

		if err := c.step(ctx, wake, snap.Settings); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).
				Str(xlog.FieldEvent, "playback.step_failed").
				Str(xlog.FieldOldState, string(c.current)).
				Msg("playback step failed, retrying")
			if err := c.retry.Wait(ctx); err != nil {
				return nil
			}
		}
	}
}

// step performs one transition or one bounded wait in the current state.
func (c *Controller) step(ctx context.Context, wake <-chan core.Event, doc core.Settings) error {
	t := desired(doc, c.clock.Now())
	if !compatible(c.current, t) {
		return c.enter(t, doc)
	}

	switch c.current {
	case core.StatePausedScreen:
		c.wait(ctx, wake, c.cfg.IdleInterval)
		return nil
	case core.StateArmedWaiting:
		return c.armed(ctx, wake, doc)
	case core.StatePlayingTriggered:
		return c.playingTriggered(ctx, wake, doc)
	case core.StatePostTriggerCooldown:
		return c.cooldown(ctx, wake, doc)
	case core.StatePlayingEndless:
		return c.playingEndless(ctx, wake, doc)
	}
	return nil
}

// enter leaves the current state for the entry state of t.
func (c *Controller) enter(t target, doc core.Settings) error {
	if playing(c.current) || c.player.IsPlaying() {
		if err := c.command("stop", c.player.Stop); err != nil {
			return err
		}
	}

	switch t {
	case targetPaused:
		if err := c.cue(c.cfg.PauseMedia); err != nil {
			return err
		}
		c.video = ""
		c.transition(core.StatePausedScreen, doc, c.clock.Now())
		return nil
	case targetArmed:
		return c.arm(doc)
	default:
		return c.play(doc, core.StatePlayingEndless)
	}
}

// arm shows the first frame of the selection and waits for motion.
func (c *Controller) arm(doc core.Settings) error {
	res, err := c.resolve(doc)
	if err != nil {
		return err
	}
	if res.Path != c.loaded {
		if err := c.cue(res.Path); err != nil {
			return err
		}
	}
	c.video = res.Name
	c.transition(core.StateArmedWaiting, doc, c.clock.Now())
	return nil
}

func (c *Controller) armed(ctx context.Context, wake <-chan core.Event, doc core.Settings) error {
	res, err := c.resolve(doc)
	if err != nil {
		return err
	}
	if res.Path != c.loaded {
		// selection rotated while armed
		return c.arm(doc)
	}

	armCtx, cancel := context.WithCancel(ctx)
	motion := make(chan error, 1)
	go func() { motion <- c.sensor.WaitForMotion(armCtx) }()
	received := false
	defer func() {
		cancel()
		if !received {
			<-motion
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-motion:
		received = true
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("motion sensor: %w", err)
		}
		return c.onMotion(ctx)
	case <-wake:
		return nil
	case <-c.clock.After(c.cfg.IdleInterval):
		return nil
	}
}

func (c *Controller) onMotion(ctx context.Context) error {
	snap, err := c.settings.Get(ctx)
	if err != nil {
		return err
	}
	doc := snap.Settings
	if desired(doc, c.clock.Now()) != targetArmed {
		metrics.MotionEventsTotal.WithLabelValues("ignored").Inc()
		c.logger.Debug().Str(xlog.FieldEvent, "motion.ignored").Msg("motion while not armed")
		return nil
	}
	metrics.MotionEventsTotal.WithLabelValues("triggered").Inc()
	c.logger.Info().Str(xlog.FieldEvent, "motion.detected").Msg("motion detected")
	return c.play(doc, core.StatePlayingTriggered)
}

func (c *Controller) playingTriggered(ctx context.Context, wake <-chan core.Event, doc core.Settings) error {
	if !c.player.HasEnded() {
		c.wait(ctx, wake, c.cfg.PollInterval)
		return nil
	}
	if err := c.command("pause", c.player.PauseAtStart); err != nil {
		return err
	}
	now := c.clock.Now()
	c.cooldownUntil = now.Add(time.Duration(doc.Playlist.PostTriggerDelaySeconds) * time.Second)
	c.transition(core.StatePostTriggerCooldown, doc, now)
	return nil
}

func (c *Controller) cooldown(ctx context.Context, wake <-chan core.Event, doc core.Settings) error {
	now := c.clock.Now()
	if now.Before(c.cooldownUntil) {
		c.wait(ctx, wake, c.cooldownUntil.Sub(now))
		return nil
	}
	return c.arm(doc)
}

func (c *Controller) playingEndless(ctx context.Context, wake <-chan core.Event, doc core.Settings) error {
	if !c.player.HasEnded() {
		c.wait(ctx, wake, c.cfg.PollInterval)
		return nil
	}
	return c.play(doc, core.StatePlayingEndless)
}

// play loads the current selection and starts it.
func (c *Controller) play(doc core.Settings, state core.PlaybackState) error {
	res, err := c.resolve(doc)
	if err != nil {
		return err
	}
	if err := c.command("load", func() error { return c.player.Load(res.Path) }); err != nil {
		return err
	}
	c.loaded = res.Path
	if err := c.command("play", c.player.Play); err != nil {
		return err
	}
	c.video = res.Name
	c.transition(state, doc, c.clock.Now())
	return nil
}

// cue loads path and holds it on its first frame.
func (c *Controller) cue(path string) error {
	if err := c.command("load", func() error { return c.player.Load(path) }); err != nil {
		return err
	}
	c.loaded = path
	return c.command("pause", c.player.PauseAtStart)
}

func (c *Controller) resolve(doc core.Settings) (resolution, error) {
	res, err := c.videos.Resolve(doc.SelectedVideo)
	if err != nil {
		return resolution{}, fmt.Errorf("resolve %q: %w", doc.SelectedVideo, err)
	}
	if res.Fallback {
		c.logger.Warn().
			Str(xlog.FieldEvent, "playback.selected_missing").
			Str(xlog.FieldVideo, doc.SelectedVideo).
			Str("fallback", res.Name).
			Msg("selected video missing, using fallback")
	}
	return resolution{Name: res.Name, Path: res.Path}, nil
}

type resolution struct {
	Name string
	Path string
}

func (c *Controller) command(name string, fn func() error) error {
	if err := fn(); err != nil {
		metrics.PlayerCommandFailuresTotal.WithLabelValues(name).Inc()
		return fmt.Errorf("player %s: %w", name, err)
	}
	return nil
}

func (c *Controller) wait(ctx context.Context, wake <-chan core.Event, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-wake:
	case <-c.clock.After(d):
	}
}

func (c *Controller) transition(state core.PlaybackState, doc core.Settings, now time.Time) {
	prev := c.current
	c.current = state

	status := core.PlaybackStatus{
		State:        state,
		Video:        c.video,
		Since:        now,
		Paused:       doc.PauseFlag,
		ScheduleOpen: scheduler.IsPermittedNow(doc.Days, now),
	}
	if !status.ScheduleOpen {
		if next, ok := scheduler.NextPermittedStart(doc.Days, now); ok {
			status.NextStart = &next
		}
	}
	if state == core.StatePostTriggerCooldown {
		until := c.cooldownUntil
		status.CooldownUntil = &until
	}
	c.status.Set(status)

	if prev != state {
		metrics.PlaybackTransitionsTotal.WithLabelValues(string(prev), string(state)).Inc()
		metrics.SetPlaybackState(string(state), allStates)
		c.logger.Info().
			Str(xlog.FieldEvent, "playback.transition").
			Str(xlog.FieldOldState, string(prev)).
			Str(xlog.FieldNewState, string(state)).
			Str(xlog.FieldVideo, c.video).
			Msg("playback state changed")
	}
	c.bus.Publish(core.Event{Type: core.PlaybackChangedEvent, Payload: status})
}

func (c *Controller) shutdown() {
	if err := c.player.Stop(); err != nil {
		c.logger.Warn().Err(err).Str(xlog.FieldEvent, "playback.stop_failed").Msg("failed to stop player on shutdown")
	}
	c.logger.Info().Str(xlog.FieldEvent, "playback.stopped").Msg("playback controller stopped")
}
