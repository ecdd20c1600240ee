package playback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"livingportrait/internal/core"
	"livingportrait/internal/library"
	"livingportrait/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// scaledClock runs simulated time faster than wall time.
type scaledClock struct {
	base  time.Time
	start time.Time
	scale float64
}

func newScaledClock(base time.Time, scale float64) *scaledClock {
	return &scaledClock{base: base, start: time.Now(), scale: scale}
}

func (c *scaledClock) Now() time.Time {
	return c.base.Add(time.Duration(float64(time.Since(c.start)) * c.scale))
}

func (c *scaledClock) After(d time.Duration) <-chan time.Time {
	return time.After(time.Duration(float64(d) / c.scale))
}

type fakePlayer struct {
	mu        sync.Mutex
	calls     []string
	playing   bool
	ended     bool
	failLoads int

	path       string
	unplayable string // media that is accepted by Load but leaves the player idle
}

func (p *fakePlayer) Load(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLoads > 0 {
		p.failLoads--
		p.calls = append(p.calls, "load-fail")
		return errors.New("player not ready")
	}
	p.calls = append(p.calls, "load "+path)
	p.path = path
	p.playing, p.ended = false, false
	return nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "play")
	if p.path == p.unplayable {
		p.playing, p.ended = false, true
		return nil
	}
	p.playing, p.ended = true, false
	return nil
}

func (p *fakePlayer) PauseAtStart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "pauseAtStart")
	p.playing, p.ended = false, false
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "stop")
	p.playing = false
	return nil
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) HasEnded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *fakePlayer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing, p.ended = false, true
}

func (p *fakePlayer) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type chanSensor chan struct{}

func (s chanSensor) WaitForMotion(ctx context.Context) error {
	select {
	case <-s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeVideos []string

func (v fakeVideos) Resolve(name string) (library.Resolution, error) {
	if len(v) == 0 {
		return library.Resolution{}, library.ErrNoVideos
	}
	for _, f := range v {
		if f == name {
			return library.Resolution{Name: f, Path: "/videos/" + f}, nil
		}
	}
	return library.Resolution{Name: v[0], Path: "/videos/" + v[0], Fallback: true}, nil
}

type harness struct {
	ctl    *Controller
	store  *store.Store
	player *fakePlayer
	motion chanSensor
	events core.Subscriber
	close  func()
}

var monday = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.Local)

func start(t *testing.T, doc core.Settings, base time.Time, player *fakePlayer) *harness {
	t.Helper()
	bus := core.NewEventBus()
	st, err := store.Open(filepath.Join(t.TempDir(), "settings.json"), bus)
	require.NoError(t, err)

	storeCtx, stopStore := context.WithCancel(context.Background())
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		_ = st.Run(storeCtx)
	}()
	_, err = st.Replace(context.Background(), "test", doc)
	require.NoError(t, err)

	h := &harness{
		store:  st,
		player: player,
		motion: make(chanSensor, 1),
		events: bus.Subscribe(core.PlaybackChangedEvent),
	}
	h.ctl = New(Config{
		PauseMedia:    "/pause.mp4",
		PollInterval:  100 * time.Millisecond,
		IdleInterval:  time.Second,
		RetryInterval: 100 * time.Millisecond,
		Clock:         newScaledClock(base, 100),
	}, player, h.motion, st, fakeVideos{"A.mp4", "B.mp4"}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(ctx) }()

	var once sync.Once
	h.close = func() {
		once.Do(func() {
			cancel()
			assert.NoError(t, <-done)
			stopStore()
			<-storeDone
		})
	}
	t.Cleanup(h.close)
	return h
}

func (h *harness) next(t *testing.T) core.PlaybackStatus {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev.Payload.(core.PlaybackStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("no playback status published")
		return core.PlaybackStatus{}
	}
}

func (h *harness) waitFor(t *testing.T, state core.PlaybackState) core.PlaybackStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if st := ev.Payload.(core.PlaybackStatus); st.State == state {
				return st
			}
		case <-deadline:
			t.Fatalf("state %s not reached, last status %+v", state, h.ctl.Status())
			return core.PlaybackStatus{}
		}
	}
}

func (h *harness) update(t *testing.T, fn func(*core.Settings)) {
	t.Helper()
	_, err := h.store.Update(context.Background(), "test", func(doc *core.Settings) error {
		fn(doc)
		return nil
	})
	require.NoError(t, err)
}

func baseDoc(triggered bool, delay int) core.Settings {
	doc := core.DefaultSettings()
	doc.SelectedVideo = "A.mp4"
	doc.Playlist.Order = []core.PlaylistEntry{{Filename: "A.mp4", Active: true}, {Filename: "B.mp4", Active: true}}
	doc.Playlist.TriggeredFlag = triggered
	doc.Playlist.PostTriggerDelaySeconds = delay
	return doc
}

func TestController_MotionTriggeredCycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	player := &fakePlayer{}
	h := start(t, baseDoc(true, 3), monday, player)

	armed := h.waitFor(t, core.StateArmedWaiting)
	assert.Equal(t, "A.mp4", armed.Video)
	assert.Equal(t, []string{"load /videos/A.mp4", "pauseAtStart"}, player.history())

	h.motion <- struct{}{}
	st := h.waitFor(t, core.StatePlayingTriggered)
	assert.Equal(t, "A.mp4", st.Video)
	assert.Equal(t, []string{"load /videos/A.mp4", "pauseAtStart", "load /videos/A.mp4", "play"}, player.history())

	player.finish()
	cool := h.next(t)
	require.Equal(t, core.StatePostTriggerCooldown, cool.State)
	require.NotNil(t, cool.CooldownUntil)
	assert.Equal(t, 3*time.Second, cool.CooldownUntil.Sub(cool.Since))

	rearmed := h.next(t)
	require.Equal(t, core.StateArmedWaiting, rearmed.State)
	assert.False(t, rearmed.Since.Before(*cool.CooldownUntil))

	h.close()
	hist := player.history()
	assert.Equal(t, "stop", hist[len(hist)-1])
}

func TestController_PauseDuringEndless(t *testing.T) {
	player := &fakePlayer{}
	h := start(t, baseDoc(false, 0), monday, player)

	st := h.waitFor(t, core.StatePlayingEndless)
	assert.Equal(t, "A.mp4", st.Video)

	h.update(t, func(doc *core.Settings) { doc.PauseFlag = true })
	paused := h.next(t)
	require.Equal(t, core.StatePausedScreen, paused.State)
	assert.True(t, paused.Paused)

	assert.Equal(t, []string{"load /videos/A.mp4", "play", "stop", "load /pause.mp4", "pauseAtStart"}, player.history())

	snap, err := h.store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A.mp4", snap.Settings.SelectedVideo)

	h.update(t, func(doc *core.Settings) { doc.PauseFlag = false })
	resumed := h.next(t)
	assert.Equal(t, core.StatePlayingEndless, resumed.State)
}

func TestController_EndlessReloadsSelectionOnEnd(t *testing.T) {
	player := &fakePlayer{}
	h := start(t, baseDoc(false, 0), monday, player)
	h.waitFor(t, core.StatePlayingEndless)

	h.update(t, func(doc *core.Settings) { doc.SelectedVideo = "B.mp4" })
	player.finish()

	st := h.waitFor(t, core.StatePlayingEndless)
	assert.Equal(t, "B.mp4", st.Video)
	assert.Contains(t, player.history(), "load /videos/B.mp4")
}

func TestController_EndlessRecoversFromIdlePlayer(t *testing.T) {
	player := &fakePlayer{unplayable: "/videos/A.mp4"}
	h := start(t, baseDoc(false, 0), monday, player)
	h.waitFor(t, core.StatePlayingEndless)

	require.Eventually(t, func() bool {
		n := 0
		for _, c := range player.history() {
			if c == "load /videos/A.mp4" {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 5*time.Millisecond, "idle player is not reloaded")

	h.update(t, func(doc *core.Settings) { doc.SelectedVideo = "B.mp4" })
	require.Eventually(t, func() bool {
		return h.ctl.Status().Video == "B.mp4" && player.IsPlaying()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.StatePlayingEndless, h.ctl.Status().State)
}

func TestController_TriggerFlagOffSkipsCooldown(t *testing.T) {
	player := &fakePlayer{}
	h := start(t, baseDoc(true, 30), monday, player)
	h.waitFor(t, core.StateArmedWaiting)

	h.motion <- struct{}{}
	h.waitFor(t, core.StatePlayingTriggered)

	h.update(t, func(doc *core.Settings) { doc.Playlist.TriggeredFlag = false })
	st := h.next(t)
	assert.Equal(t, core.StatePlayingEndless, st.State)
}

func TestController_ScheduleClosedShowsPauseScreen(t *testing.T) {
	doc := baseDoc(false, 0)
	doc.Days = map[string]core.DaySchedule{
		"Monday":  {Enabled: true, Start: "09:00", End: "17:00"},
		"Tuesday": {Enabled: true, Start: "09:00", End: "17:00"},
	}
	evening := time.Date(2025, time.March, 3, 20, 0, 0, 0, time.Local)

	player := &fakePlayer{}
	h := start(t, doc, evening, player)

	st := h.waitFor(t, core.StatePausedScreen)
	assert.False(t, st.ScheduleOpen)
	assert.False(t, st.Paused)
	require.NotNil(t, st.NextStart)
	assert.True(t, st.NextStart.Equal(time.Date(2025, time.March, 4, 9, 0, 0, 0, time.Local)))
	assert.Equal(t, []string{"load /pause.mp4", "pauseAtStart"}, player.history())
}

func TestController_RetriesPlayerFailures(t *testing.T) {
	player := &fakePlayer{failLoads: 2}
	h := start(t, baseDoc(false, 0), monday, player)

	h.waitFor(t, core.StatePlayingEndless)
	assert.Equal(t, []string{"load-fail", "load-fail", "load /videos/A.mp4", "play"}, player.history())
}
