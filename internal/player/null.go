package player

import (
	"sync"
	"time"

	xlog "livingportrait/internal/log"

	"github.com/rs/zerolog"
)

// Null is a headless player for development. Media "plays" for a fixed duration.
type Null struct {
	duration time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	loaded  string
	started time.Time
	playing bool
}

// NewNull creates a Null player whose media lasts duration.
func NewNull(duration time.Duration) *Null {
	if duration <= 0 {
		duration = 10 * time.Second
	}
	return &Null{duration: duration, now: time.Now, logger: xlog.WithComponent("player")}
}

func (n *Null) Load(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loaded, n.playing = path, false
	n.logger.Debug().Str(xlog.FieldPath, path).Msg("load")
	return nil
}

func (n *Null) Play() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.playing, n.started = true, n.now()
	n.logger.Debug().Str(xlog.FieldPath, n.loaded).Msg("play")
	return nil
}

func (n *Null) PauseAtStart() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.playing = false
	n.logger.Debug().Str(xlog.FieldPath, n.loaded).Msg("pause at start")
	return nil
}

func (n *Null) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loaded, n.playing = "", false
	n.logger.Debug().Msg("stop")
	return nil
}

func (n *Null) IsPlaying() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playing && n.now().Sub(n.started) < n.duration
}

func (n *Null) HasEnded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playing && n.now().Sub(n.started) >= n.duration
}

// Loaded returns the media path currently loaded.
func (n *Null) Loaded() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loaded
}
