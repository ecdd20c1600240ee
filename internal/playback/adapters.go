package playback

import (
	"context"
	"time"

	"livingportrait/internal/library"
	"livingportrait/internal/store"
)

// Player is the video player the controller drives. It is owned by a single controller.
type Player interface {
	Load(path string) error
	Play() error
	PauseAtStart() error
	Stop() error
	IsPlaying() bool
	HasEnded() bool
}

// MotionSensor blocks until the next motion event or until ctx is done.
type MotionSensor interface {
	WaitForMotion(ctx context.Context) error
}

// Settings is read access to the settings document.
type Settings interface {
	Get(ctx context.Context) (store.Snapshot, error)
}

// Resolver maps a selected filename to a playable file.
type Resolver interface {
	Resolve(name string) (library.Resolution, error)
}

// Clock abstracts time so tests can run the state machine on simulated time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// noMotion never reports motion.
type noMotion struct{}

func (noMotion) WaitForMotion(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
