package core

import (
	"sync"
	"time"
)

// PlaybackState names a state of the playback controller.
type PlaybackState string

const (
	StateStarting            PlaybackState = "Starting"
	StateArmedWaiting        PlaybackState = "ArmedWaiting"
	StatePlayingTriggered    PlaybackState = "PlayingTriggered"
	StatePlayingEndless      PlaybackState = "PlayingEndless"
	StatePostTriggerCooldown PlaybackState = "PostTriggerCooldown"
	StatePausedScreen        PlaybackState = "PausedScreen"
)

// PlaybackStatus is a snapshot of what the display is doing.
type PlaybackStatus struct {
	State         PlaybackState `json:"state"`
	Video         string        `json:"video"`
	Since         time.Time     `json:"since"`
	Paused        bool          `json:"paused"`
	ScheduleOpen  bool          `json:"scheduleOpen"`
	NextStart     *time.Time    `json:"nextStart,omitempty"`
	CooldownUntil *time.Time    `json:"cooldownUntil,omitempty"`
}

// State holds the controller's published status.
type State struct {
	mu     sync.RWMutex
	status PlaybackStatus
}

// NewState creates a new State in StateStarting.
func NewState() *State {
	return &State{status: PlaybackStatus{State: StateStarting, Since: time.Now(), ScheduleOpen: true}}
}

// Clone returns a snapshot of the current status.
func (s *State) Clone() PlaybackStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Set replaces the status.
func (s *State) Set(status PlaybackStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
