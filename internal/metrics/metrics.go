// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portrait"

var (
	SettingsWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settings_writes_total",
		Help:      "Accepted settings document writes by source.",
	}, []string{"source"})

	SettingsConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settings_conflicts_total",
		Help:      "Compare-and-swap writes rejected because the document changed underneath.",
	})

	SettingsReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settings_reloads_total",
		Help:      "External settings file edits by result.",
	}, []string{"result"})

	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotations_total",
		Help:      "Playlist rotations applied by mode.",
	}, []string{"mode"})

	PlaybackTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_transitions_total",
		Help:      "Playback controller state transitions.",
	}, []string{"from", "to"})

	PlaybackState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "playback_state",
		Help:      "1 for the controller's current state, 0 otherwise.",
	}, []string{"state"})

	PlayerCommandFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "player_command_failures_total",
		Help:      "Video player adapter command failures by command.",
	}, []string{"command"})

	MotionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "motion_events_total",
		Help:      "Motion events by outcome (accepted, debounced).",
	}, []string{"outcome"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_commands_total",
		Help:      "Admin commands handled by type and result.",
	}, []string{"type", "result"})
)

// SetPlaybackState marks state as the only active state.
func SetPlaybackState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		PlaybackState.WithLabelValues(s).Set(v)
	}
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
