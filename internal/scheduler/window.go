package scheduler

import (
	"time"

	"livingportrait/internal/core"
)

const (
	clockLayout  = "15:04"
	defaultStart = "00:00"
	defaultEnd   = "23:59"
)

func window(d core.DaySchedule) (start, end string) {
	start, end = d.Start, d.End
	if start == "" {
		start = defaultStart
	}
	if end == "" {
		end = defaultEnd
	}
	return start, end
}

// IsPermittedNow reports whether the weekly schedule allows playback at now.
// A day that is absent or disabled places no restriction. An enabled day permits
// playback in the half-open window [start, end).
func IsPermittedNow(days map[string]core.DaySchedule, now time.Time) bool {
	today, ok := days[now.Weekday().String()]
	if !ok || !today.Enabled {
		return true
	}
	start, end := window(today)
	current := now.Format(clockLayout)
	return start <= current && current < end
}

// NextPermittedStart returns the earliest enabled window start strictly after now,
// looking at today and the following six days. ok is false when none exists.
func NextPermittedStart(days map[string]core.DaySchedule, now time.Time) (next time.Time, ok bool) {
	for i := 0; i < 7; i++ {
		day := now.AddDate(0, 0, i)
		sched, found := days[day.Weekday().String()]
		if !found || !sched.Enabled {
			continue
		}
		start, _ := window(sched)
		clock, err := time.Parse(clockLayout, start)
		if err != nil {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
		if candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}
