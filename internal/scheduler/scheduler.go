// Package scheduler evaluates the weekly playback schedule and runs cron-driven housekeeping.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickSpec fires on every minute boundary, the resolution of schedule windows.
const TickSpec = "* * * * *"

// Scheduler manages cron jobs. It always carries the minute tick that wakes the
// playback loops when a schedule window opens or closes.
type Scheduler struct {
	cron   *cron.Cron
	bus    *core.EventBus
	logger zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]cron.EntryID
}

// NewScheduler creates a scheduler publishing ScheduleTickEvent on bus.
func NewScheduler(bus *core.EventBus) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		bus:    bus,
		logger: xlog.WithComponent("scheduler"),
		jobs:   make(map[string]cron.EntryID),
	}
	if err := s.Add("schedule-tick", TickSpec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str(xlog.FieldEvent, "scheduler.started").Int("jobs", len(s.Jobs())).Msg("cron scheduler started")
}

// Stop halts the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Str(xlog.FieldEvent, "scheduler.stopped").Msg("cron scheduler stopped")
}

// Add registers a named job. A name can only be registered once.
func (s *Scheduler) Add(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("add job %q (%s): %w", name, spec, err)
	}
	s.jobs[name] = id
	s.logger.Debug().Str("job", name).Str("spec", spec).Msg("job registered")
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation of a named job. It is only known once Start has run.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.RLock()
	id, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	return entry.Next, !entry.Next.IsZero()
}

func (s *Scheduler) tick() {
	s.bus.Publish(core.Event{Type: core.ScheduleTickEvent, Payload: time.Now()})
}
