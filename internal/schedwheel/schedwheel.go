// Package schedwheel is a thin wrapper around gocron used to run a
// small number of named, interval-based recurring jobs. It is trimmed
// down from a general-purpose cron scheduler to what a periodic
// monitoring tick needs: register one recurring job, replace it when
// the interval changes, stop cleanly on shutdown. It does not track
// job progress or support one-time/cron-expression jobs.
package schedwheel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"contimg/internal/logging"
)

// Wheel runs named recurring jobs on fixed intervals.
type Wheel struct {
	mu      sync.Mutex
	sched   gocron.Scheduler
	jobs    map[string]gocron.Job
	entries map[string]time.Duration
	logger  *slog.Logger
}

// New creates a Wheel and starts its underlying scheduler.
func New(logger *slog.Logger) (*Wheel, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	w := &Wheel{
		sched:   s,
		jobs:    make(map[string]gocron.Job),
		entries: make(map[string]time.Duration),
		logger:  logging.Default(logger).With("component", "schedwheel"),
	}
	s.Start()
	return w, nil
}

// AddJob registers a named job that calls fn every interval. If name
// is already registered, its existing job is replaced.
func (w *Wheel) AddJob(name string, interval time.Duration, fn func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.jobs[name]; ok {
		if err := w.sched.RemoveJob(existing.ID()); err != nil {
			w.logger.Warn("failed to remove job before replacing it", "name", name, "error", err)
		}
		delete(w.jobs, name)
		delete(w.entries, name)
	}

	j, err := w.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", name, err)
	}

	w.jobs[name] = j
	w.entries[name] = interval
	w.logger.Info("job added", "name", name, "interval", interval)
	return nil
}

// RemoveJob stops and removes a named job. No-op if it doesn't exist.
func (w *Wheel) RemoveJob(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	j, ok := w.jobs[name]
	if !ok {
		return
	}
	if err := w.sched.RemoveJob(j.ID()); err != nil {
		w.logger.Warn("failed to remove job", "name", name, "error", err)
	}
	delete(w.jobs, name)
	delete(w.entries, name)
}

// Interval returns the currently registered interval for name, and
// whether name is registered at all.
func (w *Wheel) Interval(name string) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.entries[name]
	return d, ok
}

// Stop shuts down the underlying scheduler, waiting for any in-flight
// job run to finish.
func (w *Wheel) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sched.Shutdown()
}
