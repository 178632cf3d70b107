// Package monitor periodically samples queue and system state and
// surfaces it as logs and Prometheus metrics. It never mutates the
// queue; its only write path is logging and metrics export.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"contimg/internal/logging"
	"contimg/internal/metrics"
	"contimg/internal/queuestore"
	"contimg/internal/schedwheel"
	"contimg/internal/sysmetrics"
)

// QueueStore is the narrow read-only slice of queuestore.Store the
// Monitor needs each tick.
type QueueStore interface {
	CountByState(ctx context.Context) (map[queuestore.GroupState]int, error)
	ListInProgressOlderThan(ctx context.Context, age time.Duration) ([]string, error)
}

// Config configures a Monitor.
type Config struct {
	Store   QueueStore
	Metrics *metrics.Registry

	Interval             time.Duration
	HighQueueDepth       int
	LongRunningThreshold time.Duration
	DiskPath             string

	Logger *slog.Logger
}

// Monitor runs a recurring tick via schedwheel, logging queue health
// and publishing metrics gauges.
type Monitor struct {
	cfg    Config
	wheel  *schedwheel.Wheel
	logger *slog.Logger

	warnLimiter *rate.Limiter

	lastFailed int
}

const tickJobName = "monitor-tick"

// New builds a Monitor. Call Run to start ticking.
func New(cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HighQueueDepth <= 0 {
		cfg.HighQueueDepth = 10
	}
	if cfg.LongRunningThreshold <= 0 {
		cfg.LongRunningThreshold = 15 * time.Minute
	}
	logger := logging.Default(cfg.Logger).With("component", "monitor")

	wheel, err := schedwheel.New(logger)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		cfg:         cfg,
		wheel:       wheel,
		logger:      logger,
		warnLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}, nil
}

// Run registers the periodic tick and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.wheel.AddJob(tickJobName, m.cfg.Interval, func() {
		m.tick(ctx)
	}); err != nil {
		return err
	}
	defer m.wheel.Stop()

	<-ctx.Done()
	return nil
}

// SetInterval replaces the tick interval, re-registering the job.
func (m *Monitor) SetInterval(ctx context.Context, interval time.Duration) error {
	m.cfg.Interval = interval
	return m.wheel.AddJob(tickJobName, interval, func() {
		m.tick(ctx)
	})
}

func (m *Monitor) tick(ctx context.Context) {
	counts, err := m.cfg.Store.CountByState(ctx)
	if err != nil {
		m.logger.Error("count by state", "error", err)
		return
	}

	total := 0
	for state, n := range counts {
		total += n
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
		}
	}

	if total > m.cfg.HighQueueDepth {
		m.warnRateLimited("high queue depth", "total", total, "threshold", m.cfg.HighQueueDepth)
	}

	failed := counts[queuestore.StateFailed]
	if failed > m.lastFailed {
		m.warnRateLimited("failed group count increased", "failed", failed, "previous", m.lastFailed)
	}
	m.lastFailed = failed

	stale, err := m.cfg.Store.ListInProgressOlderThan(ctx, m.cfg.LongRunningThreshold)
	if err != nil {
		m.logger.Error("list long-running in_progress groups", "error", err)
	} else {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.InProgressStale.Set(float64(len(stale)))
		}
		if len(stale) > 0 {
			m.warnRateLimited("groups stuck in_progress past threshold", "count", len(stale), "threshold", m.cfg.LongRunningThreshold, "groups", stale)
		}
	}

	snap := sysmetrics.Sample(m.cfg.DiskPath)
	m.logger.Info("system resources",
		"cpu_percent", snap.CPUPercent,
		"process_mem_bytes", snap.ProcessMemBytes,
		"sys_mem_used", snap.SysMemUsed,
		"sys_mem_total", snap.SysMemTotal,
		"disk_used", snap.DiskUsed,
		"disk_total", snap.DiskTotal,
	)

	m.logger.Info("queue snapshot", "total", total, "by_state", counts)
}

// warnRateLimited logs a Warn only if the shared limiter currently
// permits it, preventing log spam when a condition persists across
// many consecutive ticks.
func (m *Monitor) warnRateLimited(msg string, args ...any) {
	if !m.warnLimiter.Allow() {
		return
	}
	m.logger.Warn(msg, args...)
}
