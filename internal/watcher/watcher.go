// Package watcher emits subband arrival notifications for a single
// non-recursive staging directory. It prefers kernel-level
// file-notification (fsnotify) and falls back to periodic polling when
// that isn't available, with both implementations converging on the same
// Recorder contract.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"contimg/internal/logging"
	"contimg/internal/queuestore"
)

// Recorder is the narrow collaborator the Watcher drives on each
// arrival. *queuestore.Store satisfies it.
type Recorder interface {
	RecordSubband(ctx context.Context, groupIDRaw string, subbandIdx int, path string) error
}

// Config configures a Watcher.
type Config struct {
	// Dir is the staging directory to watch, non-recursively.
	Dir string
	// PollInterval is used both as the polling-fallback cadence and as
	// a periodic re-scan safety net alongside fsnotify (catches events
	// missed during a brief fsnotify outage). Defaults to 5s.
	PollInterval time.Duration
	Recorder     Recorder
	Logger       *slog.Logger
}

// Watcher watches Config.Dir and calls Recorder.RecordSubband for every
// file matching the subband filename pattern.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	recorder     Recorder
	logger       *slog.Logger

	seen map[string]struct{}
}

// New builds a Watcher from cfg.
func New(cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Watcher{
		dir:          cfg.Dir,
		pollInterval: cfg.PollInterval,
		recorder:     cfg.Recorder,
		logger:       logging.Default(cfg.Logger).With("component", "watcher"),
		seen:         make(map[string]struct{}),
	}
}

// Run watches until ctx is cancelled. It prefers fsnotify; if the
// watcher cannot be constructed (no inotify support, resource limits),
// it falls back to pure polling. Either way, Run returns promptly after
// ctx.Done() fires.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		return w.runPoll(ctx)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		w.logger.Warn("failed to watch directory, falling back to polling", "dir", w.dir, "error", err)
		return w.runPoll(ctx)
	}

	w.logger.Info("watching directory", "dir", w.dir)

	// Seed from existing contents so files present before startup are
	// not missed (bootstrap is QueueStore's job at daemon start, but the
	// seen-set must still reflect them so a later poll-fallback doesn't
	// re-emit).
	w.scanOnce(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handle(ctx, event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-ticker.C:
			// Safety-net rescan: fsnotify can silently drop events
			// under heavy burst load.
			w.scanOnce(ctx)
		}
	}
}

func (w *Watcher) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.scanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

func (w *Watcher) scanOnce(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to scan staging directory", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.handle(ctx, filepath.Join(w.dir, e.Name()))
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if _, ok := w.seen[path]; ok {
		return
	}

	raw, idx, ok := queuestore.ParseSubbandFilename(filepath.Base(path))
	if !ok {
		return
	}

	if err := w.recorder.RecordSubband(ctx, raw, idx, path); err != nil {
		w.logger.Warn("failed to record subband arrival", "path", path, "error", err)
		return
	}
	w.seen[path] = struct{}{}
}
