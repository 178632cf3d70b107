// Package worker drains ready groups from the ingest queue, stages their
// subband files, drives the converter, and records outcomes back into
// the queue store. Exactly one conversion runs at a time; the Worker is
// the only component permitted to spawn converter invocations outside
// CalibratorService's own direct use of the same converter.Invoker
// capability.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"contimg/internal/converter"
	"contimg/internal/logging"
	"contimg/internal/metrics"
	"contimg/internal/schederr"
)

// groupIDLayout mirrors queuestore's canonical group id format.
const groupIDLayout = "2006-01-02T15:04:05"

// QueueStore is the narrow collaborator the Worker drives each
// iteration. *queuestore.Store satisfies it.
type QueueStore interface {
	RecoverStaleInProgress(ctx context.Context, timeout time.Duration) ([]string, error)
	ListStaleCollecting(ctx context.Context, timeout time.Duration) ([]string, error)
	AcquireNextPending(ctx context.Context) (groupID string, ok bool, err error)
	GetSubbandPaths(ctx context.Context, groupID string) ([]string, error)
	MarkCompleted(ctx context.Context, groupID string) error
	MarkRetry(ctx context.Context, groupID string, errText string, maxRetries int) error
	UpdateProcessingStage(ctx context.Context, groupID, stage string) error
	UpdateCheckpointPath(ctx context.Context, groupID, path string) error
	GetCheckpointInfo(ctx context.Context, groupID string) (string, error)
	RecordPerformanceMetrics(ctx context.Context, groupID string, load, phase, write, total float64) error
}

// Config configures a Worker.
type Config struct {
	Store   QueueStore
	Invoker converter.Invoker

	ScratchDir    string
	CheckpointDir string
	OutputDir     string

	PollInterval      time.Duration
	InProgressTimeout time.Duration
	CollectingTimeout time.Duration
	MaxRetries        int
	ChunkMinutes      float64
	LogLevel          string
	CleanupTemp       bool

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Worker is the single-threaded consumer of ready groups.
type Worker struct {
	cfg Config

	logger      *slog.Logger
	warnedStale map[string]struct{}
}

// New builds a Worker from cfg.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ChunkMinutes <= 0 {
		cfg.ChunkMinutes = 5
	}
	return &Worker{
		cfg:         cfg,
		logger:      logging.Default(cfg.Logger).With("component", "worker"),
		warnedStale: make(map[string]struct{}),
	}
}

// Run drives the main loop until ctx is cancelled. An in-flight
// conversion is never interrupted by cancellation; its group stays
// in_progress and is later recovered by RecoverStaleInProgress.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.tick(ctx); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// tick runs one iteration of the main loop described in the component's
// spec: stale recovery, stale-collecting warnings, acquire, convert.
func (w *Worker) tick(ctx context.Context) error {
	recovered, err := w.cfg.Store.RecoverStaleInProgress(ctx, w.cfg.InProgressTimeout)
	if err != nil {
		return fmt.Errorf("recover stale in_progress: %w", err)
	}
	for _, id := range recovered {
		w.logger.Warn("recovered stale in_progress group", "group_id", id)
	}

	stale, err := w.cfg.Store.ListStaleCollecting(ctx, w.cfg.CollectingTimeout)
	if err != nil {
		return fmt.Errorf("list stale collecting: %w", err)
	}
	for _, id := range stale {
		if _, warned := w.warnedStale[id]; warned {
			continue
		}
		w.logger.Warn("group stalled in collecting state", "group_id", id)
		w.warnedStale[id] = struct{}{}
	}

	groupID, ok, err := w.cfg.Store.AcquireNextPending(ctx)
	if err != nil {
		return fmt.Errorf("acquire next pending: %w", err)
	}
	if !ok {
		return w.sleep(ctx, w.cfg.PollInterval)
	}

	paths, err := w.cfg.Store.GetSubbandPaths(ctx, groupID)
	if err != nil {
		return fmt.Errorf("get subband paths %q: %w", groupID, err)
	}

	attemptID := uuid.New().String()
	attemptLogger := w.logger.With("group_id", groupID, "attempt_id", attemptID)

	if err := w.processGroup(ctx, groupID, paths); err != nil {
		attemptLogger.Warn("conversion failed, scheduling retry", "error", err)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.RetryTotal.Inc()
		}
		if markErr := w.cfg.Store.MarkRetry(ctx, groupID, err.Error(), w.cfg.MaxRetries); markErr != nil {
			return fmt.Errorf("mark retry %q: %w", groupID, markErr)
		}
		return nil
	}

	if err := w.cfg.Store.MarkCompleted(ctx, groupID); err != nil {
		return fmt.Errorf("mark completed %q: %w", groupID, err)
	}
	attemptLogger.Info("group converted")
	return nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

// processGroup stages paths into a fresh temp directory, invokes the
// converter, and records timing metrics. Subband files are staged in
// ascending subband-index order (paths is already sorted that way by
// QueueStore.GetSubbandPaths); the CalibratorService path uses a
// different, descending order for its own staging.
func (w *Worker) processGroup(ctx context.Context, groupID string, paths []string) error {
	checkpointPath, err := w.cfg.Store.GetCheckpointInfo(ctx, groupID)
	if err != nil {
		return fmt.Errorf("get checkpoint info: %w", err)
	}
	stage := "processing_fresh"
	if checkpointPath != "" {
		if _, statErr := os.Stat(checkpointPath); statErr == nil {
			stage = "resuming"
		}
	}
	if err := w.cfg.Store.UpdateProcessingStage(ctx, groupID, stage); err != nil {
		return fmt.Errorf("set processing stage %q: %w", stage, err)
	}

	tempDir, err := os.MkdirTemp(w.cfg.ScratchDir, fmt.Sprintf("stream_%s_", sanitizeForTempName(groupID)))
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	if w.cfg.CleanupTemp {
		defer os.RemoveAll(tempDir)
	}

	for _, p := range paths {
		link := filepath.Join(tempDir, filepath.Base(p))
		if _, statErr := os.Lstat(link); statErr == nil {
			continue
		}
		if err := os.Symlink(p, link); err != nil {
			return fmt.Errorf("symlink %q: %w", p, err)
		}
	}

	start, err := time.Parse(groupIDLayout, groupID)
	if err != nil {
		return fmt.Errorf("parse group id as time: %w", err)
	}
	end := start.Add(time.Duration(w.cfg.ChunkMinutes * float64(time.Minute)))

	invokeStart := time.Now()
	// Detached from cancellation so a stop signal does not kill the converter mid-run.
	result, err := w.cfg.Invoker.Invoke(context.WithoutCancel(ctx), converter.Invocation{
		InputDir:      tempDir,
		OutputDir:     w.cfg.OutputDir,
		Start:         start,
		End:           end,
		LogLevel:      w.cfg.LogLevel,
		CheckpointDir: w.cfg.CheckpointDir,
		ScratchDir:    w.cfg.ScratchDir,
	})
	totalTime := time.Since(invokeStart).Seconds()
	if err != nil {
		return schederr.NewConversionError("converter invocation failed", err, map[string]any{"group_id": groupID})
	}
	if result.ExitCode != 0 {
		return schederr.NewConversionError("converter exited non-zero", fmt.Errorf("exit code %d: %s", result.ExitCode, result.CombinedOutput), map[string]any{"group_id": groupID})
	}

	load, phase, write := ParseConverterTimings(result.CombinedOutput, totalTime)
	if err := w.cfg.Store.RecordPerformanceMetrics(ctx, groupID, load, phase, write, totalTime); err != nil {
		return fmt.Errorf("record performance metrics: %w", err)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ConversionTiming.WithLabelValues("load").Observe(load)
		w.cfg.Metrics.ConversionTiming.WithLabelValues("phase").Observe(phase)
		w.cfg.Metrics.ConversionTiming.WithLabelValues("write").Observe(write)
	}

	budget := 0.9 * w.cfg.ChunkMinutes * 60
	if totalTime > budget {
		w.logger.Warn("conversion exceeded time budget", "group_id", groupID, "total_time", totalTime, "budget", budget)
	}

	if err := w.cfg.Store.UpdateProcessingStage(ctx, groupID, "completed"); err != nil {
		return fmt.Errorf("set processing stage completed: %w", err)
	}

	if w.cfg.CheckpointDir != "" {
		candidate := filepath.Join(w.cfg.CheckpointDir, groupID+".checkpoint.uvh5")
		if _, statErr := os.Stat(candidate); statErr == nil {
			if err := w.cfg.Store.UpdateCheckpointPath(ctx, groupID, candidate); err != nil {
				return fmt.Errorf("update checkpoint path: %w", err)
			}
		}
	}

	return nil
}

func sanitizeForTempName(groupID string) string {
	out := make([]rune, 0, len(groupID))
	for _, r := range groupID {
		if r == ':' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
