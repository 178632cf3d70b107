package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDefaultFallsBackToDiscard(t *testing.T) {
	logger := Default(nil)
	if logger == nil {
		t.Fatal("Default(nil) returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Default(nil) should be backed by a discard handler")
	}
	// Logging through it must never panic.
	logger.Info("worker tick")
	logger.Debug("subband staged")
}

func TestDefaultPassesThroughNonNilLogger(t *testing.T) {
	var buf bytes.Buffer
	original := slog.New(slog.NewTextHandler(&buf, nil))
	if got := Default(original); got != original {
		t.Error("Default should return the same logger instance when given a non-nil one")
	}
}

func TestDiscardNeverPanics(t *testing.T) {
	logger := Discard()
	logger.Warn("group stalled in collecting state", "group_id", "2025-01-01T00:00:00")
	logger.Error("conversion failed", "error", "exit code 1")
}

// recordingHandler accumulates every record handed to it, sharing storage
// across clones produced by WithAttrs so a derived (e.g. .With("component",
// ...)) logger still reports into the same counter.
type recordingHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newRecordingHandler() *recordingHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &recordingHandler{mu: &mu, records: &records}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &recordingHandler{mu: h.mu, records: h.records, attrs: merged}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestComponentFilterHandlerAppliesDefaultLevel(t *testing.T) {
	rec := newRecordingHandler()
	logger := slog.New(NewComponentFilterHandler(rec, slog.LevelInfo))

	logger.Info("group converted", "component", "worker")
	logger.Debug("symlink staged", "component", "worker")
	logger.Warn("high queue depth", "component", "worker")

	if got := rec.count(); got != 2 {
		t.Errorf("records = %d, want 2 (debug filtered below default INFO)", got)
	}
}

func TestComponentFilterHandlerSetLevelIsPerComponent(t *testing.T) {
	rec := newRecordingHandler()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("symlink staged", "component", "worker")
	if got := rec.count(); got != 0 {
		t.Errorf("records = %d, want 0 before raising worker's level", got)
	}

	filter.SetLevel("worker", slog.LevelDebug)

	logger.Debug("symlink staged", "component", "worker")
	if got := rec.count(); got != 1 {
		t.Errorf("records = %d, want 1 (worker now at debug)", got)
	}

	logger.Debug("watching directory", "component", "watcher")
	if got := rec.count(); got != 1 {
		t.Errorf("records = %d, want 1 (watcher untouched by worker's override)", got)
	}
}

func TestComponentFilterHandlerClearLevelReverts(t *testing.T) {
	rec := newRecordingHandler()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("worker", slog.LevelDebug)
	logger.Debug("symlink staged", "component", "worker")
	if got := rec.count(); got != 1 {
		t.Fatalf("records = %d, want 1 before clearing", got)
	}

	filter.ClearLevel("worker")
	logger.Debug("symlink staged", "component", "worker")
	if got := rec.count(); got != 1 {
		t.Errorf("records = %d, want 1 (debug filtered again after clear)", got)
	}
}

func TestComponentFilterHandlerClearLevelOnUnsetComponentIsNoop(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)
	filter.ClearLevel("monitor")
	if level := filter.Level("monitor"); level != slog.LevelInfo {
		t.Errorf("Level(%q) = %v, want default INFO", "monitor", level)
	}
}

func TestComponentFilterHandlerLevelAndDefaultLevel(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	if level := filter.Level("calibratorservice"); level != slog.LevelInfo {
		t.Errorf("Level before override = %v, want INFO", level)
	}

	filter.SetLevel("calibratorservice", slog.LevelDebug)
	if level := filter.Level("calibratorservice"); level != slog.LevelDebug {
		t.Errorf("Level after override = %v, want DEBUG", level)
	}

	if level := filter.DefaultLevel(); level != slog.LevelInfo {
		t.Errorf("DefaultLevel() = %v, want INFO", level)
	}
}

func TestComponentFilterHandlerWithAttrsCarriesComponent(t *testing.T) {
	rec := newRecordingHandler()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)

	// Mirrors how components scope their logger once at construction:
	// logging.Default(cfg.Logger).With("component", "calibratorservice").
	scoped := slog.New(filter).With("component", "calibratorservice")
	filter.SetLevel("calibratorservice", slog.LevelDebug)

	scoped.Debug("staging calibrator conversion")
	if got := rec.count(); got != 1 {
		t.Errorf("records = %d, want 1 (component found in pre-bound attrs)", got)
	}
}

func TestComponentFilterHandlerWithGroupStillFilters(t *testing.T) {
	rec := newRecordingHandler()
	logger := slog.New(NewComponentFilterHandler(rec, slog.LevelInfo).WithGroup("scheduler"))

	logger.Info("queue snapshot", "component", "monitor")
	logger.Debug("queue snapshot", "component", "monitor")

	if got := rec.count(); got != 1 {
		t.Errorf("records = %d, want 1 (WithGroup preserves level filtering)", got)
	}
}

func TestComponentFilterHandlerRecordWithoutComponentUsesDefault(t *testing.T) {
	rec := newRecordingHandler()
	logger := slog.New(NewComponentFilterHandler(rec, slog.LevelInfo))

	logger.Info("scheduler started")
	logger.Debug("scheduler started")

	if got := rec.count(); got != 1 {
		t.Errorf("records = %d, want 1 (no component attribute falls back to default level)", got)
	}
}

func TestComponentFilterHandlerConcurrentLoggingAndLevelChanges(t *testing.T) {
	rec := newRecordingHandler()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	const goroutines = 10
	const iterations = 100
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				logger.Info("group converted", "component", "worker")
			}
		})
	}
	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				filter.SetLevel("worker", slog.LevelDebug)
				filter.ClearLevel("worker")
			}
		})
	}
	wg.Wait()

	if got, want := rec.count(), goroutines*iterations; got != want {
		t.Errorf("records = %d, want %d (every INFO log at the default level must land)", got, want)
	}
}

func TestComponentFilterHandlerIntegrationWithTextHandler(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	root := slog.New(filter)

	workerLogger := root.With("component", "worker")
	monitorLogger := root.With("component", "monitor")

	workerLogger.Debug("symlink staged")
	monitorLogger.Debug("queue snapshot")
	if buf.Len() != 0 {
		t.Fatalf("expected no output before raising any component's level, got: %s", buf.String())
	}

	filter.SetLevel("worker", slog.LevelDebug)
	workerLogger.Debug("symlink staged again")
	monitorLogger.Debug("queue snapshot again")

	output := buf.String()
	if !strings.Contains(output, "symlink staged again") {
		t.Errorf("expected worker's debug line in output, got: %s", output)
	}
	if strings.Contains(output, "queue snapshot again") {
		t.Errorf("monitor's debug line should still be filtered, got: %s", output)
	}
}
