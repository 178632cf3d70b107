package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRecorder) RecordSubband(ctx context.Context, groupIDRaw string, subbandIdx int, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestWatcherIgnoresUnmatchedFilenames(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := &fakeRecorder{}
	w := New(Config{Dir: dir, PollInterval: 20 * time.Millisecond, Recorder: rec})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if rec.count() != 0 {
		t.Errorf("calls = %d, want 0", rec.count())
	}
}

func TestWatcherEmitsEachPathOnce(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "2025-01-01T00:00:00_sb00.hdf5"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := &fakeRecorder{}
	w := New(Config{Dir: dir, PollInterval: 10 * time.Millisecond, Recorder: rec})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if rec.count() != 1 {
		t.Errorf("calls = %d, want 1 (emitted exactly once despite repeated scans)", rec.count())
	}
}

func TestWatcherStopsWithinGracePeriod(t *testing.T) {
	dir := t.TempDir()
	rec := &fakeRecorder{}
	w := New(Config{Dir: dir, PollInterval: 10 * time.Millisecond, Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop within grace period")
	}
}
