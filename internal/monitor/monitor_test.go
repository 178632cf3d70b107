package monitor

import (
	"context"
	"testing"
	"time"

	"contimg/internal/queuestore"
)

type fakeStore struct {
	counts map[queuestore.GroupState]int
	stale  []string
}

func (f *fakeStore) CountByState(ctx context.Context) (map[queuestore.GroupState]int, error) {
	return f.counts, nil
}

func (f *fakeStore) ListInProgressOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	return f.stale, nil
}

func TestTickDoesNotPanicWithoutMetrics(t *testing.T) {
	store := &fakeStore{counts: map[queuestore.GroupState]int{
		queuestore.StatePending:   2,
		queuestore.StateCompleted: 5,
	}}

	m, err := New(Config{Store: store, Interval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.tick(context.Background())
}

func TestTickTracksFailedDelta(t *testing.T) {
	store := &fakeStore{counts: map[queuestore.GroupState]int{queuestore.StateFailed: 1}}
	m, err := New(Config{Store: store, Interval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.tick(context.Background())
	if m.lastFailed != 1 {
		t.Errorf("lastFailed = %d, want 1", m.lastFailed)
	}

	store.counts[queuestore.StateFailed] = 3
	m.tick(context.Background())
	if m.lastFailed != 3 {
		t.Errorf("lastFailed = %d, want 3", m.lastFailed)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	store := &fakeStore{counts: map[queuestore.GroupState]int{}}
	m, err := New(Config{Store: store, Interval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSetIntervalReregistersJob(t *testing.T) {
	store := &fakeStore{counts: map[queuestore.GroupState]int{}}
	m, err := New(Config{Store: store, Interval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.wheel.Stop()

	ctx := context.Background()
	if err := m.SetInterval(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if got, ok := m.wheel.Interval(tickJobName); !ok || got != 5*time.Millisecond {
		t.Errorf("interval = %v, ok=%v, want 5ms", got, ok)
	}
}
