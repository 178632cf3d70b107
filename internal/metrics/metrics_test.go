package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistryRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.QueueDepth.WithLabelValues("pending").Set(3)
	m.RetryTotal.Add(1)
	m.InProgressStale.Set(2)
	m.ConversionTiming.WithLabelValues("load").Observe(1.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family registered")
	}
}

func TestServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	m.QueueDepth.WithLabelValues("completed").Set(5)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer("127.0.0.1:19091", reg)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19091/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "contimg_queue_depth") {
		t.Errorf("expected contimg_queue_depth in output, got: %s", body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
