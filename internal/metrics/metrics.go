// Package metrics holds the Prometheus collectors exposed by the
// scheduler daemon and a small helper for serving them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors Monitor and Worker update each tick.
type Registry struct {
	QueueDepth       *prometheus.GaugeVec
	RetryTotal       prometheus.Counter
	InProgressStale  prometheus.Gauge
	ConversionTiming *prometheus.HistogramVec
}

// NewRegistry constructs and registers the scheduler's collectors
// against reg. Pass prometheus.NewRegistry() for an isolated registry
// in tests, or prometheus.DefaultRegisterer in production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contimg",
			Name:      "queue_depth",
			Help:      "Number of groups in the ingest queue by state.",
		}, []string{"state"}),
		RetryTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contimg",
			Name:      "retry_total",
			Help:      "Total number of group conversion retries recorded.",
		}),
		InProgressStale: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contimg",
			Name:      "inprogress_stale_total",
			Help:      "Number of groups currently stuck in_progress past the configured timeout.",
		}),
		ConversionTiming: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contimg",
			Name:      "conversion_duration_seconds",
			Help:      "Observed duration of each converter phase.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"phase"}),
	}
}

// Server serves the registered collectors over /metrics.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to addr, using gatherer to render
// /metrics (typically prometheus.DefaultGatherer).
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
