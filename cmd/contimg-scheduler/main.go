// Command contimg-scheduler runs the streaming conversion scheduler
// daemon: it watches a staging directory for arriving subband files,
// assembles and dispatches conversion groups, and reports periodic
// queue health.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"contimg/internal/converter"
	"contimg/internal/logging"
	"contimg/internal/metrics"
	"contimg/internal/monitor"
	"contimg/internal/queuestore"
	"contimg/internal/schedcfg"
	"contimg/internal/watcher"
	"contimg/internal/worker"
)

func main() {
	rootCmd := buildRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	cfg := schedcfg.Default()

	rootCmd := &cobra.Command{
		Use:   "contimg-scheduler",
		Short: "Streaming conversion scheduler for continuum-imaging pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			filterHandler.SetLevel("", parseLogLevel(cfg.LogLevel))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.InputDir, "input-dir", "", "staging directory the correlator writes subband files into (required)")
	flags.StringVar(&cfg.OutputDir, "output-dir", "", "directory converted measurement sets are written to (required)")
	flags.StringVar(&cfg.QueueDBPath, "queue-db", cfg.QueueDBPath, "queue database file path")
	flags.StringVar(&cfg.ScratchDir, "scratch-dir", cfg.ScratchDir, "scratch directory for staging temp files")
	flags.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "directory holding resumable conversion checkpoints")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "watcher polling fallback interval")
	flags.DurationVar(&cfg.WorkerPollInterval, "worker-poll-interval", cfg.WorkerPollInterval, "worker idle polling interval")
	flags.IntVar(&cfg.ExpectedSubbands, "expected-subbands", cfg.ExpectedSubbands, "number of subband files that complete a group")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "conversion retries before a group is marked failed")
	flags.IntVar(&cfg.OMPThreads, "omp-threads", cfg.OMPThreads, "OMP_NUM_THREADS/MKL_NUM_THREADS override during conversion")
	useSubprocess := flags.Bool("use-subprocess", true, "invoke the converter as a subprocess instead of in-process")
	flags.DurationVar(&cfg.InProgressTimeout, "in-progress-timeout", cfg.InProgressTimeout, "age after which an in_progress group is recovered to pending")
	flags.DurationVar(&cfg.CollectingTimeout, "collecting-timeout", cfg.CollectingTimeout, "age after which a stalled collecting group is warned about")
	monitoring := flags.Bool("monitoring", cfg.MonitoringEnabled, "enable the periodic monitor")
	flags.DurationVar(&cfg.MonitorInterval, "monitor-interval", cfg.MonitorInterval, "monitor tick interval")
	flags.DurationVar(&cfg.ChunkDuration, "chunk-duration", cfg.ChunkDuration, "nominal observation window length used to snap group ids")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&cfg.CleanupTemp, "cleanup-temp", cfg.CleanupTemp, "remove staging temp directories after a successful conversion")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	_ = rootCmd.MarkFlagRequired("input-dir")
	_ = rootCmd.MarkFlagRequired("output-dir")

	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if *useSubprocess {
			cfg.Strategy = schedcfg.Subprocess
		} else {
			cfg.Strategy = schedcfg.InProcess
		}
		cfg.MonitoringEnabled = *monitoring
		return nil
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var version = "dev"

func parseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run wires the three long-lived components (Watcher, Worker, Monitor)
// plus an optional metrics server, and blocks until ctx is cancelled
// or any of them returns an error.
func run(ctx context.Context, logger *slog.Logger, cfg schedcfg.Config) error {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "contimg-scratch")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	store, err := queuestore.New(queuestore.Config{
		Path:             cfg.QueueDBPath,
		ExpectedSubbands: cfg.ExpectedSubbands,
		ChunkSeconds:     cfg.ChunkSeconds(),
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	if err := store.BootstrapDirectory(ctx, cfg.InputDir); err != nil {
		return fmt.Errorf("bootstrap from input directory: %w", err)
	}

	invoker, err := buildInvoker(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	w := worker.New(worker.Config{
		Store:             store,
		Invoker:           invoker,
		ScratchDir:        cfg.ScratchDir,
		CheckpointDir:     cfg.CheckpointDir,
		OutputDir:         cfg.OutputDir,
		PollInterval:      cfg.WorkerPollInterval,
		InProgressTimeout: cfg.InProgressTimeout,
		CollectingTimeout: cfg.CollectingTimeout,
		MaxRetries:        cfg.MaxRetries,
		ChunkMinutes:      cfg.ChunkDuration.Minutes(),
		LogLevel:          cfg.LogLevel,
		CleanupTemp:       cfg.CleanupTemp,
		Logger:            logger,
		Metrics:           metricsReg,
	})

	wtr := watcher.New(watcher.Config{
		Recorder:     store,
		Dir:          cfg.InputDir,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return wtr.Run(ctx) })
	group.Go(func() error { return w.Run(ctx) })

	if cfg.MonitoringEnabled {
		mon, err := monitor.New(monitor.Config{
			Store:    store,
			Metrics:  metricsReg,
			Interval: cfg.MonitorInterval,
			DiskPath: cfg.OutputDir,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("build monitor: %w", err)
		}
		group.Go(func() error { return mon.Run(ctx) })
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, reg)
		group.Go(func() error { return metricsSrv.Serve(ctx) })
	}

	logger.Info("scheduler started",
		"input_dir", cfg.InputDir, "output_dir", cfg.OutputDir, "queue_db", cfg.QueueDBPath)

	err = group.Wait()
	logger.Info("scheduler shut down")
	return err
}

func buildInvoker(cfg schedcfg.Config) (converter.Invoker, error) {
	switch cfg.Strategy {
	case schedcfg.Subprocess:
		return converter.SubprocessInvoker{
			ExecutablePath: "streaming-converter",
			OMPThreads:     cfg.OMPThreads,
		}, nil
	case schedcfg.InProcess:
		return nil, fmt.Errorf("in-process converter strategy requires a linked implementation; none is configured")
	default:
		return nil, fmt.Errorf("unknown converter strategy %v", cfg.Strategy)
	}
}
