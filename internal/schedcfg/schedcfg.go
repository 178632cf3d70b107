// Package schedcfg holds the resolved, declarative configuration for one
// scheduler run. Values are populated once at process start (from CLI
// flags in cmd/contimg-scheduler) and never hot-reloaded; the scheduler
// restarts to pick up a configuration change.
package schedcfg

import "time"

// ConverterStrategy selects how the Worker and CalibratorService invoke
// the converter.
type ConverterStrategy int

const (
	// Subprocess spawns the converter executable out of process.
	Subprocess ConverterStrategy = iota
	// InProcess calls an injected converter function directly.
	InProcess
)

// Config is the full set of resolved settings for a scheduler run.
type Config struct {
	// Directories.
	InputDir      string
	OutputDir     string
	QueueDBPath   string
	ScratchDir    string
	CheckpointDir string

	// Ingest/worker timing.
	PollInterval         time.Duration
	WorkerPollInterval   time.Duration
	ExpectedSubbands     int
	MaxRetries           int
	InProgressTimeout    time.Duration
	CollectingTimeout    time.Duration
	ChunkDuration        time.Duration

	// Converter invocation.
	Strategy    ConverterStrategy
	OMPThreads  int
	CleanupTemp bool

	// Monitor.
	MonitoringEnabled bool
	MonitorInterval   time.Duration

	// Metrics.
	MetricsAddr string

	// Logging.
	LogLevel string
}

// Default returns a Config populated with the defaults named in the
// scheduler's CLI contract. Callers overwrite fields from flags.
func Default() Config {
	return Config{
		QueueDBPath:        "streaming_queue.sqlite3",
		PollInterval:       5 * time.Second,
		WorkerPollInterval: 5 * time.Second,
		ExpectedSubbands:   16,
		MaxRetries:         3,
		InProgressTimeout:  900 * time.Second,
		CollectingTimeout:  600 * time.Second,
		ChunkDuration:      5 * time.Minute,
		Strategy:           Subprocess,
		OMPThreads:         4,
		CleanupTemp:        true,
		MonitoringEnabled:  true,
		MonitorInterval:    60 * time.Second,
		LogLevel:           "info",
	}
}

// ChunkSeconds returns ChunkDuration in whole seconds, the unit used for
// group-id snapping arithmetic.
func (c Config) ChunkSeconds() int64 {
	return int64(c.ChunkDuration / time.Second)
}
