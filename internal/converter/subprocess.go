package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// defaultThreadLimit is the OMP_NUM_THREADS/MKL_NUM_THREADS value used
// when no override is configured.
const defaultThreadLimit = 4

// SubprocessInvoker spawns the converter as an external process. Its
// environment inherits the caller's, with OMP_NUM_THREADS and
// MKL_NUM_THREADS overridden to bound native numerical library
// over-subscription during the conversion.
type SubprocessInvoker struct {
	// ExecutablePath is the converter binary (or script interpreter
	// invocation) to run.
	ExecutablePath string
	// OMPThreads overrides OMP_NUM_THREADS/MKL_NUM_THREADS for the
	// duration of the call. Zero uses defaultThreadLimit.
	OMPThreads int
}

// Invoke runs the converter out of process, returning its exit code and
// the combined stdout+stderr text. A non-zero exit is reported in
// Result, not as an error; callers decide whether that constitutes
// failure.
func (s SubprocessInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	args := []string{inv.InputDir, inv.OutputDir, inv.startArg(), inv.endArg()}
	if inv.LogLevel != "" {
		args = append(args, "--log-level", inv.LogLevel)
	}
	if inv.CheckpointDir != "" {
		args = append(args, "--checkpoint-dir", inv.CheckpointDir)
	}
	if inv.ScratchDir != "" {
		args = append(args, "--scratch-dir", inv.ScratchDir)
	}

	cmd := exec.CommandContext(ctx, s.ExecutablePath, args...)

	threads := s.OMPThreads
	if threads <= 0 {
		threads = defaultThreadLimit
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("OMP_NUM_THREADS=%d", threads),
		fmt.Sprintf("MKL_NUM_THREADS=%d", threads),
	)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{CombinedOutput: combined.String()}, fmt.Errorf("run converter: %w", err)
		}
	}

	return Result{ExitCode: exitCode, CombinedOutput: combined.String()}, nil
}
