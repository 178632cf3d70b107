package converter

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestSubprocessInvokerSuccess(t *testing.T) {
	inv := Invocation{
		InputDir:  t.TempDir(),
		OutputDir: t.TempDir(),
		Start:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC),
		LogLevel:  "info",
	}

	invoker := SubprocessInvoker{ExecutablePath: "/bin/echo", OMPThreads: 2}
	result, err := invoker.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.CombinedOutput == "" {
		t.Error("expected non-empty combined output from echo")
	}
}

func TestSubprocessInvokerNonZeroExit(t *testing.T) {
	inv := Invocation{InputDir: t.TempDir(), OutputDir: t.TempDir(), Start: time.Now(), End: time.Now()}

	invoker := SubprocessInvoker{ExecutablePath: "/bin/false"}
	result, err := invoker.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("expected non-zero exit code from /bin/false")
	}
}

func TestInProcessInvokerRestoresEnv(t *testing.T) {
	os.Setenv("OMP_NUM_THREADS", "99")
	defer os.Unsetenv("OMP_NUM_THREADS")

	var seenDuringCall string
	invoker := InProcessInvoker{
		OMPThreads: 4,
		Fn: func(ctx context.Context, inv Invocation) (string, error) {
			seenDuringCall = os.Getenv("OMP_NUM_THREADS")
			return "ok", nil
		},
	}

	result, err := invoker.Invoke(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if seenDuringCall != "4" {
		t.Errorf("OMP_NUM_THREADS during call = %q, want 4", seenDuringCall)
	}
	if got := os.Getenv("OMP_NUM_THREADS"); got != "99" {
		t.Errorf("OMP_NUM_THREADS after call = %q, want restored 99", got)
	}
}

func TestInProcessInvokerUnsetsWhenPreviouslyAbsent(t *testing.T) {
	os.Unsetenv("MKL_NUM_THREADS")

	invoker := InProcessInvoker{
		Fn: func(ctx context.Context, inv Invocation) (string, error) {
			return "ok", nil
		},
	}
	if _, err := invoker.Invoke(context.Background(), Invocation{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if _, ok := os.LookupEnv("MKL_NUM_THREADS"); ok {
		t.Error("expected MKL_NUM_THREADS to be unset after call, matching pre-call state")
	}
}

func TestInProcessInvokerPropagatesError(t *testing.T) {
	sentinel := errCustom("conversion failed")
	invoker := InProcessInvoker{
		Fn: func(ctx context.Context, inv Invocation) (string, error) {
			return "partial output", sentinel
		},
	}

	result, err := invoker.Invoke(context.Background(), Invocation{})
	if err != sentinel {
		t.Errorf("err = %v, want %v", err, sentinel)
	}
	if result.ExitCode == 0 {
		t.Error("expected non-zero exit code on error")
	}
}

type errCustom string

func (e errCustom) Error() string { return string(e) }
