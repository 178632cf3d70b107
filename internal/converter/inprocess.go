package converter

import (
	"context"
	"fmt"
	"os"
)

// InProcessFunc is an in-process converter implementation: same
// arguments as the subprocess ABI, returning combined log text and an
// error on failure.
type InProcessFunc func(ctx context.Context, inv Invocation) (combinedOutput string, err error)

// InProcessInvoker calls an injected converter function directly,
// instead of spawning a subprocess. Thread-limit environment overrides
// are installed for the duration of the call and restored afterward,
// since the in-process path shares the host process's environment with
// whatever native numerical libraries it links.
type InProcessInvoker struct {
	Fn         InProcessFunc
	OMPThreads int
}

// Invoke calls the injected function with the thread-limit environment
// variables scoped to the call.
func (p InProcessInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	threads := p.OMPThreads
	if threads <= 0 {
		threads = defaultThreadLimit
	}

	restore := overrideEnv(map[string]string{
		"OMP_NUM_THREADS": fmt.Sprintf("%d", threads),
		"MKL_NUM_THREADS": fmt.Sprintf("%d", threads),
	})
	defer restore()

	output, err := p.Fn(ctx, inv)
	if err != nil {
		return Result{ExitCode: 1, CombinedOutput: output}, err
	}
	return Result{ExitCode: 0, CombinedOutput: output}, nil
}

// overrideEnv sets each key to its configured value, returning a
// restore function that reinstates whatever was previously set (or
// unsets the key if it was previously absent). Mirrors the
// "set-and-restore" pattern for scoped environment mutation: all exit
// paths must call the returned function exactly once.
func overrideEnv(values map[string]string) (restore func()) {
	type saved struct {
		value   string
		present bool
	}
	prev := make(map[string]saved, len(values))

	for k, v := range values {
		old, ok := os.LookupEnv(k)
		prev[k] = saved{value: old, present: ok}
		os.Setenv(k, v)
	}

	return func() {
		for k, s := range prev {
			if s.present {
				os.Setenv(k, s.value)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}
