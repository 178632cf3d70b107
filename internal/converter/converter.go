// Package converter provides the ConverterInvoker capability shared by
// Worker and CalibratorService: a narrow boundary around the external,
// heavy conversion executable that turns staged subband files into a
// measurement set. The converter's own visibility math, UVW computation,
// and MS layout are out of scope here — this package only knows how to
// invoke it and collect its combined output.
package converter

import (
	"context"
	"time"
)

// timeArgLayout is the textual form the converter ABI expects for start
// and end times.
const timeArgLayout = "2006-01-02 15:04:05"

// Invocation describes one conversion request.
type Invocation struct {
	InputDir  string
	OutputDir string
	Start     time.Time
	End       time.Time
	LogLevel  string

	// CheckpointDir and ScratchDir are optional; empty means absent.
	CheckpointDir string
	ScratchDir    string
}

func (inv Invocation) startArg() string { return inv.Start.Format(timeArgLayout) }
func (inv Invocation) endArg() string   { return inv.End.Format(timeArgLayout) }

// Result is the outcome of one conversion attempt.
type Result struct {
	ExitCode       int
	CombinedOutput string
}

// Invoker is the capability the Worker and CalibratorService depend on.
// Two implementations: Subprocess (spawns the converter executable) and
// InProcess (calls an injected function directly, e.g. for tests or an
// embedded deployment).
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}
