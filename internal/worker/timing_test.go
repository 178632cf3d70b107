package worker

import (
	"math"
	"testing"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestParseConverterTimingsAllPresent(t *testing.T) {
	output := "Loaded 16 subbands in 10.0 s\nPhasing complete in 20.0 s\nUVFITS write completed in 5.0 s\n"
	load, phase, write := ParseConverterTimings(output, 100)
	if !approxEqual(load, 10) || !approxEqual(phase, 20) || !approxEqual(write, 5) {
		t.Errorf("got (%v, %v, %v), want (10, 20, 5)", load, phase, write)
	}
}

func TestParseConverterTimingsAllAbsent(t *testing.T) {
	load, phase, write := ParseConverterTimings("no timing strings here", 100)
	if !approxEqual(load, 30) || !approxEqual(phase, 40) || !approxEqual(write, 30) {
		t.Errorf("got (%v, %v, %v), want (30, 40, 30)", load, phase, write)
	}
}

func TestParseConverterTimingsOneAbsent(t *testing.T) {
	// load and write are known; phase is back-filled from the remainder.
	output := "Loaded 16 subbands in 10.0 s\nUVFITS write completed in 5.0 s\n"
	load, phase, write := ParseConverterTimings(output, 100)
	if !approxEqual(load, 10) || !approxEqual(write, 5) {
		t.Errorf("known values changed: got (%v, _, %v), want (10, _, 5)", load, write)
	}
	if !approxEqual(phase, 85) {
		t.Errorf("phase = %v, want 85 (100 - 10 - 5 remainder, phase is the only missing slot)", phase)
	}
}

func TestParseConverterTimingsOverBudgetScalesDown(t *testing.T) {
	output := "Loaded 16 subbands in 60.0 s\nPhasing complete in 60.0 s\nUVFITS write completed in 60.0 s\n"
	load, phase, write := ParseConverterTimings(output, 90)
	sum := load + phase + write
	if !approxEqual(sum, 90) {
		t.Errorf("sum = %v, want 90 after proportional scale-down", sum)
	}
	// Equal inputs should remain equal after a uniform scale.
	if !approxEqual(load, phase) || !approxEqual(phase, write) {
		t.Errorf("scale-down should preserve proportions: got (%v, %v, %v)", load, phase, write)
	}
}

func TestParseConverterTimingsNeverNegative(t *testing.T) {
	load, phase, write := ParseConverterTimings("garbage", -50)
	if load < 0 || phase < 0 || write < 0 {
		t.Errorf("got negative value among (%v, %v, %v)", load, phase, write)
	}
}

func TestParseSingleTimingRejectsNegative(t *testing.T) {
	if _, ok := parseSingleTiming("Loaded 16 subbands in -5.0 s", loadTimingPattern); ok {
		t.Error("expected negative timing to be rejected")
	}
}
