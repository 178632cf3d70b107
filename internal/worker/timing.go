package worker

import (
	"math"
	"regexp"
	"strconv"
)

var (
	loadTimingPattern  = regexp.MustCompile(`Loaded \d+ subbands in ([\d.]+) s`)
	phaseTimingPattern = regexp.MustCompile(`Phasing complete in ([\d.]+) s`)
	writeTimingPattern = regexp.MustCompile(`UVFITS write completed in ([\d.]+) s`)
)

// phaseRatios is the back-fill distribution for whatever phase timings
// the converter's output didn't report, transcribed from the reference
// scheduler's timing parser.
var phaseRatios = map[string]float64{
	"load":  0.3,
	"phase": 0.4,
	"write": 0.3,
}

// parseSingleTiming searches output for pattern's first capture group
// and parses it as a duration in seconds. It returns (0, false) rather
// than an error for anything that doesn't cleanly parse to a
// non-negative finite value — a missing timing string is expected,
// routine input, not a failure.
func parseSingleTiming(output string, pattern *regexp.Regexp) (float64, bool) {
	m := pattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseConverterTimings extracts load/phase/write durations from the
// converter's combined stdout+stderr. Any phase not found in output is
// back-filled by distributing totalTime-minus-what-was-parsed across
// the missing phases in the ratio load:phase:write = 0.3:0.4:0.3. If the
// parsed phases already sum to more than totalTime, all three are
// scaled down proportionally so they sum to totalTime. The result is
// never negative or non-finite.
func ParseConverterTimings(output string, totalTime float64) (load, phase, write float64) {
	loadVal, loadOK := parseSingleTiming(output, loadTimingPattern)
	phaseVal, phaseOK := parseSingleTiming(output, phaseTimingPattern)
	writeVal, writeOK := parseSingleTiming(output, writeTimingPattern)

	var accounted float64
	missing := make([]string, 0, 3)
	if loadOK {
		accounted += loadVal
	} else {
		missing = append(missing, "load")
	}
	if phaseOK {
		accounted += phaseVal
	} else {
		missing = append(missing, "phase")
	}
	if writeOK {
		accounted += writeVal
	} else {
		missing = append(missing, "write")
	}

	remaining := totalTime - accounted
	if remaining < 0 {
		remaining = 0
	}

	var missingRatioTotal float64
	for _, name := range missing {
		missingRatioTotal += phaseRatios[name]
	}

	fill := make(map[string]float64, len(missing))
	for _, name := range missing {
		if remaining > 0 && missingRatioTotal > 0 {
			fill[name] = remaining * (phaseRatios[name] / missingRatioTotal)
		} else {
			// total_time itself was already exceeded (or is zero);
			// fall back to a flat estimate of the whole window.
			fill[name] = totalTime * phaseRatios[name]
		}
	}

	if loadOK {
		load = loadVal
	} else {
		load = fill["load"]
	}
	if phaseOK {
		phase = phaseVal
	} else {
		phase = fill["phase"]
	}
	if writeOK {
		write = writeVal
	} else {
		write = fill["write"]
	}

	load, phase, write = clampNonNegative(load), clampNonNegative(phase), clampNonNegative(write)

	if sum := load + phase + write; sum > totalTime+1e-6 && sum > 0 {
		scale := totalTime / sum
		load *= scale
		phase *= scale
		write *= scale
	}

	return load, phase, write
}

func clampNonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
