package queuestore

import (
	"regexp"
	"strconv"
	"time"
)

// filenamePattern matches "YYYY-MM-DDThh:mm:ss_sbNN.hdf5" anywhere in a
// path, capturing the raw timestamp and the two-digit subband index.
var filenamePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(\d{2})\.hdf5$`)

const groupIDLayout = "2006-01-02T15:04:05"

// ParseSubbandFilename extracts the raw (unsnapped) timestamp and subband
// index from a subband filename. ok is false for names that don't match
// the pattern; callers must skip those without halting.
func ParseSubbandFilename(name string) (rawTimestamp string, subbandIdx int, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], idx, true
}

// SnapGroupID snaps a raw filename timestamp down to the nearest
// chunkSeconds boundary, returning the canonical group id. Two raw
// timestamps falling in the same chunk window snap to the same id.
func SnapGroupID(rawTimestamp string, chunkSeconds int64) (string, error) {
	t, err := time.Parse(groupIDLayout, rawTimestamp)
	if err != nil {
		return "", err
	}
	epoch := t.Unix()
	snapped := epoch - (epoch % chunkSeconds)
	return time.Unix(snapped, 0).UTC().Format(groupIDLayout), nil
}
