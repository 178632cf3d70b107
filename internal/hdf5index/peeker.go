package hdf5index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// PointingInfo is what CalibratorService needs to read from a single
// subband file without parsing the whole HDF5 payload: the phase
// center and the file's own notion of its mid-time.
type PointingInfo struct {
	PointingRADeg  float64
	PointingDecDeg float64
	MidMJD         float64
}

// PointingPeeker reads pointing metadata from one subband file. It
// exists so CalibratorService never has to link an HDF5 reader
// itself; it inspects exactly one representative file per candidate
// group.
type PointingPeeker interface {
	Peek(ctx context.Context, path string) (PointingInfo, error)
}

// sidecarPayload is the on-disk shape of a "<path>.meta.json" sidecar.
type sidecarPayload struct {
	PointingRADeg  float64 `json:"pointing_ra_deg"`
	PointingDecDeg float64 `json:"pointing_dec_deg"`
	MidMJD         float64 `json:"mid_mjd"`
}

// SidecarPeeker is the shipped default PointingPeeker: it reads a
// JSON sidecar file living alongside the HDF5 file at
// "<path>.meta.json" rather than parsing HDF5 itself, since full
// HDF5 decoding is out of scope for this package.
type SidecarPeeker struct{}

// Peek reads path+".meta.json" and returns its pointing fields.
func (SidecarPeeker) Peek(ctx context.Context, path string) (PointingInfo, error) {
	data, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return PointingInfo{}, fmt.Errorf("read sidecar for %q: %w", path, err)
	}
	var payload sidecarPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PointingInfo{}, fmt.Errorf("parse sidecar for %q: %w", path, err)
	}
	return PointingInfo{
		PointingRADeg:  payload.PointingRADeg,
		PointingDecDeg: payload.PointingDecDeg,
		MidMJD:         payload.MidMJD,
	}, nil
}
