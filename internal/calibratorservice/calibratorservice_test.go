package calibratorservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"contimg/internal/calcatalog"
	"contimg/internal/catalog"
	"contimg/internal/converter"
	"contimg/internal/hdf5index"
	"contimg/internal/schederr"
	"contimg/internal/transit"
)

type fakeCatalog struct {
	entries map[string]calcatalog.Entry
}

func (f fakeCatalog) Lookup(ctx context.Context, name string) (calcatalog.Entry, bool, error) {
	e, ok := f.entries[name]
	return e, ok, nil
}

type fixedInvoker struct {
	result converter.Result
	err    error
	calls  int
}

func (f *fixedInvoker) Invoke(ctx context.Context, inv converter.Invocation) (converter.Result, error) {
	f.calls++
	return f.result, f.err
}

// writeSidecarGroup writes 16 HDF5 placeholder files plus sidecars and
// registers them in the index, all sharing groupISO and a pointing
// declination equal to decDeg.
func writeSidecarGroup(t *testing.T, dir string, idx *hdf5index.Store, groupISO string, groupMJD float64, pointingRA, decDeg float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 16; i++ {
		code := fmt.Sprintf("sb%02d", i)
		path := filepath.Join(dir, groupISO+"_"+code+".hdf5")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write hdf5 placeholder: %v", err)
		}
		sidecar, err := json.Marshal(map[string]float64{
			"pointing_ra_deg":  pointingRA,
			"pointing_dec_deg": decDeg,
			"mid_mjd":          groupMJD,
		})
		if err != nil {
			t.Fatalf("marshal sidecar: %v", err)
		}
		if err := os.WriteFile(path+".meta.json", sidecar, 0o644); err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
		if err := idx.Insert(ctx, hdf5index.HDF5IndexEntry{
			Path:         path,
			GroupID:      groupISO,
			SubbandCode:  code,
			TimestampISO: groupISO,
			TimestampMJD: groupMJD,
		}); err != nil {
			t.Fatalf("insert index row: %v", err)
		}
	}
}

func newService(t *testing.T, calRA, calDec float64, decTolerance, pbFloor float64) (*Service, *hdf5index.Store, *catalog.Store, string) {
	t.Helper()
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	idx, err := hdf5index.New(hdf5index.Config{Path: filepath.Join(t.TempDir(), "hdf5.sqlite3")})
	if err != nil {
		t.Fatalf("hdf5index.New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	cat, err := catalog.New(catalog.Config{Path: filepath.Join(t.TempDir(), "products.sqlite3")})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	cals := fakeCatalog{entries: map[string]calcatalog.Entry{
		"C": {Name: "C", RADeg: calRA, DecDeg: calDec},
	}}

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	svc := New(Config{
		Catalogs:        []calcatalog.Catalog{cals},
		HDF5Index:       idx,
		Peeker:          hdf5index.SidecarPeeker{},
		ProductsCatalog: cat,
		Invoker:         &fixedInvoker{result: converter.Result{ExitCode: 0}},
		Observatory:     transit.DefaultObservatory,
		InputDir:        inputDir,
		OutputDir:       outputDir,
		ScratchDir:      t.TempDir(),
		WindowMinutes:   10,
		MaxDaysBack:     5,
		DecToleranceDeg: decTolerance,
		PBResponseFloor: pbFloor,
		RegisterInCatalog: true,
		Now: func() time.Time { return now },
	})
	return svc, idx, cat, inputDir
}

func TestGenerateFromTransitSuccess(t *testing.T) {
	svc, idx, _, inputDir := newService(t, 202.78, 30.5, 2.0, 0.01)

	transitTime := transit.PreviousTransit(202.78, transit.DefaultObservatory, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	groupISO := transitTime.UTC().Format("2006-01-02T15:04:05Z")
	writeSidecarGroup(t, inputDir, idx, groupISO, transit.MJD(transitTime), 202.78, 30.5)

	result, err := svc.GenerateFromTransit(context.Background(), "C", Options{})
	if err != nil {
		t.Fatalf("GenerateFromTransit: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if result.AlreadyExists {
		t.Error("expected a fresh conversion, not already_exists")
	}
	if result.SubbandCount != 16 {
		t.Errorf("SubbandCount = %d, want 16", result.SubbandCount)
	}
}

func TestGenerateFromTransitIdempotent(t *testing.T) {
	svc, idx, _, inputDir := newService(t, 202.78, 30.5, 2.0, 0.01)

	transitTime := transit.PreviousTransit(202.78, transit.DefaultObservatory, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	groupISO := transitTime.UTC().Format("2006-01-02T15:04:05Z")
	writeSidecarGroup(t, inputDir, idx, groupISO, transit.MJD(transitTime), 202.78, 30.5)

	first, err := svc.GenerateFromTransit(context.Background(), "C", Options{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	invoker := svc.cfg.Invoker.(*fixedInvoker)
	callsAfterFirst := invoker.calls

	second, err := svc.GenerateFromTransit(context.Background(), "C", Options{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.AlreadyExists {
		t.Error("expected already_exists on second call")
	}
	if invoker.calls != callsAfterFirst {
		t.Errorf("converter invoked again on second call: %d calls, want %d", invoker.calls, callsAfterFirst)
	}
	if first.Path != second.Path {
		t.Errorf("paths differ: %q vs %q", first.Path, second.Path)
	}
}

func TestGenerateFromTransitRejectsDeclinationMismatch(t *testing.T) {
	svc, idx, _, inputDir := newService(t, 202.78, 30.5, 2.0, 0.01)

	transitTime := transit.PreviousTransit(202.78, transit.DefaultObservatory, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	groupISO := transitTime.UTC().Format("2006-01-02T15:04:05Z")
	// Pointing declination differs from the calibrator's by more than tolerance (2 deg).
	writeSidecarGroup(t, inputDir, idx, groupISO, transit.MJD(transitTime), 202.78, 30.5+3.0)

	_, err := svc.GenerateFromTransit(context.Background(), "C", Options{})
	if err == nil {
		t.Fatal("expected an error")
	}
	var notFound *schederr.TransitNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("error = %v, want *schederr.TransitNotFoundError", err)
	}
}

func TestGenerateFromTransitUnknownCalibrator(t *testing.T) {
	svc, _, _, _ := newService(t, 202.78, 30.5, 2.0, 0.01)

	_, err := svc.GenerateFromTransit(context.Background(), "nonexistent", Options{})
	var notFound *schederr.CalibratorNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("error = %v, want *schederr.CalibratorNotFoundError", err)
	}
}

func TestGenerateFromTransitValidatesEmptyName(t *testing.T) {
	svc, _, _, _ := newService(t, 202.78, 30.5, 2.0, 0.01)

	_, err := svc.GenerateFromTransit(context.Background(), "", Options{})
	var validationErr *schederr.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("error = %v, want *schederr.ValidationError", err)
	}
}

func TestGenerateFromTransitRejectsFutureTransitTime(t *testing.T) {
	svc, _, _, _ := newService(t, 202.78, 30.5, 2.0, 0.01)

	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.GenerateFromTransit(context.Background(), "C", Options{TransitTime: &future})
	var validationErr *schederr.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("error = %v, want *schederr.ValidationError", err)
	}
}
