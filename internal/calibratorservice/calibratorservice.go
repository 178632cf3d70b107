// Package calibratorservice produces calibrator measurement sets
// pinned to a meridian transit: given a calibrator name, it resolves
// its sky position, finds a matching complete 16-file observation
// group near a transit of that position, validates pointing and
// primary-beam response, and drives the shared converter capability
// to produce and register the artifact.
package calibratorservice

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"contimg/internal/beam"
	"contimg/internal/calcatalog"
	"contimg/internal/catalog"
	"contimg/internal/converter"
	"contimg/internal/hdf5index"
	"contimg/internal/logging"
	"contimg/internal/schederr"
	"contimg/internal/transit"
)

// outputPathDedup collapses concurrent GenerateFromTransit calls that
// land on the same output path (two near-simultaneous operator requests
// for the same calibrator transit) into one conversion: the first caller
// for a path runs convert; everyone else for that path waits on the same
// result instead of racing a second converter invocation against it.
// Once the in-flight call finishes its path is forgotten, so a later,
// distinct request for the same path runs fresh.
type outputPathDedup struct {
	mu       sync.Mutex
	inFlight map[string]*dedupCall
}

type dedupCall struct {
	done chan struct{}
	err  error
}

// run executes fn if no call is in flight for path, otherwise waits on
// the in-flight call's result. The returned channel receives exactly one
// value and is never closed.
func (d *outputPathDedup) run(path string, fn func() error) <-chan error {
	d.mu.Lock()
	if d.inFlight == nil {
		d.inFlight = make(map[string]*dedupCall)
	}
	if c, ok := d.inFlight[path]; ok {
		d.mu.Unlock()
		ch := make(chan error, 1)
		go func() {
			<-c.done
			ch <- c.err
		}()
		return ch
	}

	c := &dedupCall{done: make(chan struct{})}
	d.inFlight[path] = c
	d.mu.Unlock()

	go func() {
		c.err = fn()
		close(c.done)

		d.mu.Lock()
		delete(d.inFlight, path)
		d.mu.Unlock()
	}()

	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}

// TransitInfo describes a group matched to an accepted transit.
type TransitInfo struct {
	GroupID       string
	Files         []string // descending subband index, i.e. ascending frequency
	MidMJD        float64
	TransitTime   time.Time
	SeparationDeg float64
	PBResponse    float64
}

// CalibratorMSResult is the outcome of GenerateFromTransit.
type CalibratorMSResult struct {
	Success            bool
	Path               string
	Transit            TransitInfo
	GroupID            string
	AlreadyExists      bool
	ConversionWallTime float64
	SubbandCount       int
	Progress           string
}

// Config configures a Service.
type Config struct {
	Catalogs        []calcatalog.Catalog
	HDF5Index       *hdf5index.Store
	Peeker          hdf5index.PointingPeeker
	ProductsCatalog *catalog.Store
	Invoker         converter.Invoker

	Observatory transit.Observatory

	InputDir   string
	OutputDir  string
	ScratchDir string
	// TmpfsScratchDir, if non-empty and present on disk, is preferred
	// over ScratchDir for staging intermediate files.
	TmpfsScratchDir string

	WindowMinutes       float64
	MaxDaysBack         int
	DecToleranceDeg     float64
	PBResponseFloor     float64
	DishDiameterM       float64
	FrequencyHz         float64
	ExpectedSubbands    int
	ConfigureForImaging bool
	RegisterInCatalog   bool

	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = 5
	}
	if c.MaxDaysBack <= 0 {
		c.MaxDaysBack = 30
	}
	if c.DecToleranceDeg <= 0 {
		c.DecToleranceDeg = 2.0
	}
	if c.PBResponseFloor <= 0 {
		c.PBResponseFloor = 0.3
	}
	if c.DishDiameterM <= 0 {
		c.DishDiameterM = beam.DefaultDishDiameterM
	}
	if c.FrequencyHz <= 0 {
		c.FrequencyHz = beam.DefaultFrequencyHz
	}
	if c.ExpectedSubbands <= 0 {
		c.ExpectedSubbands = 16
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service implements CalibratorService.
type Service struct {
	cfg    Config
	logger *slog.Logger
	dedup  outputPathDedup
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "calibratorservice"),
	}
}

// Options overrides GenerateFromTransit's per-call behavior.
type Options struct {
	// TransitTime pins the call to one specific transit rather than
	// enumerating candidates. Must not be in the future.
	TransitTime *time.Time
	// OutputName, if set, is used verbatim as the output path instead
	// of the derived "<name>_<iso>.ms" convention.
	OutputName string
}

// GenerateFromTransit runs the full algorithm described in this
// package's doc comment, returning a CalibratorMSResult or a typed
// error from the schederr taxonomy.
func (s *Service) GenerateFromTransit(ctx context.Context, calibratorName string, opts Options) (CalibratorMSResult, error) {
	if err := s.validate(calibratorName, opts); err != nil {
		return CalibratorMSResult{}, err
	}

	entry, found, err := calcatalog.LookupFirst(ctx, s.cfg.Catalogs, calibratorName)
	if err != nil {
		return CalibratorMSResult{}, fmt.Errorf("lookup calibrator %q: %w", calibratorName, err)
	}
	if !found {
		return CalibratorMSResult{}, schederr.NewCalibratorNotFoundError(
			fmt.Sprintf("calibrator %q not found in any configured catalog", calibratorName), nil)
	}

	candidates := s.candidateTransits(entry.RADeg, opts)

	accepted, ok, err := s.findAcceptableTransit(ctx, entry, candidates)
	if err != nil {
		return CalibratorMSResult{}, err
	}
	if !ok {
		return CalibratorMSResult{}, schederr.NewTransitNotFoundError(
			fmt.Sprintf("no acceptable transit found for calibrator %q", calibratorName),
			map[string]any{"candidates_checked": len(candidates)})
	}

	outputPath := opts.OutputName
	if outputPath == "" {
		outputPath = s.deriveOutputPath(calibratorName, accepted.TransitTime)
	}

	result := CalibratorMSResult{
		Path:         outputPath,
		Transit:      accepted,
		GroupID:      accepted.GroupID,
		SubbandCount: len(accepted.Files),
	}

	alreadyExists, err := s.alreadyExists(ctx, outputPath)
	if err != nil {
		return CalibratorMSResult{}, err
	}
	if alreadyExists {
		result.Success = true
		result.AlreadyExists = true
		result.Progress = "already converted"
		return result, nil
	}

	ch := s.dedup.run(outputPath, func() error {
		return s.convert(ctx, calibratorName, accepted, outputPath, &result)
	})
	select {
	case err := <-ch:
		if err != nil {
			return CalibratorMSResult{}, err
		}
	case <-ctx.Done():
		return CalibratorMSResult{}, ctx.Err()
	}

	result.Success = true
	result.Progress = "converted"
	return result, nil
}

func (s *Service) validate(calibratorName string, opts Options) error {
	if strings.TrimSpace(calibratorName) == "" {
		return schederr.NewValidationError("calibrator_name must not be empty", nil)
	}
	if s.cfg.WindowMinutes <= 0 {
		return schederr.NewValidationError("window_minutes must be positive", nil)
	}
	if opts.TransitTime == nil && s.cfg.MaxDaysBack <= 0 {
		return schederr.NewValidationError("max_days_back must be positive", nil)
	}
	if opts.TransitTime != nil && opts.TransitTime.After(s.cfg.Now()) {
		return schederr.NewValidationError("transit_time must not be in the future", map[string]any{"transit_time": opts.TransitTime})
	}
	if s.cfg.InputDir != "" {
		if _, err := os.Stat(s.cfg.InputDir); err != nil {
			return schederr.NewValidationError("input directory does not exist", map[string]any{"input_dir": s.cfg.InputDir})
		}
	}
	return nil
}

func (s *Service) candidateTransits(raDeg float64, opts Options) []time.Time {
	if opts.TransitTime != nil {
		return []time.Time{*opts.TransitTime}
	}
	return transit.PreviousTransits(raDeg, s.cfg.Observatory, s.cfg.Now(), s.cfg.MaxDaysBack)
}

// findAcceptableTransit walks candidates in order, returning the
// first one whose matched group passes the declination and
// primary-beam checks.
func (s *Service) findAcceptableTransit(ctx context.Context, entry calcatalog.Entry, candidates []time.Time) (TransitInfo, bool, error) {
	return s.findAcceptableTransitWithWindow(ctx, entry, candidates, s.cfg.WindowMinutes)
}

// findAcceptableTransitWithWindow is findAcceptableTransit parameterized
// on window width, so callers overriding the window (ListAvailableTransits)
// don't need to mutate shared Config state.
func (s *Service) findAcceptableTransitWithWindow(ctx context.Context, entry calcatalog.Entry, candidates []time.Time, windowMinutes float64) (TransitInfo, bool, error) {
	half := time.Duration(windowMinutes/2*60) * time.Second

	for _, c := range candidates {
		// Widen by 1 s on each side to match the filenames' one-second precision.
		t0, t1 := c.Add(-half-time.Second), c.Add(half+time.Second)
		groups, err := s.cfg.HDF5Index.CompleteGroupsInRange(ctx, t0, t1, s.cfg.ExpectedSubbands)
		if err != nil {
			return TransitInfo{}, false, fmt.Errorf("query hdf5 index: %w", err)
		}
		if len(groups) == 0 {
			continue
		}

		transitMJD := transit.MJD(c)
		best := groups[0]
		bestDist := math.Abs(best.MidMJD - transitMJD)
		for _, g := range groups[1:] {
			if d := math.Abs(g.MidMJD - transitMJD); d < bestDist {
				best, bestDist = g, d
			}
		}

		peekPath := best.Files[0].Path
		pointing, err := s.cfg.Peeker.Peek(ctx, peekPath)
		if err != nil {
			return TransitInfo{}, false, fmt.Errorf("peek pointing for group %s: %w", best.GroupID, err)
		}

		if math.Abs(pointing.PointingDecDeg-entry.DecDeg) > s.cfg.DecToleranceDeg {
			s.logger.Info("rejected transit candidate: declination mismatch",
				"calibrator", entry.Name, "group_id", best.GroupID,
				"pointing_dec", pointing.PointingDecDeg, "calibrator_dec", entry.DecDeg)
			continue
		}

		separation := angularSeparationDeg(entry.RADeg, entry.DecDeg, pointing.PointingRADeg, pointing.PointingDecDeg)
		response := beam.Response(separation, s.cfg.DishDiameterM, s.cfg.FrequencyHz)
		if response < s.cfg.PBResponseFloor {
			s.logger.Info("rejected transit candidate: primary beam response below floor",
				"calibrator", entry.Name, "group_id", best.GroupID,
				"ra_deg", pointing.PointingRADeg, "dec_deg", pointing.PointingDecDeg,
				"separation_deg", separation, "response", response, "floor", s.cfg.PBResponseFloor)
			continue
		}

		// best.Files is in ascending subband-index order; reverse it.
		files := make([]string, len(best.Files))
		for i, f := range best.Files {
			files[len(best.Files)-1-i] = f.Path
		}

		return TransitInfo{
			GroupID:       best.GroupID,
			Files:         files,
			MidMJD:        best.MidMJD,
			TransitTime:   c,
			SeparationDeg: separation,
			PBResponse:    response,
		}, true, nil
	}

	return TransitInfo{}, false, nil
}

// angularSeparationDeg computes great-circle angular distance between
// two (ra, dec) points in degrees using the haversine formula.
func angularSeparationDeg(ra1, dec1, ra2, dec2 float64) float64 {
	toRad := math.Pi / 180
	dRA := (ra2 - ra1) * toRad
	dDec := (dec2 - dec1) * toRad
	d1, d2 := dec1*toRad, dec2*toRad

	a := math.Sin(dDec/2)*math.Sin(dDec/2) + math.Cos(d1)*math.Cos(d2)*math.Sin(dRA/2)*math.Sin(dRA/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return c / toRad
}

var outputNameReplacer = strings.NewReplacer(
	"+", "_",
	"-", "_",
	":", "",
	".", "",
	"T", "_",
)

func (s *Service) deriveOutputPath(calibratorName string, transitTime time.Time) string {
	sanitizedName := strings.ReplaceAll(strings.ToLower(calibratorName), " ", "_")
	isoTransit := outputNameReplacer.Replace(transitTime.UTC().Format(time.RFC3339))
	return filepath.Join(s.cfg.OutputDir, fmt.Sprintf("%s_%s.ms", sanitizedName, isoTransit))
}

func (s *Service) alreadyExists(ctx context.Context, outputPath string) (bool, error) {
	if _, err := os.Stat(outputPath); err == nil {
		return true, nil
	}
	if s.cfg.ProductsCatalog == nil {
		return false, nil
	}
	return s.cfg.ProductsCatalog.Exists(ctx, outputPath)
}

// convert stages the matched group's files (already in descending
// subband-index order, for ascending-frequency reads), invokes the
// converter, and registers the resulting MS in the products catalog.
func (s *Service) convert(ctx context.Context, calibratorName string, ti TransitInfo, outputPath string, result *CalibratorMSResult) error {
	attemptID := uuid.New().String()
	attemptLogger := s.logger.With("calibrator", calibratorName, "group_id", ti.GroupID, "attempt_id", attemptID)

	scratchRoot := s.cfg.ScratchDir
	if s.cfg.TmpfsScratchDir != "" {
		if _, err := os.Stat(s.cfg.TmpfsScratchDir); err == nil {
			scratchRoot = s.cfg.TmpfsScratchDir
		}
	}
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}

	stagingDir, err := os.MkdirTemp(scratchRoot, "calgen_")
	if err != nil {
		return schederr.NewConversionError("create staging directory", err, map[string]any{"calibrator": calibratorName})
	}
	defer os.RemoveAll(stagingDir)
	attemptLogger.Info("staging calibrator conversion", "staging_dir", stagingDir, "output_path", outputPath)

	for _, p := range ti.Files {
		link := filepath.Join(stagingDir, filepath.Base(p))
		if err := os.Symlink(p, link); err != nil {
			return schederr.NewConversionError("stage subband file", err, map[string]any{"path": p})
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return schederr.NewConversionError("create output directory", err, map[string]any{"path": outputPath})
	}

	half := time.Duration(s.cfg.WindowMinutes/2*60) * time.Second
	start := time.Now()
	convResult, err := s.cfg.Invoker.Invoke(ctx, converter.Invocation{
		InputDir:   stagingDir,
		OutputDir:  outputPath,
		Start:      ti.TransitTime.Add(-half),
		End:        ti.TransitTime.Add(half),
		ScratchDir: scratchRoot,
	})
	wallTime := time.Since(start).Seconds()
	result.ConversionWallTime = wallTime
	if err != nil {
		return schederr.NewConversionError("converter invocation failed", err, map[string]any{"calibrator": calibratorName})
	}
	if convResult.ExitCode != 0 {
		return schederr.NewConversionError("converter exited non-zero", fmt.Errorf("exit code %d: %s", convResult.ExitCode, convResult.CombinedOutput),
			map[string]any{"calibrator": calibratorName})
	}

	if s.cfg.RegisterInCatalog && s.cfg.ProductsCatalog != nil {
		rec := catalog.MSRecord{
			Path:        outputPath,
			MidMJD:      ti.MidMJD,
			ProcessedAt: s.cfg.Now(),
			Status:      "converted",
			Stage:       "converted",
		}
		if err := s.cfg.ProductsCatalog.UpsertMS(ctx, rec); err != nil {
			return fmt.Errorf("upsert ms_index: %w", err)
		}
	}

	attemptLogger.Info("calibrator conversion complete", "wall_time_s", wallTime)
	return nil
}

// HasMSForTransit resolves the latest transit if transitTime is nil,
// then tests whether an MSRecord exists whose mid_mjd lies within
// toleranceMinutes of that transit and whose path names calibratorName.
func (s *Service) HasMSForTransit(ctx context.Context, calibratorName string, transitTime *time.Time, toleranceMinutes float64, maxDaysBack int) (bool, error) {
	if s.cfg.ProductsCatalog == nil {
		return false, nil
	}

	var target time.Time
	if transitTime != nil {
		target = *transitTime
	} else {
		entry, found, err := calcatalog.LookupFirst(ctx, s.cfg.Catalogs, calibratorName)
		if err != nil {
			return false, err
		}
		if !found {
			return false, schederr.NewCalibratorNotFoundError(fmt.Sprintf("calibrator %q not found", calibratorName), nil)
		}
		if maxDaysBack <= 0 {
			maxDaysBack = s.cfg.MaxDaysBack
		}
		candidates := transit.PreviousTransits(entry.RADeg, s.cfg.Observatory, s.cfg.Now(), maxDaysBack)
		if len(candidates) == 0 {
			return false, nil
		}
		target = candidates[0]
	}

	targetMJD := transit.MJD(target)
	toleranceDays := toleranceMinutes / (24 * 60)
	_, ok, err := s.cfg.ProductsCatalog.FindByMidMJDNear(ctx, calibratorName, targetMJD, toleranceDays)
	return ok, err
}

// ListAvailableTransits enumerates candidate transits for
// calibratorName and reports which have a matching, accepted group,
// ordered by transit MJD descending (candidates are already generated
// in that order).
func (s *Service) ListAvailableTransits(ctx context.Context, calibratorName string, maxDaysBack int, windowMinutes float64) ([]TransitInfo, error) {
	entry, found, err := calcatalog.LookupFirst(ctx, s.cfg.Catalogs, calibratorName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, schederr.NewCalibratorNotFoundError(fmt.Sprintf("calibrator %q not found", calibratorName), nil)
	}

	if maxDaysBack <= 0 {
		maxDaysBack = s.cfg.MaxDaysBack
	}
	window := s.cfg.WindowMinutes
	if windowMinutes > 0 {
		window = windowMinutes
	}

	candidates := transit.PreviousTransits(entry.RADeg, s.cfg.Observatory, s.cfg.Now(), maxDaysBack)

	var out []TransitInfo
	for _, c := range candidates {
		ti, ok, err := s.findAcceptableTransitWithWindow(ctx, entry, []time.Time{c}, window)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ti)
		}
	}
	return out, nil
}

// ListMSForCalibrator queries the products catalog for MSRecords whose
// path names calibratorName, ordered by processed_at descending.
func (s *Service) ListMSForCalibrator(ctx context.Context, calibratorName string, limit int) ([]catalog.MSRecord, error) {
	if s.cfg.ProductsCatalog == nil {
		return nil, nil
	}
	return s.cfg.ProductsCatalog.ListByName(ctx, calibratorName, limit)
}
