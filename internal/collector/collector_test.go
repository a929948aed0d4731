package collector

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tower-locator/internal/config"
	"tower-locator/internal/geodesy"
	"tower-locator/internal/navigation"
	"tower-locator/internal/observability"
	"tower-locator/internal/recording"
	"tower-locator/internal/store"
	"tower-locator/internal/telemetry"
)

type fakeSource struct {
	reading *telemetry.Reading
	err     error
	closed  bool
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Read(ctx context.Context) (*telemetry.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.reading
	r.Cells = append([]telemetry.CellScan(nil), f.reading.Cells...)
	return &r, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type staticLocation struct {
	coord *geodesy.Coordinate
}

func (s staticLocation) Location(context.Context) (*geodesy.Coordinate, error) {
	return s.coord, nil
}

var device = geodesy.Coordinate{Latitude: 35.0, Longitude: -97.0}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telemetry.Seed = 42
	cfg.Telemetry.Interval = 5 * time.Millisecond
	cfg.Hunting.RecordingDir = t.TempDir()
	cfg.KnownTowers = []config.KnownTowerConfig{
		{ID: 1, Latitude: 35.01, Longitude: -97.0}, // due north
		{ID: 2, Latitude: 35.0, Longitude: -96.99}, // roughly east
	}
	return cfg
}

func testReading() *telemetry.Reading {
	return &telemetry.Reading{
		Cells: []telemetry.CellScan{
			{SignalStrengthDbm: -70, RawFrequencyCode: 1575, TowerIdentifier: 1, IsServing: true},
			{SignalStrengthDbm: -90, RawFrequencyCode: 5110, TowerIdentifier: 2},
		},
		ServingSignalDbm:  -70,
		CompetingNetworks: 3,
		Timestamp:         time.UnixMilli(1754061697000),
	}
}

func newTestCollector(t *testing.T, cfg *config.Config, src *fakeSource, opts ...Option) (*Collector, *observability.Collector) {
	t.Helper()
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector metrics: %v", err)
	}
	opts = append([]Option{
		WithSource(src),
		WithLocation(staticLocation{coord: &device}),
		WithOrientation(telemetry.NewSweepOrientation(0, 10, time.Millisecond, 0.9)),
		WithMetrics(metrics),
	}, opts...)

	c := NewCollector(cfg, opts...)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, metrics
}

func TestScanResolvesKnownTowers(t *testing.T) {
	c, metrics := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})

	if _, err := c.Latest(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Latest before scan = %v, want ErrNoSnapshot", err)
	}

	snap, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(snap.Observations) != 2 {
		t.Fatalf("observations = %d, want 2", len(snap.Observations))
	}
	if snap.Analysis.OptimalBearing != 0 {
		t.Errorf("optimal bearing = %v, want 0 (tower 1 due north)", snap.Analysis.OptimalBearing)
	}
	for _, o := range snap.Observations {
		if o.TowerID == 2 && math.Abs(o.Bearing-90) > 0.1 {
			t.Errorf("tower 2 bearing = %v, want ~90", o.Bearing)
		}
		if o.TowerID == 1 && math.Abs(o.Distance-1112) > 5 {
			t.Errorf("tower 1 distance = %v, want geodesic ~1112 m", o.Distance)
		}
	}
	if snap.Pattern == nil || snap.Pattern.Len() != 2 {
		t.Errorf("pattern should come from the observations, got %+v", snap.Pattern)
	}
	if snap.Report == nil || snap.Report.OptimalOrientation == nil || *snap.Report.OptimalOrientation != 0 {
		t.Errorf("report = %+v", snap.Report)
	}
	if snap.Device == nil || *snap.Device != device {
		t.Errorf("device = %v", snap.Device)
	}

	if got := testutil.ToFloat64(metrics.NearbyTowers); got != 2 {
		t.Errorf("nearby towers gauge = %v, want 2", got)
	}

	latest, err := c.Latest()
	if err != nil || latest != snap {
		t.Errorf("Latest = %p, %v; want the scanned snapshot", latest, err)
	}
}

func TestScanReadError(t *testing.T) {
	c, metrics := newTestCollector(t, testConfig(t), &fakeSource{err: telemetry.ErrNoResponse})

	_, err := c.Scan(context.Background())
	if !errors.Is(err, telemetry.ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
	if got := testutil.ToFloat64(metrics.ScanErrors.WithLabelValues("fake")); got != 1 {
		t.Errorf("scan errors = %v, want 1", got)
	}
	if _, err := c.Latest(); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("failed scan should not publish a snapshot: %v", err)
	}
}

func TestNavigationFollowsScan(t *testing.T) {
	c, metrics := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})
	ctx := context.Background()

	if _, err := c.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	c.StartNavigation(ctx)

	c.HandleOrientation(ctx, telemetry.OrientationSample{
		Accelerometer:     [3]float64{0, 0, 9.81},
		CompassBearingDeg: 3,
		CompassAccuracy:   0.9,
	})

	s := c.Navigation()
	if s.Direction == nil {
		t.Fatal("expected a direction after a tick")
	}
	if s.Direction.BearingDifference != -3 || s.Direction.Instruction != navigation.InstructionLocked {
		t.Errorf("direction = %+v", s.Direction)
	}
	if s.TowersFound != 1 {
		t.Errorf("towers found = %d, want 1", s.TowersFound)
	}
	if got := testutil.ToFloat64(metrics.NavigationTicks.WithLabelValues("true")); got != 1 {
		t.Errorf("on-target ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TowersFound); got != 1 {
		t.Errorf("towers found counter = %v, want 1", got)
	}

	stopped := c.StopNavigation(ctx)
	if stopped.IsActive || stopped.Status != navigation.StatusStopped {
		t.Errorf("stopped session = %+v", stopped)
	}

	// Ticks after stop are ignored
	c.HandleOrientation(ctx, telemetry.OrientationSample{CompassBearingDeg: 180, CompassAccuracy: 0.9})
	if got := testutil.ToFloat64(metrics.NavigationTicks.WithLabelValues("false")); got != 0 {
		t.Errorf("ticks while idle = %v, want 0", got)
	}
}

func TestEmptyScanClearsNavigationTarget(t *testing.T) {
	src := &fakeSource{reading: testReading()}
	c, metrics := newTestCollector(t, testConfig(t), src)
	ctx := context.Background()

	if _, err := c.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	c.StartNavigation(ctx)
	if c.Navigation().Target == nil {
		t.Fatal("expected a target after a scan with towers")
	}

	src.reading = &telemetry.Reading{Timestamp: time.UnixMilli(1754061699000)}
	snap, err := c.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if snap.Analysis.OptimalBearing != 0 || len(snap.Observations) != 0 {
		t.Errorf("empty scan analysis = %+v", snap.Analysis)
	}

	s := c.Navigation()
	if s.Target != nil {
		t.Errorf("target = %+v, want none after an empty scan", s.Target)
	}
	if s.Status != navigation.StatusWaitingForTarget {
		t.Errorf("status = %q, want %q", s.Status, navigation.StatusWaitingForTarget)
	}

	c.HandleOrientation(ctx, telemetry.OrientationSample{CompassBearingDeg: 0, CompassAccuracy: 0.9})
	if got := testutil.ToFloat64(metrics.NavigationTicks.WithLabelValues("true")); got != 0 {
		t.Errorf("on-target ticks = %v, want 0 without a target", got)
	}
}

func TestCalibrate(t *testing.T) {
	c, _ := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})

	points := []navigation.CalibrationPoint{
		{CompassBearing: 20, ReferenceBearing: 10},
		{CompassBearing: 110, ReferenceBearing: 100},
		{CompassBearing: 200, ReferenceBearing: 190},
	}
	cal, ok := c.Calibrate(context.Background(), points)
	if !ok || !cal.IsValid {
		t.Fatalf("calibration not accepted: %+v", cal)
	}
	if math.Abs(cal.CompassOffset-10) > 1e-9 {
		t.Errorf("offset = %v, want 10", cal.CompassOffset)
	}
}

func TestHuntingRecordsAndSaves(t *testing.T) {
	cfg := testConfig(t)
	c, metrics := newTestCollector(t, cfg, &fakeSource{reading: testReading()})
	ctx := context.Background()

	if _, err := c.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	id := c.StartHunting(ctx)
	for _, b := range []float64{0, 10, 380} {
		c.HandleOrientation(ctx, telemetry.OrientationSample{CompassBearingDeg: b, CompassAccuracy: 0.9})
	}

	history := c.HuntingHistory()
	if len(history) != 3 || history[2].Bearing != 20 || history[0].SignalStrength != -70 {
		t.Fatalf("history = %+v", history)
	}
	if got := testutil.ToFloat64(metrics.HuntingProbes); got != 3 {
		t.Errorf("probes counter = %v, want 3", got)
	}

	// The sweep now drives the signal pattern
	snap, err := c.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if snap.Pattern.Len() != 3 || snap.Pattern.Quality != 1 {
		t.Errorf("pattern = %+v, want the 3-sample flat sweep", snap.Pattern)
	}

	path, err := c.StopHunting(ctx)
	if err != nil {
		t.Fatalf("StopHunting: %v", err)
	}
	if filepath.Dir(path) != cfg.Hunting.RecordingDir {
		t.Errorf("recording saved to %s, want under %s", path, cfg.Hunting.RecordingDir)
	}

	meta, samples, err := recording.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if meta.SessionID != id || !meta.HasLocation || meta.Location.Latitude != device.Latitude {
		t.Errorf("metadata = %+v", meta)
	}
	if len(samples) != 3 {
		t.Errorf("samples = %d, want 3", len(samples))
	}

	// Probes after stop are dropped
	c.HandleOrientation(ctx, telemetry.OrientationSample{CompassBearingDeg: 90})
	if c.Hunting().Samples != 3 {
		t.Errorf("samples after stop = %d", c.Hunting().Samples)
	}
}

func TestHuntingBeforeFirstScan(t *testing.T) {
	c, metrics := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})
	ctx := context.Background()

	c.StartHunting(ctx)
	c.HandleOrientation(ctx, telemetry.OrientationSample{CompassBearingDeg: 200, CompassAccuracy: 0.9})

	if history := c.HuntingHistory(); len(history) != 0 {
		t.Fatalf("history before any scan = %+v, want empty", history)
	}
	if got := testutil.ToFloat64(metrics.HuntingProbes); got != 0 {
		t.Errorf("hunting counter = %v, want 0", got)
	}

	if _, err := c.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, b := range []float64{0, 90} {
		c.HandleOrientation(ctx, telemetry.OrientationSample{CompassBearingDeg: b, CompassAccuracy: 0.9})
	}

	history := c.HuntingHistory()
	if len(history) != 2 {
		t.Fatalf("history = %+v, want 2 samples", history)
	}
	for _, s := range history {
		if s.SignalStrength != -70 {
			t.Errorf("sample %+v, want the -70 dBm serving level", s)
		}
	}

	snap, err := c.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if snap.Pattern.PeakStrength != -70 {
		t.Errorf("peak strength = %d, want -70", snap.Pattern.PeakStrength)
	}
}

func TestRandomBearingsStablePerTower(t *testing.T) {
	r := newRandomBearings(7)

	first := r.EstimateBearing(telemetry.CellScan{TowerIdentifier: 5})
	other := r.EstimateBearing(telemetry.CellScan{TowerIdentifier: 6})
	if first < 0 || first >= 360 || other < 0 || other >= 360 {
		t.Fatalf("bearings out of range: %v, %v", first, other)
	}
	if first == other {
		t.Errorf("distinct towers got the same bearing %v", first)
	}
	for i := 0; i < 3; i++ {
		if got := r.EstimateBearing(telemetry.CellScan{TowerIdentifier: 5, SignalStrengthDbm: -80 - i}); got != first {
			t.Errorf("tower 5 bearing = %v, want %v on every scan", got, first)
		}
	}
}

func TestStopHuntingWithoutSamples(t *testing.T) {
	c, _ := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})

	c.StartHunting(context.Background())
	path, err := c.StopHunting(context.Background())
	if err != nil || path != "" {
		t.Errorf("StopHunting = %q, %v; want no recording", path, err)
	}
}

func TestTowersWithoutStore(t *testing.T) {
	c, _ := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})

	if _, err := c.Towers(context.Background()); !errors.Is(err, ErrStorageDisabled) {
		t.Errorf("Towers = %v, want ErrStorageDisabled", err)
	}
}

func TestScanPersistsToStore(t *testing.T) {
	s, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	c, _ := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()}, WithStore(s))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Scan(ctx); err != nil {
			t.Fatalf("Scan: %v", err)
		}
	}

	towers, err := c.Towers(ctx)
	if err != nil {
		t.Fatalf("Towers: %v", err)
	}
	if len(towers) != 2 || towers[0].TowerID != 1 || towers[0].Sightings != 2 {
		t.Errorf("towers = %+v", towers)
	}

	analyses, err := s.RecentAnalyses(ctx, 10)
	if err != nil || len(analyses) != 2 {
		t.Errorf("analyses = %d, %v; want 2", len(analyses), err)
	}
}

func TestRunUntilCancelled(t *testing.T) {
	c, metrics := newTestCollector(t, testConfig(t), &fakeSource{reading: testReading()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c.StartNavigation(ctx)
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want DeadlineExceeded", err)
	}

	if _, err := c.Latest(); err != nil {
		t.Errorf("no snapshot after run: %v", err)
	}
	ticks := testutil.ToFloat64(metrics.NavigationTicks.WithLabelValues("true")) +
		testutil.ToFloat64(metrics.NavigationTicks.WithLabelValues("false"))
	if ticks == 0 {
		t.Error("expected navigation ticks during run")
	}
}

func TestInitializeFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telemetry.Seed = 7
	cfg.GPS.Mode = config.GPSModeNone

	c := NewCollector(cfg)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Close()

	if err := c.WaitForGPSFix(context.Background()); err != nil {
		t.Errorf("WaitForGPSFix without receiver = %v", err)
	}

	snap, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(snap.Observations) == 0 || snap.Device != nil {
		t.Errorf("synthetic scan = %d towers, device %v", len(snap.Observations), snap.Device)
	}
	if snap.Report == nil || snap.Report.OptimalOrientation == nil {
		t.Errorf("report = %+v", snap.Report)
	}
}

func TestCloseClosesSource(t *testing.T) {
	src := &fakeSource{reading: testReading()}
	c := NewCollector(testConfig(t), WithSource(src), WithLocation(staticLocation{}))
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !src.closed {
		t.Error("source not closed")
	}
}
