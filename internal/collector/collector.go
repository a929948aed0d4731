// Package collector drives the locator: it reads cell telemetry and the device
// location, resolves towers, analyses the environment, feeds navigation ticks and
// records hunting probes.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tower-locator/internal/advisor"
	"tower-locator/internal/config"
	"tower-locator/internal/environment"
	"tower-locator/internal/geodesy"
	"tower-locator/internal/gps"
	"tower-locator/internal/hunting"
	"tower-locator/internal/logging"
	"tower-locator/internal/navigation"
	"tower-locator/internal/observability"
	"tower-locator/internal/pattern"
	"tower-locator/internal/recording"
	"tower-locator/internal/store"
	"tower-locator/internal/telemetry"
	"tower-locator/internal/tower"
)

var (
	// ErrNoSnapshot is returned before the first successful scan
	ErrNoSnapshot = errors.New("no scan completed yet")
	// ErrStorageDisabled is returned by queries against the observation log when storage is off
	ErrStorageDisabled = errors.New("observation log is disabled")
)

// LocationProvider supplies the device position; nil means no fix
type LocationProvider interface {
	Location(ctx context.Context) (*geodesy.Coordinate, error)
}

// signalProber is implemented by sources that can model the signal seen at a bearing
type signalProber interface {
	SignalAt(bearing float64) int
}

// Snapshot is the result of one scan
type Snapshot struct {
	Reading      *telemetry.Reading
	Observations []tower.Observation
	Pattern      *pattern.SignalPattern
	Analysis     *environment.Analysis
	Report       *advisor.Report
	Device       *geodesy.Coordinate
	Took         time.Duration
}

// Option overrides a dependency that Initialize would otherwise build from config
type Option func(*Collector)

func WithSource(s telemetry.Source) Option { return func(c *Collector) { c.source = s } }
func WithOrientation(o telemetry.OrientationSource) Option {
	return func(c *Collector) { c.orientation = o }
}
func WithLocation(l LocationProvider) Option        { return func(c *Collector) { c.location = l } }
func WithStore(s *store.Store) Option               { return func(c *Collector) { c.store = s } }
func WithMetrics(m *observability.Collector) Option { return func(c *Collector) { c.metrics = m } }
func WithLogger(l logging.Logger) Option            { return func(c *Collector) { c.log = l } }
func WithClock(now func() time.Time) Option         { return func(c *Collector) { c.now = now } }

type Collector struct {
	config      *config.Config
	source      telemetry.Source
	orientation telemetry.OrientationSource
	location    LocationProvider
	gps         *gps.Provider // Owned receiver, closed with the collector
	resolver    *tower.Resolver
	analyzer    *environment.Analyzer
	engine      *navigation.Engine
	hunt        *hunting.Session
	store       *store.Store
	metrics     *observability.Collector
	log         logging.Logger
	now         func() time.Time

	scanMu sync.Mutex // Serializes scans; the analyzer and resolver are not reentrant

	mu     sync.RWMutex
	latest *Snapshot
}

// NewCollector creates a collector; Initialize must be called before use
func NewCollector(cfg *config.Config, opts ...Option) *Collector {
	c := &Collector{
		config: cfg,
		log:    logging.Noop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "collector"))
	return c
}

// Initialize builds the telemetry source, GPS provider and storage selected by the
// configuration, for every dependency not injected with an Option
func (c *Collector) Initialize(ctx context.Context) error {
	seed := c.config.Telemetry.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if c.source == nil {
		switch c.config.Telemetry.Source {
		case config.SourceSynthetic:
			c.source = telemetry.NewSyntheticSource(seed, c.config.Telemetry.SyntheticTowers)
		case config.SourceModem:
			m, err := telemetry.NewModemSource(c.config.Telemetry.ModemPort, c.config.Telemetry.ModemBaudRate, c.config.Telemetry.ModemTimeout)
			if err != nil {
				return fmt.Errorf("failed to initialize modem: %w", err)
			}
			c.source = m
		default:
			return fmt.Errorf("invalid telemetry source: %s", c.config.Telemetry.Source)
		}
	}

	if c.orientation == nil {
		c.orientation = telemetry.NewSweepOrientation(0, 1, c.config.Telemetry.OrientationInterval, 0.9)
	}

	if c.location == nil {
		p, err := gps.New(c.config.GPS, c.log)
		if err != nil {
			return fmt.Errorf("failed to initialize GPS: %w", err)
		}
		if err := p.Start(ctx); err != nil {
			p.Close()
			return fmt.Errorf("failed to start GPS: %w", err)
		}
		c.gps = p
		c.location = p
	}

	if c.store == nil && c.config.Storage.Enabled {
		s, err := store.Open(c.config.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open observation store: %w", err)
		}
		c.store = s
	}

	// Unknown towers take their bearing from the synthetic model when available
	var estimator telemetry.BearingEstimator
	if e, ok := c.source.(telemetry.BearingEstimator); ok {
		estimator = e
	} else {
		estimator = newRandomBearings(seed)
	}

	c.resolver = tower.NewResolver(c.config.KnownTowerList(), estimator)
	c.analyzer = environment.NewSeededAnalyzer(c.config.Analysis, seed)
	c.engine = navigation.NewEngine(c.config.Navigation, c.now)
	c.hunt = hunting.NewSession(c.config.HuntingSessionConfig())

	c.log.Info(ctx, "collector initialized",
		logging.String("source", c.source.Name()),
		logging.String("gps_mode", c.config.GPS.Mode),
		logging.Int("known_towers", len(c.config.KnownTowers)),
		logging.Bool("storage", c.store != nil))
	return nil
}

// WaitForGPSFix blocks until the configured receiver reports a fix. Modes without a
// receiver return immediately.
func (c *Collector) WaitForGPSFix(ctx context.Context) error {
	if c.gps == nil || c.gps.Mode() == config.GPSModeNone {
		return nil
	}
	if c.gps.Mode() == config.GPSModeManual {
		fmt.Printf("GPS disabled - using manual coordinates: %.8f°, %.8f°\n",
			c.config.GPS.ManualLatitude, c.config.GPS.ManualLongitude)
		return nil
	}

	fmt.Printf("Waiting for GPS fix via %s (timeout: %v)...\n", c.gps.Mode(), c.config.GPS.Timeout)
	pos, err := c.gps.WaitForFix(ctx, c.config.GPS.Timeout)
	if err != nil {
		return fmt.Errorf("GPS fix failed: %w", err)
	}
	fmt.Printf("GPS fix acquired: %.6f, %.6f (quality: %s, satellites: %d)\n",
		pos.Latitude, pos.Longitude, c.gps.FixQualityString(), pos.Satellites)
	return nil
}

// Scan performs one telemetry read and analysis. The telemetry source and the
// location provider are queried concurrently.
func (c *Collector) Scan(ctx context.Context) (*Snapshot, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	ctx, span := observability.Tracer().Start(ctx, "scan")
	defer span.End()
	started := time.Now()

	var (
		reading         *telemetry.Reading
		device          *geodesy.Coordinate
		readErr, locErr error
	)
	var wg conc.WaitGroup
	wg.Go(func() { reading, readErr = c.source.Read(ctx) })
	wg.Go(func() { device, locErr = c.location.Location(ctx) })
	wg.Wait()

	if readErr != nil {
		c.metrics.RecordScanError(c.source.Name())
		span.RecordError(readErr)
		span.SetStatus(codes.Error, "telemetry read failed")
		return nil, fmt.Errorf("telemetry read from %s failed: %w", c.source.Name(), readErr)
	}
	if locErr != nil {
		c.log.Warn(ctx, "location unavailable", logging.Err(locErr))
		device = nil
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = c.now()
	}

	observations := c.resolver.ObserveAll(reading, device)
	sigPattern := c.currentPattern(observations)

	networks := reading.CompetingNetworks
	if networks == 0 {
		networks = c.config.Telemetry.WiFiNetworks
	}

	analysis := c.analyzer.Analyze(environment.Input{
		Towers:            observations,
		Pattern:           sigPattern,
		CurrentSignalDbm:  reading.ServingSignalDbm,
		CompetingNetworks: networks,
		Timestamp:         reading.Timestamp,
	})
	report := advisor.FromAnalysis(analysis)

	if target, ok := navigation.TargetFromAnalysis(analysis); ok {
		c.engine.SetTarget(target)
	} else {
		c.engine.ClearTarget()
	}

	snap := &Snapshot{
		Reading:      reading,
		Observations: observations,
		Pattern:      sigPattern,
		Analysis:     analysis,
		Report:       report,
		Device:       device,
		Took:         time.Since(started),
	}

	c.metrics.RecordAnalysis(analysis, snap.Took)
	span.SetAttributes(
		attribute.Int("towers", len(observations)),
		attribute.Float64("environment_quality", analysis.EnvironmentQuality),
		attribute.String("quality_tier", string(report.CurrentQuality)),
		attribute.Bool("has_location", device != nil),
	)

	c.persist(ctx, snap)

	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()

	c.log.Debug(ctx, "scan complete",
		logging.Int("towers", len(observations)),
		logging.Float("quality", analysis.EnvironmentQuality),
		logging.Float("optimal_bearing", analysis.OptimalBearing))
	return snap, nil
}

// currentPattern prefers the hunting sweep history and falls back to the bearings
// and strengths of the resolved towers
func (c *Collector) currentPattern(observations []tower.Observation) *pattern.SignalPattern {
	if history := c.hunt.History(); len(history) > 0 {
		if p, err := hunting.PatternOf(history); err == nil {
			return p
		}
	}
	if len(observations) == 0 {
		return nil
	}

	strengths := make([]int, len(observations))
	bearings := make([]float64, len(observations))
	for i, o := range observations {
		strengths[i] = o.SignalStrength
		bearings[i] = o.Bearing
	}
	p, err := pattern.FromMeasurements(strengths, bearings)
	if err != nil {
		return nil
	}
	return p
}

// persist writes the snapshot to the observation log; failures are logged, not fatal
func (c *Collector) persist(ctx context.Context, snap *Snapshot) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveObservations(ctx, snap.Observations); err != nil {
		c.log.Warn(ctx, "failed to store observations", logging.Err(err))
	}
	if _, err := c.store.SaveAnalysis(ctx, snap.Analysis, snap.Report); err != nil {
		c.log.Warn(ctx, "failed to store analysis", logging.Err(err))
	}
}

// Latest returns the most recent snapshot
func (c *Collector) Latest() (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil, ErrNoSnapshot
	}
	return c.latest, nil
}

// Run scans on the telemetry interval and processes orientation ticks until ctx is
// cancelled. A failed scan is logged and retried on the next interval.
func (c *Collector) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	wg.Go(func() { c.scanLoop(ctx) })
	wg.Go(func() { c.orientationLoop(ctx) })
	wg.Wait()
	return ctx.Err()
}

func (c *Collector) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.Telemetry.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.Scan(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn(ctx, "scan failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) orientationLoop(ctx context.Context) {
	for {
		sample, err := c.orientation.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn(ctx, "orientation source stopped", logging.Err(err))
			}
			return
		}
		c.HandleOrientation(ctx, sample)
	}
}

// HandleOrientation feeds one orientation sample to the navigation engine and, while
// hunting, records a probe at the sample's heading
func (c *Collector) HandleOrientation(ctx context.Context, sample telemetry.OrientationSample) {
	if c.engine.IsActive() {
		before := c.engine.Session().TowersFound
		d, err := c.engine.Tick(sample)
		switch {
		case err == nil:
			c.metrics.RecordNavigationTick(d.IsOnTarget)
			c.metrics.AddTowersFound(c.engine.Session().TowersFound - before)
		case errors.Is(err, navigation.ErrNoTarget), errors.Is(err, navigation.ErrInactive):
		default:
			c.log.Warn(ctx, "navigation tick failed", logging.Err(err))
		}
	}

	if c.hunt.IsHunting() {
		bearing := geodesy.NormalizeBearing(sample.CompassBearingDeg)
		signal, ok := c.signalAt(bearing)
		if !ok {
			return
		}
		if err := c.hunt.Probe(bearing, signal); err == nil {
			c.metrics.RecordHuntingProbe()
		}
	}
}

// signalAt returns the signal for a probe: modelled by the source when it can,
// otherwise the serving-cell level of the last scan. It reports false until a scan
// has measured a serving signal, since 0 dBm means no reading.
func (c *Collector) signalAt(bearing float64) (int, bool) {
	if p, ok := c.source.(signalProber); ok {
		return p.SignalAt(bearing), true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil || c.latest.Reading == nil || c.latest.Reading.ServingSignalDbm == 0 {
		return 0, false
	}
	return c.latest.Reading.ServingSignalDbm, true
}

// StartNavigation begins a navigation session toward the last analysis' optimal bearing
func (c *Collector) StartNavigation(ctx context.Context) string {
	id := c.engine.Start()
	c.log.Info(ctx, "navigation started", logging.String("session_id", id))
	return id
}

func (c *Collector) StopNavigation(ctx context.Context) navigation.Session {
	c.engine.Stop()
	s := c.engine.Session()
	c.log.Info(ctx, "navigation stopped",
		logging.String("session_id", s.ID),
		logging.Int("towers_found", s.TowersFound),
		logging.Int64("duration_ms", s.Duration.Milliseconds()))
	return s
}

// Navigation returns the current navigation session
func (c *Collector) Navigation() navigation.Session {
	return c.engine.Session()
}

// Calibrate computes a compass calibration and records it when valid
func (c *Collector) Calibrate(ctx context.Context, points []navigation.CalibrationPoint) (navigation.Calibration, bool) {
	cal := navigation.Calibrate(points, c.now())
	accepted := c.engine.RecordCalibration(cal)
	c.log.Info(ctx, "calibration computed",
		logging.Float("offset", cal.CompassOffset),
		logging.Float("accuracy", cal.Accuracy),
		logging.Bool("accepted", accepted))
	return cal, accepted
}

// SetTolerance updates the navigation on-target window
func (c *Collector) SetTolerance(deg float64) {
	c.engine.SetTolerance(deg)
}

// StartHunting clears the sweep history and begins recording probes
func (c *Collector) StartHunting(ctx context.Context) string {
	id := c.hunt.Start()
	c.log.Info(ctx, "hunting started", logging.String("session_id", id))
	return id
}

// StopHunting stops recording and, when a recording directory is configured and
// samples were taken, writes the sweep to a .hunt file whose path is returned
func (c *Collector) StopHunting(ctx context.Context) (string, error) {
	c.hunt.Stop()
	status := c.hunt.Status()
	c.log.Info(ctx, "hunting stopped", logging.String("session_id", status.ID), logging.Int("samples", status.Samples))

	if c.config.Hunting.RecordingDir == "" || status.Samples == 0 {
		return "", nil
	}

	meta := recording.Metadata{
		SessionID:  status.ID,
		StartedAt:  status.StartedAt,
		StoppedAt:  status.StoppedAt,
		DeviceInfo: c.source.Name(),
	}
	if snap, err := c.Latest(); err == nil && snap.Device != nil {
		meta.HasLocation = true
		meta.Location = recording.Location{Latitude: snap.Device.Latitude, Longitude: snap.Device.Longitude}
	}

	filename := recording.Filename(c.config.Hunting.RecordingDir, meta)
	if err := recording.WriteFile(filename, meta, c.hunt.History()); err != nil {
		return "", fmt.Errorf("failed to save hunting recording: %w", err)
	}
	c.log.Info(ctx, "hunting recording saved", logging.String("file", filename))
	return filename, nil
}

// Hunting returns the hunting session status
func (c *Collector) Hunting() hunting.Status {
	return c.hunt.Status()
}

// HuntingHistory returns the recorded probes, oldest first
func (c *Collector) HuntingHistory() []hunting.Sample {
	return c.hunt.History()
}

// Towers returns the observation log
func (c *Collector) Towers(ctx context.Context) ([]store.TowerRecord, error) {
	if c.store == nil {
		return nil, ErrStorageDisabled
	}
	return c.store.Towers(ctx)
}

// Close releases the telemetry source, GPS receiver and store
func (c *Collector) Close() error {
	var errs []error

	if c.source != nil {
		if err := c.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry close error: %w", err))
		}
	}
	if c.gps != nil {
		if err := c.gps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("GPS close error: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// randomBearings stands in for a bearing model when the source has none. A tower
// keeps the bearing it was first given.
type randomBearings struct {
	mu       sync.Mutex
	rand     *rand.Rand
	bearings map[int64]float64
}

func newRandomBearings(seed int64) *randomBearings {
	return &randomBearings{
		rand:     rand.New(rand.NewSource(seed)),
		bearings: make(map[int64]float64),
	}
}

func (r *randomBearings) EstimateBearing(cell telemetry.CellScan) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bearings[cell.TowerIdentifier]; ok {
		return b
	}
	b := r.rand.Float64() * 360
	r.bearings[cell.TowerIdentifier] = b
	return b
}
