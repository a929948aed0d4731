package navigation

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"tower-locator/internal/environment"
	"tower-locator/internal/telemetry"
	"tower-locator/internal/tower"
)

// fakeClock advances only when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sample(compass, accuracy float64) telemetry.OrientationSample {
	return telemetry.OrientationSample{
		Accelerometer:     [3]float64{0, 0, 9.81},
		CompassBearingDeg: compass,
		CompassAccuracy:   accuracy,
		Timestamp:         time.UnixMilli(1754061697000),
	}
}

func TestNormalizeDifferenceScenario(t *testing.T) {
	if d := NormalizeDifference(350 - 10); d != -20 {
		t.Errorf("difference = %f, want -20", d)
	}

	dir := ComputeDirection(Target{Bearing: 350, Distance: 1000, SignalStrength: -80}, 10, DefaultTolerance)
	if dir.BearingDifference != -20 {
		t.Errorf("bearing difference = %f, want -20", dir.BearingDifference)
	}
	if dir.Instruction != InstructionLeft {
		t.Errorf("instruction = %q, want %q", dir.Instruction, InstructionLeft)
	}
	if dir.IsOnTarget {
		t.Error("20° off should not be on target")
	}
}

func TestNormalizeDifferenceRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		target := r.Float64() * 360
		current := r.Float64() * 360

		d := ComputeDirection(Target{Bearing: target}, current, DefaultTolerance)
		if d.BearingDifference <= -180 || d.BearingDifference > 180 {
			t.Fatalf("difference %f outside (-180, 180] for %f/%f", d.BearingDifference, target, current)
		}
		if d.IsOnTarget != (math.Abs(d.BearingDifference) <= DefaultTolerance) {
			t.Fatalf("isOnTarget %v inconsistent with difference %f", d.IsOnTarget, d.BearingDifference)
		}
	}

	if d := NormalizeDifference(180); d != 180 {
		t.Errorf("NormalizeDifference(180) = %f, want 180", d)
	}
	if d := NormalizeDifference(-180); d != 180 {
		t.Errorf("NormalizeDifference(-180) = %f, want 180", d)
	}
	if d := NormalizeDifference(math.NaN()); d != 0 {
		t.Errorf("NormalizeDifference(NaN) = %f, want 0", d)
	}
}

func TestInstructionBandsSymmetric(t *testing.T) {
	tests := []struct {
		diff  float64
		right string
		left  string
	}{
		{0, InstructionLocked, InstructionLocked},
		{4.9, InstructionLocked, InstructionLocked},
		{7, InstructionOnTarget, InstructionOnTarget},
		{10, InstructionOnTarget, InstructionOnTarget},
		{12, InstructionSlightRight, InstructionSlightLeft},
		{15, InstructionSlightRight, InstructionSlightLeft},
		{20, InstructionRight, InstructionLeft},
		{45, InstructionRight, InstructionLeft},
		{46, InstructionSharpRight, InstructionSharpLeft},
		{180, InstructionSharpRight, InstructionSharpLeft},
	}

	for _, tt := range tests {
		if got := Instruction(tt.diff, DefaultTolerance); got != tt.right {
			t.Errorf("Instruction(%v) = %q, want %q", tt.diff, got, tt.right)
		}
		if tt.diff == 180 {
			continue
		}
		if got := Instruction(-tt.diff, DefaultTolerance); got != tt.left {
			t.Errorf("Instruction(%v) = %q, want %q", -tt.diff, got, tt.left)
		}
	}

	// A tight tolerance exposes the slight-turn band
	if got := Instruction(-7, 5); got != InstructionSlightLeft {
		t.Errorf("Instruction(-7, 5) = %q, want %q", got, InstructionSlightLeft)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		distance float64
		signal   int
		want     float64
	}{
		{0, -70, 1},
		{10000, -120, 0},
		{20000, -140, 0},
		{5000, -95, 0.5},
		{1000, -80, (0.9 + 0.8) / 2},
	}

	for _, tt := range tests {
		if got := Confidence(tt.distance, tt.signal); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Confidence(%v, %d) = %f, want %f", tt.distance, tt.signal, got, tt.want)
		}
	}
}

func TestOrientationFromSample(t *testing.T) {
	flat := OrientationFromSample(sample(370, 1.5))
	if flat.TiltAngle != 0 || !flat.IsVertical {
		t.Errorf("flat device: tilt %f vertical %v", flat.TiltAngle, flat.IsVertical)
	}
	if flat.CompassBearing != 10 {
		t.Errorf("compass = %f, want 10", flat.CompassBearing)
	}
	if flat.CompassAccuracy != 1 {
		t.Errorf("accuracy = %f, want clamped to 1", flat.CompassAccuracy)
	}

	upright := OrientationFromSample(telemetry.OrientationSample{Accelerometer: [3]float64{0, 9.81, 0}})
	if math.Abs(upright.TiltAngle-90) > 1e-9 || upright.IsVertical {
		t.Errorf("upright device: tilt %f vertical %v", upright.TiltAngle, upright.IsVertical)
	}

	none := OrientationFromSample(telemetry.OrientationSample{})
	if none.TiltAngle != 0 || math.IsNaN(none.TiltAngle) {
		t.Errorf("zero acceleration: tilt %f", none.TiltAngle)
	}
}

func TestTargetFromAnalysis(t *testing.T) {
	a := &environment.Analysis{
		NearbyTowers: []tower.Observation{
			{TowerID: 1, Bearing: 30, Distance: 800, SignalStrength: -90},
			{TowerID: 2, Bearing: 200, Distance: 1500, SignalStrength: -72},
		},
		OptimalBearing: 200,
	}

	target, ok := TargetFromAnalysis(a)
	if !ok {
		t.Fatal("expected a target")
	}
	if target.Bearing != 200 || target.TowerID != 2 || target.Distance != 1500 || target.SignalStrength != -72 {
		t.Errorf("target = %+v", target)
	}

	empty, ok := TargetFromAnalysis(&environment.Analysis{})
	if ok || empty.Bearing != 0 {
		t.Errorf("empty analysis: target %+v ok %v", empty, ok)
	}
}

func TestEngineLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	e := NewEngine(DefaultConfig(), clock.Now)

	if _, err := e.Tick(sample(0, 1)); !errors.Is(err, ErrInactive) {
		t.Fatalf("tick while idle: %v, want ErrInactive", err)
	}

	id := e.Start()
	if id == "" || !e.IsActive() {
		t.Fatal("expected an active session with an id")
	}

	if _, err := e.Tick(sample(0, 1)); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("tick without target: %v, want ErrNoTarget", err)
	}

	e.SetTarget(Target{Bearing: 90, Distance: 2000, SignalStrength: -85, TowerID: 7})
	clock.Advance(3 * time.Second)

	d, err := e.Tick(sample(85, 1))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !d.IsOnTarget || d.BearingDifference != 5 {
		t.Errorf("direction = %+v, want on target at +5", d)
	}

	s := e.Session()
	if s.TowersFound != 1 {
		t.Errorf("towers found = %d, want 1", s.TowersFound)
	}
	if s.Duration != 3*time.Second {
		t.Errorf("duration = %s, want 3s", s.Duration)
	}
	if s.Status != InstructionOnTarget {
		t.Errorf("status = %q", s.Status)
	}

	e.Stop()
	clock.Advance(time.Minute)

	if _, err := e.Tick(sample(90, 1)); !errors.Is(err, ErrInactive) {
		t.Errorf("tick after stop: %v, want ErrInactive", err)
	}

	stopped := e.Session()
	if stopped.IsActive || stopped.Direction == nil || stopped.Orientation == nil {
		t.Errorf("stopped session should keep last state: %+v", stopped)
	}
	if stopped.Duration != 3*time.Second {
		t.Errorf("stopped duration = %s, want frozen at 3s", stopped.Duration)
	}

	if e.Start() == id {
		t.Error("restart should issue a new session id")
	}
	if e.Session().TowersFound != 0 {
		t.Error("towers found should reset on start")
	}
}

func TestEngineTowersFoundCountsDistinctTowers(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.Start()

	for _, id := range []int64{1, 1, 2, 1, 3} {
		e.SetTarget(Target{Bearing: 0, TowerID: id})
		if _, err := e.Tick(sample(0, 1)); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	e.SetTarget(Target{Bearing: 180, TowerID: 4})
	e.Tick(sample(0, 1))

	if got := e.Session().TowersFound; got != 3 {
		t.Errorf("towers found = %d, want 3", got)
	}
}

func TestEngineClearTarget(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.Start()
	e.SetTarget(Target{Bearing: 45, TowerID: 9})
	if _, err := e.Tick(sample(40, 1)); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	e.ClearTarget()

	if _, err := e.Tick(sample(40, 1)); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("tick after clear: %v, want ErrNoTarget", err)
	}
	s := e.Session()
	if s.Target != nil || s.Direction != nil {
		t.Errorf("cleared session still carries target %+v direction %+v", s.Target, s.Direction)
	}
	if s.Status != StatusWaitingForTarget {
		t.Errorf("status = %q, want %q", s.Status, StatusWaitingForTarget)
	}
	if s.TowersFound != 1 {
		t.Errorf("towers found = %d, want 1", s.TowersFound)
	}
}

func TestEngineNeedsCalibration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LowAccuracyTicks = 3
	e := NewEngine(cfg, nil)
	e.Start()
	e.SetTarget(Target{Bearing: 0})

	e.Tick(sample(0, 0.1))
	e.Tick(sample(0, 0.1))
	e.Tick(sample(0, 0.9)) // resets the streak
	e.Tick(sample(0, 0.1))
	e.Tick(sample(0, 0.1))
	if e.Session().NeedsCalibration {
		t.Fatal("needsCalibration set before the streak completed")
	}

	e.Tick(sample(0, 0.1))
	if !e.Session().NeedsCalibration {
		t.Fatal("expected needsCalibration after three low-accuracy ticks")
	}

	// Good accuracy alone does not clear the flag
	e.Tick(sample(0, 1))
	if !e.Session().NeedsCalibration {
		t.Fatal("flag cleared without calibration")
	}

	if e.RecordCalibration(Calibration{IsValid: false}) {
		t.Error("invalid calibration accepted")
	}
	if !e.RecordCalibration(Calibration{IsValid: true, Accuracy: 0.9, CalibrationPoints: 3}) {
		t.Error("valid calibration rejected")
	}
	if e.Session().NeedsCalibration {
		t.Error("valid calibration should clear needsCalibration")
	}
}

func TestEngineAppliesCalibrationOffset(t *testing.T) {
	points := []CalibrationPoint{
		{CompassBearing: 15, ReferenceBearing: 0},
		{CompassBearing: 105, ReferenceBearing: 90},
		{CompassBearing: 195, ReferenceBearing: 180},
		{CompassBearing: 285, ReferenceBearing: 270},
	}
	cal := Calibrate(points, time.Now())

	e := NewEngine(DefaultConfig(), nil)
	e.Start()
	e.SetTarget(Target{Bearing: 100})
	e.RecordCalibration(cal)

	d, err := e.Tick(sample(115, 1))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if math.Abs(d.CurrentBearing-100) > 1e-9 || math.Abs(d.BearingDifference) > 1e-9 {
		t.Errorf("corrected direction = %+v, want heading 100", d)
	}

	cfg := DefaultConfig()
	cfg.ApplyCalibration = false
	raw := NewEngine(cfg, nil)
	raw.Start()
	raw.SetTarget(Target{Bearing: 100})
	raw.RecordCalibration(cal)

	d, _ = raw.Tick(sample(115, 1))
	if d.CurrentBearing != 115 {
		t.Errorf("uncorrected heading = %f, want 115", d.CurrentBearing)
	}
}

func TestCalibrate(t *testing.T) {
	points := []CalibrationPoint{
		{CompassBearing: 355, ReferenceBearing: 5},
		{CompassBearing: 80, ReferenceBearing: 90},
		{CompassBearing: 170, ReferenceBearing: 180},
		{CompassBearing: 260, ReferenceBearing: 270},
	}

	c := Calibrate(points, time.Unix(5, 0))

	if math.Abs(c.CompassOffset+10) > 1e-9 {
		t.Errorf("offset = %f, want -10", c.CompassOffset)
	}
	if math.Abs(c.Accuracy-1) > 1e-9 {
		t.Errorf("accuracy = %f, want 1", c.Accuracy)
	}
	if c.BearingCorrelation < 0.99 {
		t.Errorf("correlation = %f, want ~1", c.BearingCorrelation)
	}
	if !c.IsValid || c.CalibrationPoints != 4 {
		t.Errorf("calibration = %+v, want valid with 4 points", c)
	}
	if got := c.Correct(355); math.Abs(got-5) > 1e-9 {
		t.Errorf("Correct(355) = %f, want 5", got)
	}
}

func TestCalibrateRejectsWeakInput(t *testing.T) {
	if c := Calibrate(nil, time.Now()); c.IsValid || c.CalibrationPoints != 0 {
		t.Errorf("empty calibration = %+v", c)
	}

	two := Calibrate([]CalibrationPoint{{10, 0}, {100, 90}}, time.Now())
	if two.IsValid {
		t.Error("two points should not be valid")
	}

	scattered := Calibrate([]CalibrationPoint{
		{CompassBearing: 0, ReferenceBearing: 0},
		{CompassBearing: 210, ReferenceBearing: 90},
		{CompassBearing: 60, ReferenceBearing: 180},
	}, time.Now())
	if scattered.IsValid {
		t.Errorf("scattered offsets should be invalid, accuracy %f", scattered.Accuracy)
	}
}

func TestEngineConcurrentTickAndStop(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.SetTarget(Target{Bearing: 45, TowerID: 1})

	for round := 0; round < 20; round++ {
		e.Start()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(offset float64) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					d, err := e.Tick(sample(offset+float64(i), 1))
					if err != nil {
						if !errors.Is(err, ErrInactive) {
							t.Errorf("unexpected error: %v", err)
						}
						return
					}
					if d.BearingDifference <= -180 || d.BearingDifference > 180 {
						t.Errorf("difference %f out of range", d.BearingDifference)
						return
					}
				}
			}(float64(w * 90))
		}

		e.Stop()
		wg.Wait()

		s := e.Session()
		if s.IsActive || s.Status != StatusStopped {
			t.Fatalf("session after stop = %+v", s)
		}
	}
}
