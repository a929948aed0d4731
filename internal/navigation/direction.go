package navigation

import (
	"encoding/json"
	"math"
	"time"

	"tower-locator/internal/environment"
	"tower-locator/internal/geodesy"
	"tower-locator/internal/telemetry"
)

// DefaultTolerance is the on-target window in degrees either side of the target
const DefaultTolerance = 10.0

// verticalTiltDeg is the tilt below which the device counts as upright
const verticalTiltDeg = 15.0

// Instruction bands in degrees of bearing difference
const (
	lockedBelow = 5.0
	sharpAbove  = 45.0
	turnAbove   = 15.0
	slightAbove = 5.0
)

// Instructions produced by Instruction
const (
	InstructionLocked      = "Locked on target, hold steady"
	InstructionOnTarget    = "On target"
	InstructionSharpRight  = "Turn sharply right"
	InstructionRight       = "Turn right"
	InstructionSlightRight = "Turn slightly right"
	InstructionSharpLeft   = "Turn sharply left"
	InstructionLeft        = "Turn left"
	InstructionSlightLeft  = "Turn slightly left"
)

// Orientation is the device attitude derived from one sensor sample
type Orientation struct {
	TiltAngle       float64    // Degrees between the device normal and vertical, [0, 180]
	CompassBearing  float64    // Degrees [0, 360)
	Gyroscope       [3]float64 // Raw rotation rate
	Accelerometer   [3]float64 // Raw acceleration
	IsVertical      bool
	CompassAccuracy float64 // 0..1
	Timestamp       time.Time
}

// OrientationFromSample converts a raw sensor sample into an Orientation
func OrientationFromSample(s telemetry.OrientationSample) Orientation {
	ax, ay, az := s.Accelerometer[0], s.Accelerometer[1], s.Accelerometer[2]
	magnitude := math.Sqrt(ax*ax + ay*ay + az*az)

	tilt := 0.0
	if magnitude > 0 && !math.IsNaN(magnitude) && !math.IsInf(magnitude, 0) {
		cos := math.Max(-1, math.Min(1, az/magnitude))
		tilt = math.Acos(cos) * 180 / math.Pi
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return Orientation{
		TiltAngle:       tilt,
		CompassBearing:  geodesy.NormalizeBearing(s.CompassBearingDeg),
		Gyroscope:       s.Gyroscope,
		Accelerometer:   s.Accelerometer,
		IsVertical:      tilt < verticalTiltDeg,
		CompassAccuracy: geodesy.Clamp01(s.CompassAccuracy),
		Timestamp:       ts,
	}
}

// MarshalJSON encodes the orientation with an epoch-millisecond timestamp
func (o Orientation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TiltAngle       float64    `json:"tiltAngle"`
		CompassBearing  float64    `json:"compassBearing"`
		Gyroscope       [3]float64 `json:"gyroscope"`
		Accelerometer   [3]float64 `json:"accelerometer"`
		IsVertical      bool       `json:"isVertical"`
		CompassAccuracy float64    `json:"compassAccuracy"`
		Timestamp       int64      `json:"timestamp"`
	}{o.TiltAngle, o.CompassBearing, o.Gyroscope, o.Accelerometer, o.IsVertical, o.CompassAccuracy, o.Timestamp.UnixMilli()})
}

// Target is the tower the engine steers toward
type Target struct {
	Bearing        float64 `json:"bearing"`
	SignalStrength int     `json:"signalStrength"`
	Distance       float64 `json:"distance"`
	TowerID        int64   `json:"towerId"`
}

// TargetFromAnalysis builds a navigation target from the analysis' optimal bearing and
// strongest tower. The boolean is false when the analysis has no towers; the returned
// target then points at 0°.
func TargetFromAnalysis(a *environment.Analysis) (Target, bool) {
	strongest := a.StrongestTower()
	if strongest == nil {
		return Target{}, false
	}
	return Target{
		Bearing:        geodesy.NormalizeBearing(a.OptimalBearing),
		SignalStrength: strongest.SignalStrength,
		Distance:       strongest.Distance,
		TowerID:        strongest.TowerID,
	}, true
}

// Direction is the per-tick guidance toward a target
type Direction struct {
	TargetBearing     float64 `json:"targetBearing"`
	CurrentBearing    float64 `json:"currentBearing"`
	BearingDifference float64 `json:"bearingDifference"` // (-180, 180], positive means turn right
	Distance          float64 `json:"distance"`
	SignalStrength    int     `json:"signalStrength"`
	TowerID           int64   `json:"towerId"`
	IsOnTarget        bool    `json:"isOnTarget"`
	Confidence        float64 `json:"confidence"`
	Instruction       string  `json:"instruction"`
}

// ComputeDirection evaluates a target against the current heading
func ComputeDirection(target Target, heading, tolerance float64) Direction {
	targetBearing := geodesy.NormalizeBearing(target.Bearing)
	current := geodesy.NormalizeBearing(heading)
	diff := NormalizeDifference(targetBearing - current)

	return Direction{
		TargetBearing:     targetBearing,
		CurrentBearing:    current,
		BearingDifference: diff,
		Distance:          target.Distance,
		SignalStrength:    target.SignalStrength,
		TowerID:           target.TowerID,
		IsOnTarget:        math.Abs(diff) <= tolerance,
		Confidence:        Confidence(target.Distance, target.SignalStrength),
		Instruction:       Instruction(diff, tolerance),
	}
}

// NormalizeDifference maps an angular difference into (-180, 180]
func NormalizeDifference(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	d = math.Mod(d, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

// Confidence blends distance and signal strength into a [0, 1] score
func Confidence(distanceM float64, signalDbm int) float64 {
	distanceScore := math.Max(0, 1-distanceM/10000)
	signalScore := math.Max(0, float64(signalDbm+120)/50)
	return geodesy.Clamp01((distanceScore + signalScore) / 2)
}

// Instruction classifies a bearing difference into turn guidance. Left and right
// use the same cut points.
func Instruction(diff, tolerance float64) string {
	magnitude := math.Abs(diff)
	right := diff > 0

	switch {
	case magnitude < lockedBelow:
		return InstructionLocked
	case magnitude <= tolerance:
		return InstructionOnTarget
	case magnitude > sharpAbove:
		return pick(right, InstructionSharpRight, InstructionSharpLeft)
	case magnitude > turnAbove:
		return pick(right, InstructionRight, InstructionLeft)
	case magnitude > slightAbove:
		return pick(right, InstructionSlightRight, InstructionSlightLeft)
	default:
		return InstructionOnTarget
	}
}

func pick(right bool, r, l string) string {
	if right {
		return r
	}
	return l
}
