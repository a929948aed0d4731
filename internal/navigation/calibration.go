package navigation

import (
	"math"
	"time"

	"tower-locator/internal/geodesy"
)

const (
	minCalibrationPoints = 3
	minCalibrationAcc    = 0.5
)

// CalibrationPoint pairs a compass reading with the known true bearing at that moment
type CalibrationPoint struct {
	CompassBearing   float64 `json:"compassBearing"`
	ReferenceBearing float64 `json:"referenceBearing"`
}

// Calibration describes the systematic compass error
type Calibration struct {
	CompassOffset      float64   `json:"compassOffset"`      // Degrees to subtract from compass readings, (-180, 180]
	BearingCorrelation float64   `json:"bearingCorrelation"` // Pearson r between readings and references
	CalibrationPoints  int       `json:"calibrationPoints"`
	Accuracy           float64   `json:"accuracy"` // Mean resultant length of the offsets
	CalibrationTime    time.Time `json:"calibrationTime"`
	IsValid            bool      `json:"isValid"`
}

// Correct applies the offset to a raw compass bearing
func (c Calibration) Correct(compass float64) float64 {
	return geodesy.NormalizeBearing(compass - c.CompassOffset)
}

// Calibrate estimates the compass offset from paired readings. The offset is the
// circular mean of the per-point errors and accuracy is their mean resultant
// length, so a consistent error gives accuracy near 1 whatever its size.
func Calibrate(points []CalibrationPoint, now time.Time) Calibration {
	c := Calibration{CalibrationPoints: len(points), CalibrationTime: now}
	if len(points) == 0 {
		return c
	}

	var sinSum, cosSum float64
	for _, p := range points {
		rad := NormalizeDifference(p.CompassBearing-p.ReferenceBearing) * math.Pi / 180
		sinSum += math.Sin(rad)
		cosSum += math.Cos(rad)
	}
	n := float64(len(points))
	c.CompassOffset = NormalizeDifference(math.Atan2(sinSum, cosSum) * 180 / math.Pi)
	c.Accuracy = geodesy.Clamp01(math.Hypot(sinSum, cosSum) / n)

	// Unwrap each reading next to its reference so 359 vs 1 correlates as neighbours
	refs := make([]float64, len(points))
	readings := make([]float64, len(points))
	for i, p := range points {
		refs[i] = p.ReferenceBearing
		readings[i] = p.ReferenceBearing + NormalizeDifference(p.CompassBearing-p.ReferenceBearing)
	}
	c.BearingCorrelation = pearson(refs, readings)

	c.IsValid = len(points) >= minCalibrationPoints && c.Accuracy >= minCalibrationAcc
	return c
}

// pearson returns 0 when either series has no variance
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var cov, vx, vy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, cov/math.Sqrt(vx*vy)))
}
