// Package geodesy provides the bearing, distance and path-loss helpers shared by
// every stage of tower analysis
package geodesy

import (
	"math"
)

// EarthRadiusM is the mean Earth radius used for great-circle calculations (meters)
const EarthRadiusM = 6371000.0

const (
	MinTowerDistanceM     = 100.0   // Closest plausible distance to a cell tower
	MaxTowerDistanceM     = 35000.0 // Farthest plausible distance to a serving/neighbour cell
	DefaultTowerDistanceM = 1000.0  // Returned when the carrier frequency is unusable

	MinFrequencyMHz      = 400.0  // Lowest plausible cellular downlink frequency
	MaxFrequencyMHz      = 6000.0 // Highest plausible cellular downlink frequency
	FallbackFrequencyMHz = 1800.0 // Representative band 3 downlink frequency

	fsplConstantDb = 32.45 // FSPL constant for d in km and f in MHz
)

// Coordinate represents a geographic position in decimal degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// NormalizeBearing maps any angle in degrees onto [0, 360)
func NormalizeBearing(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	b := math.Mod(deg, 360)
	if b < 0 {
		b += 360
	}
	// math.Mod of a tiny negative value plus 360 can round up to exactly 360; -0 folds to 0
	if b >= 360 || b == 0 {
		b = 0
	}
	return b
}

// Bearing returns the initial great-circle bearing from a to b in degrees [0, 360)
func Bearing(a, b Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)

	return NormalizeBearing(toDegrees(math.Atan2(y, x)) + 360)
}

// Distance calculates the haversine great-circle distance between two coordinates in meters
func Distance(a, b Coordinate) float64 {
	lat1Rad := toRadians(a.Latitude)
	lat2Rad := toRadians(b.Latitude)
	deltaLatRad := toRadians(b.Latitude - a.Latitude)
	deltaLonRad := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(deltaLatRad/2)*math.Sin(deltaLatRad/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLonRad/2)*math.Sin(deltaLonRad/2)
	// Rounding can push h marginally outside [0, 1] for antipodal points
	h = math.Min(math.Max(h, 0), 1)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusM * c
}

// Destination returns the point reached by travelling distanceM meters from origin
// along the given initial bearing
func Destination(origin Coordinate, bearingDeg, distanceM float64) Coordinate {
	lat1 := toRadians(origin.Latitude)
	lon1 := toRadians(origin.Longitude)
	brng := toRadians(bearingDeg)
	delta := distanceM / EarthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(
		math.Sin(brng)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	lon := math.Mod(toDegrees(lon2)+540, 360) - 180
	return Coordinate{Latitude: toDegrees(lat2), Longitude: lon}
}

// EstimateDistanceFromSignal inverts a simplified free-space path-loss model
//
//	FSPL(dB) = 20·log10(d_km) + 20·log10(f_MHz) + 32.45
//
// taking |signalStrengthDbm| as the path loss. The result is clamped to the
// plausible tower range [MinTowerDistanceM, MaxTowerDistanceM].
func EstimateDistanceFromSignal(signalStrengthDbm int, frequencyHz float64) float64 {
	if frequencyHz <= 0 || math.IsNaN(frequencyHz) {
		return DefaultTowerDistanceM
	}

	freqMHz := frequencyHz / 1e6
	if freqMHz < MinFrequencyMHz || freqMHz > MaxFrequencyMHz {
		freqMHz = FallbackFrequencyMHz
	}

	pathLoss := math.Abs(float64(signalStrengthDbm))
	exponent := (pathLoss - 20*math.Log10(freqMHz) - fsplConstantDb) / 20
	distanceM := math.Pow(10, exponent) * 1000

	return ClampDistance(distanceM)
}

// ClampDistance limits a distance estimate to the plausible tower range
func ClampDistance(distanceM float64) float64 {
	if math.IsNaN(distanceM) {
		return DefaultTowerDistanceM
	}
	return math.Min(math.Max(distanceM, MinTowerDistanceM), MaxTowerDistanceM)
}

// Clamp01 limits a quality/confidence style scalar to [0, 1]
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
