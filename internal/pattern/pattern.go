// Package pattern summarises (bearing, signal strength) samples into a
// directional signal pattern
package pattern

import (
	"errors"
	"fmt"
	"math"

	"tower-locator/internal/geodesy"
)

// ErrInvalidInput indicates the sample sequences are empty or of different lengths
var ErrInvalidInput = errors.New("invalid signal pattern input")

// DegenerateDirectionalityIndex is reported when the mean signal strength is 0 dBm,
// where the coefficient of variation is undefined. It maps to quality 0.
const DegenerateDirectionalityIndex = 2.0

// SignalPattern describes how signal strength varies across the sampled bearings
type SignalPattern struct {
	SignalStrengths     []int     `json:"signalStrengths"`     // dBm, parallel to Bearings
	Bearings            []float64 `json:"bearings"`            // Degrees, parallel to SignalStrengths
	PeakBearing         float64   `json:"peakBearing"`         // Bearing of the strongest sample
	PeakStrength        int       `json:"peakStrength"`        // Strongest sample in dBm
	DirectionalityIndex float64   `json:"directionalityIndex"` // Std-dev / |mean| of strengths
	Quality             float64   `json:"quality"`             // 0..1, higher for flatter readings
	Degenerate          bool      `json:"degenerate"`          // Mean strength was zero
}

// FromMeasurements builds a signal pattern from parallel strength and bearing samples
func FromMeasurements(strengths []int, bearings []float64) (*SignalPattern, error) {
	if len(strengths) == 0 || len(bearings) == 0 {
		return nil, fmt.Errorf("%w: at least one (bearing, strength) pair is required", ErrInvalidInput)
	}
	if len(strengths) != len(bearings) {
		return nil, fmt.Errorf("%w: %d strengths but %d bearings", ErrInvalidInput, len(strengths), len(bearings))
	}

	// First occurrence wins ties
	peak := 0
	sum := 0.0
	for i, s := range strengths {
		if s > strengths[peak] {
			peak = i
		}
		sum += float64(s)
	}
	mean := sum / float64(len(strengths))

	variance := 0.0
	for _, s := range strengths {
		d := float64(s) - mean
		variance += d * d
	}
	variance /= float64(len(strengths))

	p := &SignalPattern{
		SignalStrengths: append([]int(nil), strengths...),
		Bearings:        append([]float64(nil), bearings...),
		PeakBearing:     geodesy.NormalizeBearing(bearings[peak]),
		PeakStrength:    strengths[peak],
	}

	if mean == 0 {
		p.Degenerate = true
		p.DirectionalityIndex = DegenerateDirectionalityIndex
	} else {
		// dBm values are negative, so the index is taken against |mean|
		p.DirectionalityIndex = math.Sqrt(variance) / math.Abs(mean)
	}
	p.Quality = geodesy.Clamp01(1 - p.DirectionalityIndex/2)

	return p, nil
}

// Len returns the number of samples in the pattern
func (p *SignalPattern) Len() int {
	if p == nil {
		return 0
	}
	return len(p.SignalStrengths)
}
