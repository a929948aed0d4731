// Package advisor turns an environment analysis into a ranked optimization report
package advisor

import (
	"encoding/json"
	"fmt"
	"time"

	"tower-locator/internal/environment"
)

// Quality is the coarse environment tier
type Quality string

const (
	Excellent Quality = "Excellent"
	Good      Quality = "Good"
	Fair      Quality = "Fair"
	Poor      Quality = "Poor"
)

// Tier cut points on environmentQuality. Each bound is exclusive.
const (
	excellentAbove = 0.8
	goodAbove      = 0.6
	fairAbove      = 0.4

	// HighInterference is the level above which an interference recommendation is added
	HighInterference = 0.6
)

// Estimated improvement per tier, in dB
var tierImprovementDb = map[Quality]int{
	Excellent: 0,
	Good:      5,
	Fair:      10,
	Poor:      15,
}

const interferenceImprovementDb = 5

// Technical detail keys
const (
	DetailSNR                   = "snr"
	DetailInterferenceLevel     = "interferenceLevel"
	DetailEnvironmentQuality    = "environmentQuality"
	DetailTowerCount            = "towerCount"
	DetailStrongestTowerBearing = "strongestTowerBearing"
	DetailDirectionalityIndex   = "directionalityIndex"
)

// Report is the optimization advice derived from one analysis
type Report struct {
	CurrentQuality         Quality
	Recommendations        []string // Priority order, general before specific
	OptimalOrientation     *float64
	EstimatedImprovementDb int
	TechnicalDetails       map[string]any
	Timestamp              time.Time
}

// TierFor partitions [0, 1] into the four quality tiers
func TierFor(quality float64) Quality {
	switch {
	case quality > excellentAbove:
		return Excellent
	case quality > goodAbove:
		return Good
	case quality > fairAbove:
		return Fair
	default:
		return Poor
	}
}

// FromAnalysis derives a report. A nil analysis yields a Poor report with no orientation.
func FromAnalysis(a *environment.Analysis) *Report {
	if a == nil {
		a = &environment.Analysis{}
	}

	tier := TierFor(a.EnvironmentQuality)
	r := &Report{
		CurrentQuality:         tier,
		Recommendations:        []string{},
		EstimatedImprovementDb: tierImprovementDb[tier],
		TechnicalDetails:       technicalDetails(a),
		Timestamp:              a.Timestamp,
	}

	if len(a.NearbyTowers) > 0 {
		bearing := a.OptimalBearing
		r.OptimalOrientation = &bearing
	}

	toward := fmt.Sprintf("Point the device toward %.0f° for the strongest signal", a.OptimalBearing)
	switch tier {
	case Good:
		r.Recommendations = append(r.Recommendations, toward)
	case Fair:
		r.Recommendations = append(r.Recommendations,
			toward,
			"Check for obstructions such as walls, metal surfaces or vehicles between the device and the tower",
		)
	case Poor:
		r.Recommendations = append(r.Recommendations,
			toward,
			"Move to a different location, ideally higher or near a window, to reduce interference",
			"Check that the device supports the frequency bands used by nearby towers",
		)
	}

	if a.InterferenceLevel > HighInterference {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("High interference (%.0f%%): move away from crowded WiFi areas and other electronics", a.InterferenceLevel*100),
		)
		r.EstimatedImprovementDb += interferenceImprovementDb
	}

	return r
}

func technicalDetails(a *environment.Analysis) map[string]any {
	details := map[string]any{
		DetailSNR:                   a.SignalToNoiseRatio,
		DetailInterferenceLevel:     a.InterferenceLevel,
		DetailEnvironmentQuality:    a.EnvironmentQuality,
		DetailTowerCount:            len(a.NearbyTowers),
		DetailStrongestTowerBearing: nil,
		DetailDirectionalityIndex:   nil,
	}
	if strongest := a.StrongestTower(); strongest != nil {
		details[DetailStrongestTowerBearing] = strongest.Bearing
	}
	if a.SignalPattern != nil {
		details[DetailDirectionalityIndex] = a.SignalPattern.DirectionalityIndex
	}
	return details
}

// MarshalJSON encodes the report with an epoch-millisecond timestamp
func (r Report) MarshalJSON() ([]byte, error) {
	recs := r.Recommendations
	if recs == nil {
		recs = []string{}
	}
	return json.Marshal(struct {
		CurrentQuality         Quality        `json:"currentQuality"`
		Recommendations        []string       `json:"recommendations"`
		OptimalOrientation     *float64       `json:"optimalOrientation"`
		EstimatedImprovementDb int            `json:"estimatedImprovementDb"`
		TechnicalDetails       map[string]any `json:"technicalDetails"`
		Timestamp              int64          `json:"timestamp"`
	}{
		CurrentQuality:         r.CurrentQuality,
		Recommendations:        recs,
		OptimalOrientation:     r.OptimalOrientation,
		EstimatedImprovementDb: r.EstimatedImprovementDb,
		TechnicalDetails:       r.TechnicalDetails,
		Timestamp:              r.Timestamp.UnixMilli(),
	})
}
