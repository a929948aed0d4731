// Package tower turns raw cell telemetry into bearing/distance/confidence
// observations of individual transmitters
package tower

import (
	"encoding/json"
	"time"

	"tower-locator/internal/geodesy"
	"tower-locator/internal/telemetry"
)

// Confidence weighting for neighbour cells, whose measurements are less reliable
// than the serving cell's
const neighbourConfidenceWeight = 0.8

// Observation is one transmitter as seen in a single telemetry read
type Observation struct {
	Bearing        float64   // Degrees from north, [0, 360)
	Distance       float64   // Meters, clamped to the plausible tower range
	Confidence     float64   // 0..1
	SignalStrength int       // dBm
	TowerID        int64     // Stable identifier used for de-duplication
	FrequencyMHz   float64   // Normalized downlink frequency
	IsServing      bool      // True for the serving cell
	Timestamp      time.Time // Time of the telemetry read
}

// observationJSON is the export wire shape, with epoch-millisecond timestamps
type observationJSON struct {
	Bearing        float64 `json:"bearing"`
	Distance       float64 `json:"distance"`
	Confidence     float64 `json:"confidence"`
	SignalStrength int     `json:"signalStrength"`
	TowerID        int64   `json:"towerId"`
	FrequencyMHz   float64 `json:"frequencyMHz"`
	IsServing      bool    `json:"isServing"`
	Timestamp      int64   `json:"timestamp"`
}

// MarshalJSON encodes the observation with an epoch-millisecond timestamp
func (o Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(observationJSON{
		Bearing:        o.Bearing,
		Distance:       o.Distance,
		Confidence:     o.Confidence,
		SignalStrength: o.SignalStrength,
		TowerID:        o.TowerID,
		FrequencyMHz:   o.FrequencyMHz,
		IsServing:      o.IsServing,
		Timestamp:      o.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON decodes the epoch-millisecond wire shape
func (o *Observation) UnmarshalJSON(data []byte) error {
	var raw observationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Observation{
		Bearing:        raw.Bearing,
		Distance:       raw.Distance,
		Confidence:     raw.Confidence,
		SignalStrength: raw.SignalStrength,
		TowerID:        raw.TowerID,
		FrequencyMHz:   raw.FrequencyMHz,
		IsServing:      raw.IsServing,
		Timestamp:      time.UnixMilli(raw.Timestamp),
	}
	return nil
}

// FromScan builds an observation from one cell scan and the bearing assigned to it
func FromScan(cell telemetry.CellScan, bearing float64, timestamp time.Time) Observation {
	freqMHz := geodesy.FrequencyFromChannel(cell.RawFrequencyCode)

	confidence := geodesy.Clamp01(float64(cell.SignalStrengthDbm+120) / 50)
	if !cell.IsServing {
		confidence *= neighbourConfidenceWeight
	}

	return Observation{
		Bearing:        geodesy.NormalizeBearing(bearing),
		Distance:       geodesy.EstimateDistanceFromSignal(cell.SignalStrengthDbm, freqMHz*1e6),
		Confidence:     confidence,
		SignalStrength: cell.SignalStrengthDbm,
		TowerID:        cell.TowerIdentifier,
		FrequencyMHz:   freqMHz,
		IsServing:      cell.IsServing,
		Timestamp:      timestamp,
	}
}

// Dedupe keeps one observation per tower id, preferring the newest, in order of
// first appearance
func Dedupe(observations []Observation) []Observation {
	index := make(map[int64]int, len(observations))
	result := make([]Observation, 0, len(observations))

	for _, o := range observations {
		if i, seen := index[o.TowerID]; seen {
			if !o.Timestamp.Before(result[i].Timestamp) {
				result[i] = o
			}
			continue
		}
		index[o.TowerID] = len(result)
		result = append(result, o)
	}

	return result
}
