package tower

import (
	"time"

	"tower-locator/internal/geodesy"
	"tower-locator/internal/telemetry"
)

// KnownTower is a transmitter whose location has been surveyed by the user
type KnownTower struct {
	ID       int64
	Location geodesy.Coordinate
}

// Resolver assigns bearings (and, where possible, geodesic distances) to scanned cells
type Resolver struct {
	known    map[int64]geodesy.Coordinate
	fallback telemetry.BearingEstimator
}

// NewResolver creates a resolver over the surveyed towers. fallback supplies
// bearings for towers with no known location and may be nil.
func NewResolver(known []KnownTower, fallback telemetry.BearingEstimator) *Resolver {
	r := &Resolver{
		known:    make(map[int64]geodesy.Coordinate, len(known)),
		fallback: fallback,
	}
	for _, k := range known {
		r.known[k.ID] = k.Location
	}
	return r
}

// Bearing returns the bearing toward a cell. A surveyed tower with no device
// location yields 0.
func (r *Resolver) Bearing(cell telemetry.CellScan, device *geodesy.Coordinate) float64 {
	if loc, ok := r.known[cell.TowerIdentifier]; ok {
		if device == nil {
			return 0
		}
		return geodesy.Bearing(*device, loc)
	}
	if r.fallback == nil {
		return 0
	}
	return geodesy.NormalizeBearing(r.fallback.EstimateBearing(cell))
}

// Observe converts a cell scan into an observation. Surveyed towers seen from a
// known device location use the geodesic distance instead of the path-loss estimate.
func (r *Resolver) Observe(cell telemetry.CellScan, device *geodesy.Coordinate, timestamp time.Time) Observation {
	obs := FromScan(cell, r.Bearing(cell, device), timestamp)

	if loc, ok := r.known[cell.TowerIdentifier]; ok && device != nil {
		obs.Distance = geodesy.ClampDistance(geodesy.Distance(*device, loc))
	}

	return obs
}

// ObserveAll converts every cell of a reading and removes duplicate tower ids
func (r *Resolver) ObserveAll(reading *telemetry.Reading, device *geodesy.Coordinate) []Observation {
	if reading == nil {
		return nil
	}

	observations := make([]Observation, 0, len(reading.Cells))
	for _, cell := range reading.Cells {
		observations = append(observations, r.Observe(cell, device, reading.Timestamp))
	}
	return Dedupe(observations)
}
