// Package telemetry defines the raw cellular and orientation inputs consumed by
// the analysis core, and the sources that produce them
package telemetry

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// ErrNoResponse is returned when a telemetry device does not answer a query
var ErrNoResponse = errors.New("telemetry device did not respond")

// CellScan is a single transmitter as reported by the platform radio
type CellScan struct {
	SignalStrengthDbm int   `json:"signalStrengthDbm"` // RSRP or RSSI in dBm (negative)
	RawFrequencyCode  int   `json:"rawFrequencyCode"`  // EARFCN-like channel code
	TowerIdentifier   int64 `json:"towerIdentifier"`   // Cell id, or a hash when the cell id is unknown
	IsServing         bool  `json:"isServing"`         // True for the cell the device is attached to
}

// Reading is one complete telemetry read
type Reading struct {
	Cells             []CellScan `json:"cells"`
	ServingSignalDbm  int        `json:"servingSignalDbm"`  // Baseline signal reading for SNR estimation
	CompetingNetworks int        `json:"competingNetworks"` // Co-located WiFi access points seen
	Timestamp         time.Time  `json:"timestamp"`
}

// Serving returns the serving cell of the reading, if one was reported
func (r *Reading) Serving() (CellScan, bool) {
	for _, c := range r.Cells {
		if c.IsServing {
			return c, true
		}
	}
	return CellScan{}, false
}

// Source produces telemetry readings on demand
type Source interface {
	Name() string
	Read(ctx context.Context) (*Reading, error)
	Close() error
}

// BearingEstimator assigns a bearing to a transmitter that has no known location
type BearingEstimator interface {
	EstimateBearing(cell CellScan) float64
}

// Rand is the randomness capability used by simulated measurements.
// *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// HashIdentifier derives a stable tower identifier from a channel code and a
// physical cell id when the network does not report a global cell id
func HashIdentifier(channel, pci int) int64 {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(channel >> (8 * i))
		buf[4+i] = byte(pci >> (8 * i))
	}
	h.Write(buf[:])
	return int64(h.Sum32())
}
