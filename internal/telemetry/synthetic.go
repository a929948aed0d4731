package telemetry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// syntheticTower is one simulated transmitter with a fixed true bearing
type syntheticTower struct {
	id         int64
	channel    int
	baseSignal int     // Mean signal strength in dBm
	bearing    float64 // Simulated true bearing from the device
}

// Channels handed out to simulated towers (bands 3, 12, 7, 66, 2)
var syntheticChannels = []int{1575, 5110, 3100, 66536, 850}

// SyntheticSource simulates a handful of towers around the device. All
// randomness comes from the injected Rand so runs are reproducible.
type SyntheticSource struct {
	mu     sync.Mutex
	rand   Rand
	towers []syntheticTower
	wifi   int
	now    func() time.Time
}

// NewSyntheticSource creates a simulated telemetry source with towerCount
// transmitters, seeded for reproducibility
func NewSyntheticSource(seed int64, towerCount int) *SyntheticSource {
	return NewSyntheticSourceWithRand(rand.New(rand.NewSource(seed)), towerCount)
}

// NewSyntheticSourceWithRand creates a simulated source backed by r
func NewSyntheticSourceWithRand(r Rand, towerCount int) *SyntheticSource {
	if towerCount < 0 {
		towerCount = 0
	}

	s := &SyntheticSource{
		rand: r,
		wifi: r.Intn(12),
		now:  time.Now,
	}

	for i := 0; i < towerCount; i++ {
		channel := syntheticChannels[r.Intn(len(syntheticChannels))]
		s.towers = append(s.towers, syntheticTower{
			id:         int64(100000 + r.Intn(900000)),
			channel:    channel,
			baseSignal: -65 - r.Intn(50), // -65 .. -114 dBm
			bearing:    r.Float64() * 360,
		})
	}

	return s
}

// Name identifies the source in logs
func (s *SyntheticSource) Name() string { return "synthetic" }

// Read returns the simulated towers with a few dB of measurement jitter
func (s *SyntheticSource) Read(ctx context.Context) (*Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reading := &Reading{
		CompetingNetworks: s.wifi,
		Timestamp:         s.now(),
	}

	strongest := 0
	for i, t := range s.towers {
		signal := t.baseSignal + s.rand.Intn(7) - 3
		reading.Cells = append(reading.Cells, CellScan{
			SignalStrengthDbm: signal,
			RawFrequencyCode:  t.channel,
			TowerIdentifier:   t.id,
		})
		if i == 0 || signal > reading.Cells[strongest].SignalStrengthDbm {
			strongest = i
		}
	}

	if len(reading.Cells) > 0 {
		reading.Cells[strongest].IsServing = true
		reading.ServingSignalDbm = reading.Cells[strongest].SignalStrengthDbm
	}

	return reading, nil
}

// EstimateBearing returns the simulated bearing of a known synthetic tower, or
// a random bearing for anything else
func (s *SyntheticSource) EstimateBearing(cell CellScan) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.towers {
		if t.id == cell.TowerIdentifier {
			return t.bearing
		}
	}
	return s.rand.Float64() * 360
}

// SignalAt models the signal measured when the device points at bearing:
// strongest toward the serving tower, falling off with angular distance
func (s *SyntheticSource) SignalAt(bearing float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.towers) == 0 {
		return -120
	}

	best := s.towers[0]
	for _, t := range s.towers[1:] {
		if t.baseSignal > best.baseSignal {
			best = t
		}
	}

	diff := bearing - best.bearing
	for diff > 180 {
		diff -= 360
	}
	for diff <= -180 {
		diff += 360
	}
	if diff < 0 {
		diff = -diff
	}

	// Up to 20 dB off-axis loss, plus measurement jitter
	loss := int(diff / 9)
	return best.baseSignal - loss + s.rand.Intn(3) - 1
}

// Close releases nothing for the synthetic source
func (s *SyntheticSource) Close() error { return nil }
