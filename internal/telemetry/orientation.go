package telemetry

import (
	"context"
	"math"
	"sync"
	"time"
)

// OrientationSample is one raw motion-sensor sample from the device
type OrientationSample struct {
	Accelerometer     [3]float64 `json:"accelerometer"`     // m/s², device frame
	Gyroscope         [3]float64 `json:"gyroscope"`         // rad/s, device frame
	CompassBearingDeg float64    `json:"compassBearingDeg"` // Magnetic heading in degrees
	CompassAccuracy   float64    `json:"compassAccuracy"`   // 0 (unreliable) .. 1 (high)
	Timestamp         time.Time  `json:"timestamp"`
}

// OrientationSource delivers orientation samples at the sensor cadence
type OrientationSource interface {
	Next(ctx context.Context) (OrientationSample, error)
}

// SweepOrientation simulates a user slowly turning in place while holding the
// device upright
type SweepOrientation struct {
	mu       sync.Mutex
	heading  float64
	step     float64       // Degrees turned per sample
	interval time.Duration // Delay between samples
	accuracy float64
}

// NewSweepOrientation creates a simulated orientation source starting at
// startHeading and turning step degrees every interval
func NewSweepOrientation(startHeading, step float64, interval time.Duration, accuracy float64) *SweepOrientation {
	return &SweepOrientation{
		heading:  startHeading,
		step:     step,
		interval: interval,
		accuracy: accuracy,
	}
}

// Next waits one interval and returns the next simulated sample
func (s *SweepOrientation) Next(ctx context.Context) (OrientationSample, error) {
	if s.interval > 0 {
		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return OrientationSample{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return OrientationSample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sample := OrientationSample{
		Accelerometer:     [3]float64{0, 0, 9.81},
		Gyroscope:         [3]float64{0, 0, s.step * math.Pi / 180},
		CompassBearingDeg: s.heading,
		CompassAccuracy:   s.accuracy,
		Timestamp:         time.Now(),
	}

	s.heading += s.step
	for s.heading >= 360 {
		s.heading -= 360
	}
	for s.heading < 0 {
		s.heading += 360
	}

	return sample, nil
}
