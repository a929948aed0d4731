// Package hunting records (bearing, signal) probes while the user sweeps for a tower
package hunting

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tower-locator/internal/geodesy"
	"tower-locator/internal/pattern"
)

// ErrNotHunting is returned by Probe while the session is idle; the probe is not recorded
var ErrNotHunting = errors.New("hunting session is not active")

// State is the session mode
type State string

const (
	Idle    State = "idle"
	Hunting State = "hunting"
)

// Config controls history retention
type Config struct {
	MaxSamples int `yaml:"max_samples" mapstructure:"max_samples"` // History cap, oldest dropped first; 0 keeps everything
}

// DefaultConfig caps history at one hour of 10 Hz probes
func DefaultConfig() Config {
	return Config{MaxSamples: 36000}
}

// Sample is one recorded probe
type Sample struct {
	Bearing        float64
	SignalStrength int
	Timestamp      time.Time
}

// MarshalJSON encodes the sample with an epoch-millisecond timestamp
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Bearing        float64 `json:"bearing"`
		SignalStrength int     `json:"signalStrength"`
		Timestamp      int64   `json:"timestamp"`
	}{s.Bearing, s.SignalStrength, s.Timestamp.UnixMilli()})
}

// Status is a snapshot of the session without its history
type Status struct {
	ID        string
	State     State
	Samples   int
	StartedAt time.Time
	StoppedAt time.Time
}

// MarshalJSON encodes the status with epoch-millisecond times, 0 when unset
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string `json:"id,omitempty"`
		State     State  `json:"state"`
		Samples   int    `json:"samples"`
		StartedAt int64  `json:"startedAt"`
		StoppedAt int64  `json:"stoppedAt"`
	}{s.ID, s.State, s.Samples, epochMilli(s.StartedAt), epochMilli(s.StoppedAt)})
}

func epochMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Session is a toggleable probe recorder. It is safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	state     State
	id        string
	startedAt time.Time
	stoppedAt time.Time
	ring      *ringBuffer[Sample] // nil when unbounded
	history   []Sample
	now       func() time.Time
}

// NewSession creates an idle session
func NewSession(cfg Config) *Session {
	s := &Session{state: Idle, now: time.Now}
	if cfg.MaxSamples > 0 {
		s.ring = newRingBuffer[Sample](cfg.MaxSamples)
	}
	return s
}

// Start clears the history and begins recording. It returns the new session id.
func (s *Session) Start() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ring != nil {
		s.ring.reset()
	}
	s.history = nil
	s.id = uuid.New().String()
	s.state = Hunting
	s.startedAt = s.now()
	s.stoppedAt = time.Time{}
	return s.id
}

// Stop ends recording; the history stays available until the next Start
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Hunting {
		return
	}
	s.state = Idle
	s.stoppedAt = s.now()
}

// IsHunting reports whether probes are being recorded
func (s *Session) IsHunting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Hunting
}

// Probe records the signal measured at a bearing
func (s *Session) Probe(bearing float64, signalDbm int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Hunting {
		return ErrNotHunting
	}

	sample := Sample{
		Bearing:        geodesy.NormalizeBearing(bearing),
		SignalStrength: signalDbm,
		Timestamp:      s.now(),
	}
	if s.ring != nil {
		s.ring.push(sample)
	} else {
		s.history = append(s.history, sample)
	}
	return nil
}

// History returns a copy of the recorded samples, oldest first
func (s *Session) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ring != nil {
		return s.ring.all()
	}
	return append([]Sample{}, s.history...)
}

// Len returns the number of recorded samples
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ring != nil {
		return s.ring.len()
	}
	return len(s.history)
}

// Pattern builds a signal pattern from the history. It wraps pattern.ErrInvalidInput
// when nothing has been recorded.
func (s *Session) Pattern() (*pattern.SignalPattern, error) {
	return PatternOf(s.History())
}

// PatternOf builds a signal pattern from recorded samples
func PatternOf(samples []Sample) (*pattern.SignalPattern, error) {
	strengths := make([]int, len(samples))
	bearings := make([]float64, len(samples))
	for i, sm := range samples {
		strengths[i] = sm.SignalStrength
		bearings[i] = sm.Bearing
	}
	return pattern.FromMeasurements(strengths, bearings)
}

// Status returns the session state without copying its history
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.history)
	if s.ring != nil {
		n = s.ring.len()
	}
	return Status{
		ID:        s.id,
		State:     s.state,
		Samples:   n,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
	}
}
