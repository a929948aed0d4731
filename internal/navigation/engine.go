// Package navigation turns live orientation samples and a target bearing into turn
// guidance, tracking one navigation session at a time.
package navigation

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tower-locator/internal/telemetry"
)

var (
	// ErrInactive is returned by Tick when no session is running; the sample is discarded
	ErrInactive = errors.New("navigation session is not active")
	// ErrNoTarget is returned by Tick before a target has been set; orientation is still recorded
	ErrNoTarget = errors.New("navigation target not set")
)

// Status strings
const (
	StatusIdle             = "Idle"
	StatusWaitingForTarget = "Waiting for target"
	StatusNavigating       = "Navigating"
	StatusStopped          = "Stopped"
)

// Config holds the engine settings
type Config struct {
	Tolerance            float64 `yaml:"tolerance" mapstructure:"tolerance"`                           // On-target window in degrees
	LowAccuracyThreshold float64 `yaml:"low_accuracy_threshold" mapstructure:"low_accuracy_threshold"` // Compass accuracy counted as low
	LowAccuracyTicks     int     `yaml:"low_accuracy_ticks" mapstructure:"low_accuracy_ticks"`         // Consecutive low ticks before recalibration is requested
	ApplyCalibration     bool    `yaml:"apply_calibration" mapstructure:"apply_calibration"`           // Subtract the calibrated offset from compass readings
}

// DefaultConfig returns the default engine settings
func DefaultConfig() Config {
	return Config{
		Tolerance:            DefaultTolerance,
		LowAccuracyThreshold: 0.3,
		LowAccuracyTicks:     20,
		ApplyCalibration:     true,
	}
}

// Session is a point-in-time copy of the navigation state
type Session struct {
	ID               string
	IsActive         bool
	Orientation      *Orientation
	Direction        *Direction
	Target           *Target
	StartedAt        time.Time
	Duration         time.Duration
	TowersFound      int
	Status           string
	NeedsCalibration bool
}

// MarshalJSON encodes the session with millisecond durations and timestamps
func (s Session) MarshalJSON() ([]byte, error) {
	var started int64
	if !s.StartedAt.IsZero() {
		started = s.StartedAt.UnixMilli()
	}
	return json.Marshal(struct {
		ID               string       `json:"id,omitempty"`
		IsActive         bool         `json:"isActive"`
		Orientation      *Orientation `json:"orientation"`
		Direction        *Direction   `json:"towerDirection"`
		Target           *Target      `json:"target"`
		StartedAt        int64        `json:"startedAt"`
		Duration         int64        `json:"sessionDuration"`
		TowersFound      int          `json:"towersFound"`
		Status           string       `json:"status"`
		NeedsCalibration bool         `json:"needsCalibration"`
	}{s.ID, s.IsActive, s.Orientation, s.Direction, s.Target, started, s.Duration.Milliseconds(),
		s.TowersFound, s.Status, s.NeedsCalibration})
}

// Engine is the navigation state machine. All state transitions and ticks are
// serialized by a single mutex, so a tick racing Stop either completes against the
// active session or returns ErrInactive.
type Engine struct {
	config Config
	now    func() time.Time

	mu          sync.Mutex
	active      bool
	id          string
	startedAt   time.Time
	stoppedAt   time.Time
	orientation *Orientation
	direction   *Direction
	target      *Target
	found       map[int64]struct{}
	lowTicks    int
	needsCal    bool
	calibration *Calibration
	status      string
}

// NewEngine creates an idle engine. A nil clock uses time.Now.
func NewEngine(cfg Config, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	return &Engine{
		config: cfg,
		now:    clock,
		found:  make(map[int64]struct{}),
		status: StatusIdle,
	}
}

// Start activates a new session. towersFound and the low-accuracy counter reset;
// a pending recalibration request survives until a valid calibration is recorded.
// Starting an active engine restarts the session.
func (e *Engine) Start() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = true
	e.id = uuid.New().String()
	e.startedAt = e.now()
	e.stoppedAt = time.Time{}
	e.found = make(map[int64]struct{})
	e.lowTicks = 0
	e.direction = nil
	if e.target == nil {
		e.status = StatusWaitingForTarget
	} else {
		e.status = StatusNavigating
	}
	return e.id
}

// Stop deactivates the session, keeping the last orientation and direction for display
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	e.active = false
	e.stoppedAt = e.now()
	e.status = StatusStopped
}

// IsActive reports whether a session is running
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SetTarget replaces the navigation target
func (e *Engine) SetTarget(t Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target = &t
}

// ClearTarget drops the target after a scan that resolved no towers, so guidance
// stops steering toward a tower that is no longer heard
func (e *Engine) ClearTarget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target = nil
	e.direction = nil
	if e.active {
		e.status = StatusWaitingForTarget
	}
}

// SetTolerance changes the on-target window; non-positive values are ignored
func (e *Engine) SetTolerance(deg float64) {
	if deg <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.Tolerance = deg
}

// Tick processes one orientation sample against the current target
func (e *Engine) Tick(sample telemetry.OrientationSample) (*Direction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return nil, ErrInactive
	}

	o := OrientationFromSample(sample)
	e.orientation = &o
	e.trackAccuracy(o.CompassAccuracy)

	if e.target == nil {
		e.status = StatusWaitingForTarget
		return nil, ErrNoTarget
	}

	heading := o.CompassBearing
	if e.config.ApplyCalibration && e.calibration != nil && e.calibration.IsValid {
		heading = e.calibration.Correct(heading)
	}

	d := ComputeDirection(*e.target, heading, e.config.Tolerance)
	e.direction = &d
	e.status = d.Instruction

	if d.IsOnTarget {
		e.found[d.TowerID] = struct{}{}
	}

	out := d
	return &out, nil
}

func (e *Engine) trackAccuracy(accuracy float64) {
	if accuracy >= e.config.LowAccuracyThreshold {
		e.lowTicks = 0
		return
	}
	e.lowTicks++
	if e.config.LowAccuracyTicks > 0 && e.lowTicks >= e.config.LowAccuracyTicks {
		e.needsCal = true
	}
}

// RecordCalibration stores a calibration. Only a valid one clears the recalibration
// request and is applied to headings; it reports whether the calibration was accepted.
func (e *Engine) RecordCalibration(c Calibration) bool {
	if !c.IsValid {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calibration = &c
	e.needsCal = false
	e.lowTicks = 0
	return true
}

// Calibration returns the active calibration, if any
func (e *Engine) Calibration() (Calibration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calibration == nil {
		return Calibration{}, false
	}
	return *e.calibration, true
}

// Session returns a snapshot of the current session
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Session{
		ID:               e.id,
		IsActive:         e.active,
		StartedAt:        e.startedAt,
		TowersFound:      len(e.found),
		Status:           e.status,
		NeedsCalibration: e.needsCal,
	}
	switch {
	case e.active:
		s.Duration = e.now().Sub(e.startedAt)
	case !e.stoppedAt.IsZero():
		s.Duration = e.stoppedAt.Sub(e.startedAt)
	}
	if e.orientation != nil {
		o := *e.orientation
		s.Orientation = &o
	}
	if e.direction != nil {
		d := *e.direction
		s.Direction = &d
	}
	if e.target != nil {
		t := *e.target
		s.Target = &t
	}
	return s
}
