// Package environment aggregates tower observations and a signal pattern into a
// snapshot of the surrounding RF environment
package environment

import (
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"tower-locator/internal/geodesy"
	"tower-locator/internal/pattern"
	"tower-locator/internal/tower"
)

// Signal tier thresholds in dBm
const (
	ExcellentSignalDbm = -70
	GoodSignalDbm      = -85
	FairSignalDbm      = -100
)

// minNoiseFloor keeps the SNR denominator positive whatever the jitter settings
const minNoiseFloor = 0.5

// Rand is the randomness capability used for measurement jitter.
// *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Config holds the noise model parameters
type Config struct {
	NoiseFloor             float64 `yaml:"noise_floor" mapstructure:"noise_floor"`                           // Baseline noise floor estimate
	NoiseJitter            float64 `yaml:"noise_jitter" mapstructure:"noise_jitter"`                         // Max ± jitter applied to the noise floor
	InterferencePerNetwork float64 `yaml:"interference_per_network" mapstructure:"interference_per_network"` // Interference added per competing network
	InterferenceJitter     float64 `yaml:"interference_jitter" mapstructure:"interference_jitter"`           // Max jitter added to interference
}

// DefaultConfig returns the noise model used when nothing is configured
func DefaultConfig() Config {
	return Config{
		NoiseFloor:             10.0,
		NoiseJitter:            2.0,
		InterferencePerNetwork: 0.05,
		InterferenceJitter:     0.1,
	}
}

// Input is everything one analysis run needs
type Input struct {
	Towers            []tower.Observation
	Pattern           *pattern.SignalPattern
	CurrentSignalDbm  int // Baseline serving signal; 0 means no reading
	CompetingNetworks int // Co-located WiFi access points
	Timestamp         time.Time
}

// Analysis is a snapshot of the RF environment
type Analysis struct {
	NearbyTowers       []tower.Observation
	SignalPattern      *pattern.SignalPattern
	OptimalBearing     float64
	SignalToNoiseRatio float64
	InterferenceLevel  float64
	EnvironmentQuality float64
	Timestamp          time.Time
}

// StrongestTower returns the observation with the highest signal strength, or nil
func (a *Analysis) StrongestTower() *tower.Observation {
	if a == nil || len(a.NearbyTowers) == 0 {
		return nil
	}
	best := 0
	for i, t := range a.NearbyTowers {
		if t.SignalStrength > a.NearbyTowers[best].SignalStrength {
			best = i
		}
	}
	strongest := a.NearbyTowers[best]
	return &strongest
}

// TowersByStrength returns the towers sorted by descending signal strength,
// keeping the original order among equal strengths
func (a *Analysis) TowersByStrength() []tower.Observation {
	if a == nil {
		return nil
	}
	sorted := append([]tower.Observation(nil), a.NearbyTowers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SignalStrength > sorted[j].SignalStrength
	})
	return sorted
}

// MarshalJSON encodes the analysis with an epoch-millisecond timestamp and the
// derived strongest tower
func (a Analysis) MarshalJSON() ([]byte, error) {
	towers := a.NearbyTowers
	if towers == nil {
		towers = []tower.Observation{}
	}
	return json.Marshal(struct {
		NearbyTowers       []tower.Observation    `json:"nearbyTowers"`
		SignalPattern      *pattern.SignalPattern `json:"signalPattern"`
		OptimalBearing     float64                `json:"optimalBearing"`
		SignalToNoiseRatio float64                `json:"signalToNoiseRatio"`
		InterferenceLevel  float64                `json:"interferenceLevel"`
		EnvironmentQuality float64                `json:"environmentQuality"`
		StrongestTower     *tower.Observation     `json:"strongestTower"`
		Timestamp          int64                  `json:"timestamp"`
	}{
		NearbyTowers:       towers,
		SignalPattern:      a.SignalPattern,
		OptimalBearing:     a.OptimalBearing,
		SignalToNoiseRatio: a.SignalToNoiseRatio,
		InterferenceLevel:  a.InterferenceLevel,
		EnvironmentQuality: a.EnvironmentQuality,
		StrongestTower:     a.StrongestTower(),
		Timestamp:          a.Timestamp.UnixMilli(),
	})
}

// Analyzer computes environment snapshots. The jitter terms draw from the
// injected Rand, so a fixed seed gives reproducible output.
type Analyzer struct {
	config Config
	mu     sync.Mutex
	rand   Rand
}

// NewAnalyzer creates an analyzer; a nil Rand is replaced by a time-seeded source
func NewAnalyzer(cfg Config, r Rand) *Analyzer {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Analyzer{config: cfg, rand: r}
}

// NewSeededAnalyzer creates an analyzer with a deterministic jitter source
func NewSeededAnalyzer(cfg Config, seed int64) *Analyzer {
	return NewAnalyzer(cfg, rand.New(rand.NewSource(seed)))
}

// Analyze builds an environment snapshot. An empty tower list is a valid,
// minimal-confidence result with optimal bearing 0.
func (a *Analyzer) Analyze(in Input) *Analysis {
	a.mu.Lock()
	noiseJitter := a.rand.Float64()*2 - 1
	interferenceJitter := a.rand.Float64()
	a.mu.Unlock()

	analysis := &Analysis{
		NearbyTowers:  in.Towers,
		SignalPattern: in.Pattern,
		Timestamp:     in.Timestamp,
	}

	if strongest := analysis.StrongestTower(); strongest != nil {
		analysis.OptimalBearing = strongest.Bearing
	}

	noiseFloor := a.config.NoiseFloor + noiseJitter*a.config.NoiseJitter
	if noiseFloor < minNoiseFloor {
		noiseFloor = minNoiseFloor
	}
	if in.CurrentSignalDbm < 0 {
		analysis.SignalToNoiseRatio = float64(-in.CurrentSignalDbm) / noiseFloor
	}

	networks := in.CompetingNetworks
	if networks < 0 {
		networks = 0
	}
	analysis.InterferenceLevel = geodesy.Clamp01(
		float64(networks)*a.config.InterferencePerNetwork + interferenceJitter*a.config.InterferenceJitter,
	)

	analysis.EnvironmentQuality = geodesy.Clamp01((SignalTierScore(in.CurrentSignalDbm) +
		geodesy.Clamp01(analysis.SignalToNoiseRatio/10) +
		(1 - analysis.InterferenceLevel)) / 3)

	return analysis
}

// SignalTierScore maps a signal reading onto a coarse [0, 1] score. A reading of
// 0 dBm or above means no baseline was available and scores 0.
func SignalTierScore(dbm int) float64 {
	switch {
	case dbm >= 0:
		return 0
	case dbm >= ExcellentSignalDbm:
		return 1.0
	case dbm >= GoodSignalDbm:
		return 0.75
	case dbm >= FairSignalDbm:
		return 0.5
	default:
		return 0.25
	}
}
