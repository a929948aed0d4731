// Package observability wires Prometheus metrics and OpenTelemetry tracing
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tower-locator/internal/environment"
)

const namespace = "tower_locator"

// Collector bundles the locator's Prometheus metrics
type Collector struct {
	gatherer prometheus.Gatherer

	EnvironmentQuality prometheus.Gauge
	SignalToNoise      prometheus.Gauge
	Interference       prometheus.Gauge
	NearbyTowers       prometheus.Gauge
	AnalysisDuration   prometheus.Histogram

	NavigationTicks *prometheus.CounterVec
	TowersFound     prometheus.Counter
	HuntingProbes   prometheus.Counter
	ScanErrors      *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global registry when nil.
// Registering twice against the same registry returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.EnvironmentQuality, err = registerGauge(reg, "environment_quality", "Composite RF environment quality (0-1) of the latest analysis."); err != nil {
		return nil, err
	}
	if c.SignalToNoise, err = registerGauge(reg, "signal_to_noise_ratio", "Signal-to-noise ratio of the latest analysis."); err != nil {
		return nil, err
	}
	if c.Interference, err = registerGauge(reg, "interference_level", "Estimated interference level (0-1) of the latest analysis."); err != nil {
		return nil, err
	}
	if c.NearbyTowers, err = registerGauge(reg, "nearby_towers", "Number of distinct towers in the latest analysis."); err != nil {
		return nil, err
	}

	c.AnalysisDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_duration_seconds",
		Help:      "Time taken by one scan and analysis pass.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}))
	if err != nil {
		return nil, err
	}

	c.NavigationTicks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "navigation_ticks_total",
		Help:      "Orientation ticks processed by the navigation engine, labeled by on-target state.",
	}, []string{"on_target"}))
	if err != nil {
		return nil, err
	}

	if c.TowersFound, err = registerCounter(reg, "navigation_towers_found_total", "Distinct towers brought on target across navigation sessions."); err != nil {
		return nil, err
	}
	if c.HuntingProbes, err = registerCounter(reg, "hunting_probes_total", "Bearing probes recorded by hunting sessions."); err != nil {
		return nil, err
	}

	c.ScanErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_errors_total",
		Help:      "Failed telemetry or location reads, labeled by source.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes the /metrics endpoint
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordAnalysis updates the environment gauges. Safe on a nil collector.
func (c *Collector) RecordAnalysis(a *environment.Analysis, took time.Duration) {
	if c == nil || a == nil {
		return
	}
	c.EnvironmentQuality.Set(a.EnvironmentQuality)
	c.SignalToNoise.Set(a.SignalToNoiseRatio)
	c.Interference.Set(a.InterferenceLevel)
	c.NearbyTowers.Set(float64(len(a.NearbyTowers)))
	c.AnalysisDuration.Observe(took.Seconds())
}

// RecordNavigationTick counts one processed orientation tick
func (c *Collector) RecordNavigationTick(onTarget bool) {
	if c == nil {
		return
	}
	c.NavigationTicks.WithLabelValues(strconv.FormatBool(onTarget)).Inc()
}

// AddTowersFound adds newly found towers; non-positive deltas are ignored
func (c *Collector) AddTowersFound(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.TowersFound.Add(float64(n))
}

// RecordHuntingProbe counts one recorded probe
func (c *Collector) RecordHuntingProbe() {
	if c == nil {
		return
	}
	c.HuntingProbes.Inc()
}

// RecordScanError counts a failed read from source
func (c *Collector) RecordScanError(source string) {
	if c == nil {
		return
	}
	c.ScanErrors.WithLabelValues(source).Inc()
}

func registerGauge(reg prometheus.Registerer, name, help string) (prometheus.Gauge, error) {
	return register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}))
}

func registerCounter(reg prometheus.Registerer, name, help string) (prometheus.Counter, error) {
	return register(reg, prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}))
}

// register adds c to reg, returning the already registered collector of the same type if present
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
