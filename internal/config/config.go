// Package config provides configuration structures and defaults for the tower locator
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tower-locator/internal/environment"
	"tower-locator/internal/geodesy"
	"tower-locator/internal/hunting"
	"tower-locator/internal/logging"
	"tower-locator/internal/navigation"
	"tower-locator/internal/observability"
	"tower-locator/internal/tower"
)

// Telemetry sources
const (
	SourceSynthetic = "synthetic"
	SourceModem     = "modem"
)

// GPS modes
const (
	GPSModeNMEA   = "nmea"
	GPSModeGPSD   = "gpsd"
	GPSModeManual = "manual"
	GPSModeNone   = "none"
)

// Config represents the complete application configuration
type Config struct {
	Telemetry   TelemetryConfig             `yaml:"telemetry" mapstructure:"telemetry"`       // Cell scan source
	GPS         GPSConfig                   `yaml:"gps" mapstructure:"gps"`                   // Device location source
	Analysis    environment.Config          `yaml:"analysis" mapstructure:"analysis"`         // Noise and interference model
	Navigation  navigation.Config           `yaml:"navigation" mapstructure:"navigation"`     // Turn guidance settings
	Hunting     HuntingConfig               `yaml:"hunting" mapstructure:"hunting"`           // Bearing sweep recording
	Storage     StorageConfig               `yaml:"storage" mapstructure:"storage"`           // Observation log
	API         APIConfig                   `yaml:"api" mapstructure:"api"`                   // HTTP read-out
	Export      ExportConfig                `yaml:"export" mapstructure:"export"`             // Report files
	Logging     logging.Config              `yaml:"logging" mapstructure:"logging"`           // Logging configuration
	Tracing     observability.TracingConfig `yaml:"tracing" mapstructure:"tracing"`           // OpenTelemetry tracing
	KnownTowers []KnownTowerConfig          `yaml:"known_towers" mapstructure:"known_towers"` // Surveyed tower positions
}

// TelemetryConfig selects and tunes the cellular telemetry source
type TelemetryConfig struct {
	Source              string        `yaml:"source" mapstructure:"source"`                             // "synthetic" or "modem"
	Interval            time.Duration `yaml:"interval" mapstructure:"interval"`                         // Time between scans
	OrientationInterval time.Duration `yaml:"orientation_interval" mapstructure:"orientation_interval"` // Time between orientation ticks
	Seed                int64         `yaml:"seed" mapstructure:"seed"`                                 // Randomness seed; 0 seeds from the clock
	SyntheticTowers     int           `yaml:"synthetic_towers" mapstructure:"synthetic_towers"`         // Tower count for the synthetic source
	ModemPort           string        `yaml:"modem_port" mapstructure:"modem_port"`                     // Serial device of the cellular modem
	ModemBaudRate       int           `yaml:"modem_baud_rate" mapstructure:"modem_baud_rate"`           // Modem serial speed
	ModemTimeout        time.Duration `yaml:"modem_timeout" mapstructure:"modem_timeout"`               // Per-command read timeout
	WiFiNetworks        int           `yaml:"wifi_networks" mapstructure:"wifi_networks"`               // Competing networks assumed with the modem source
}

// GPSConfig contains GPS receiver configuration parameters
type GPSConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`                         // "nmea", "gpsd", "manual" or "none"
	Port            string        `yaml:"port" mapstructure:"port"`                         // Serial port device path (nmea)
	BaudRate        int           `yaml:"baud_rate" mapstructure:"baud_rate"`               // Serial speed (nmea)
	GPSDHost        string        `yaml:"gpsd_host" mapstructure:"gpsd_host"`               // gpsd host (gpsd)
	GPSDPort        string        `yaml:"gpsd_port" mapstructure:"gpsd_port"`               // gpsd port (gpsd)
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`                   // Fix acquisition timeout
	ManualLatitude  float64       `yaml:"manual_latitude" mapstructure:"manual_latitude"`   // Decimal degrees (manual)
	ManualLongitude float64       `yaml:"manual_longitude" mapstructure:"manual_longitude"` // Decimal degrees (manual)
	ManualAltitude  float64       `yaml:"manual_altitude" mapstructure:"manual_altitude"`   // Meters (manual)
}

// HuntingConfig controls bearing sweeps
type HuntingConfig struct {
	MaxSamples   int    `yaml:"max_samples" mapstructure:"max_samples"`     // History cap; 0 keeps everything
	RecordingDir string `yaml:"recording_dir" mapstructure:"recording_dir"` // Where .hunt files go on stop; empty disables
}

// StorageConfig controls the SQLite observation log
type StorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"` // Database file, or ":memory:"
}

// APIConfig controls the HTTP read-out server
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"` // host:port
}

// ExportConfig controls one-shot report output
type ExportConfig struct {
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"` // Directory for report files
	Format    string `yaml:"format" mapstructure:"format"`         // json, csv or geojson
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`         // Filename prefix
}

// KnownTowerConfig is a surveyed tower position
type KnownTowerConfig struct {
	ID        int64   `yaml:"id" mapstructure:"id"`
	Label     string  `yaml:"label" mapstructure:"label"`
	Latitude  float64 `yaml:"latitude" mapstructure:"latitude"`
	Longitude float64 `yaml:"longitude" mapstructure:"longitude"`
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			Source:              SourceSynthetic,        // Works without hardware
			Interval:            2 * time.Second,        // One scan every 2 s
			OrientationInterval: 100 * time.Millisecond, // 10 Hz orientation ticks
			Seed:                0,                      // Clock-seeded
			SyntheticTowers:     6,                      // Typical urban neighbour count
			ModemPort:           "/dev/ttyUSB2",         // Quectel AT port
			ModemBaudRate:       115200,                 // Standard AT speed
			ModemTimeout:        2 * time.Second,        // Per AT command
			WiFiNetworks:        0,                      // Unknown without a WiFi scanner
		},
		GPS: GPSConfig{
			Mode:            GPSModeNone,      // Bearings come from the estimator without a fix
			Port:            "/dev/ttyUSB0",   // Common USB GPS device path
			BaudRate:        9600,             // Standard NMEA baud rate
			GPSDHost:        "localhost",      // Default gpsd host
			GPSDPort:        "2947",           // Default gpsd port
			Timeout:         30 * time.Second, // 30 second GPS fix timeout
			ManualLatitude:  0.0,
			ManualLongitude: 0.0,
			ManualAltitude:  0.0,
		},
		Analysis:   environment.DefaultConfig(),
		Navigation: navigation.DefaultConfig(),
		Hunting: HuntingConfig{
			MaxSamples:   hunting.DefaultConfig().MaxSamples,
			RecordingDir: "./recordings",
		},
		Storage: StorageConfig{
			Enabled: false,
			Path:    "./towers.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Export: ExportConfig{
			OutputDir: "./reports",
			Format:    "json",
			Prefix:    "tower-report",
		},
		Logging: logging.DefaultConfig(),
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load overlays the values held by v (config file, environment, bound flags) onto the
// defaults and validates the result
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if v != nil {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Telemetry.Source {
	case SourceSynthetic:
		if c.Telemetry.SyntheticTowers < 0 {
			errs = append(errs, fmt.Errorf("telemetry.synthetic_towers must not be negative"))
		}
	case SourceModem:
		if c.Telemetry.ModemPort == "" {
			errs = append(errs, fmt.Errorf("telemetry.modem_port not specified for modem source"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid telemetry source: %s (must be 'synthetic' or 'modem')", c.Telemetry.Source))
	}
	if c.Telemetry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.interval must be positive"))
	}
	if c.Telemetry.OrientationInterval <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.orientation_interval must be positive"))
	}

	switch c.GPS.Mode {
	case GPSModeManual:
		if err := validateCoordinate(c.GPS.ManualLatitude, c.GPS.ManualLongitude); err != nil {
			errs = append(errs, fmt.Errorf("gps: %w", err))
		}
		if c.GPS.ManualLatitude == 0.0 && c.GPS.ManualLongitude == 0.0 {
			errs = append(errs, fmt.Errorf("manual coordinates not specified: set gps.manual_latitude and gps.manual_longitude or use --latitude and --longitude"))
		}
	case GPSModeNMEA:
		if c.GPS.Port == "" {
			errs = append(errs, fmt.Errorf("GPS port not specified for NMEA mode"))
		}
	case GPSModeGPSD:
		if c.GPS.GPSDHost == "" || c.GPS.GPSDPort == "" {
			errs = append(errs, fmt.Errorf("GPSD host and port must be specified for gpsd mode"))
		}
	case GPSModeNone:
	default:
		errs = append(errs, fmt.Errorf("invalid GPS mode: %s (must be 'nmea', 'gpsd', 'manual' or 'none')", c.GPS.Mode))
	}

	if c.Navigation.Tolerance <= 0 || c.Navigation.Tolerance > 180 {
		errs = append(errs, fmt.Errorf("navigation.tolerance must be in (0, 180], got %v", c.Navigation.Tolerance))
	}
	if c.Navigation.LowAccuracyThreshold < 0 || c.Navigation.LowAccuracyThreshold > 1 {
		errs = append(errs, fmt.Errorf("navigation.low_accuracy_threshold must be in [0, 1]"))
	}
	if c.Analysis.NoiseFloor <= 0 {
		errs = append(errs, fmt.Errorf("analysis.noise_floor must be positive"))
	}
	if c.Hunting.MaxSamples < 0 {
		errs = append(errs, fmt.Errorf("hunting.max_samples must not be negative"))
	}
	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path is required when storage is enabled"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, fmt.Errorf("api.listen is required when the API is enabled"))
	}
	switch c.Export.Format {
	case "json", "csv", "geojson":
	default:
		errs = append(errs, fmt.Errorf("invalid export format: %s (must be 'json', 'csv' or 'geojson')", c.Export.Format))
	}

	seen := make(map[int64]bool)
	for i, kt := range c.KnownTowers {
		if seen[kt.ID] {
			errs = append(errs, fmt.Errorf("known_towers[%d]: duplicate id %d", i, kt.ID))
		}
		seen[kt.ID] = true
		if err := validateCoordinate(kt.Latitude, kt.Longitude); err != nil {
			errs = append(errs, fmt.Errorf("known_towers[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func validateCoordinate(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("invalid latitude: %.8f (must be between -90 and 90 degrees)", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("invalid longitude: %.8f (must be between -180 and 180 degrees)", lon)
	}
	return nil
}

// KnownTowerList converts the configured towers for the bearing resolver
func (c *Config) KnownTowerList() []tower.KnownTower {
	known := make([]tower.KnownTower, 0, len(c.KnownTowers))
	for _, kt := range c.KnownTowers {
		known = append(known, tower.KnownTower{
			ID:       kt.ID,
			Location: geodesy.Coordinate{Latitude: kt.Latitude, Longitude: kt.Longitude},
		})
	}
	return known
}

// HuntingSessionConfig returns the hunting package settings
func (c *Config) HuntingSessionConfig() hunting.Config {
	return hunting.Config{MaxSamples: c.Hunting.MaxSamples}
}

// Save writes the configuration as YAML, creating parent directories as needed
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
