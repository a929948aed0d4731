// Package export writes analysis snapshots to files for offline review: the full
// snapshot as JSON, tower observations as CSV and a GeoJSON map projecting each
// tower from the device location.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tower-locator/internal/advisor"
	"tower-locator/internal/environment"
	"tower-locator/internal/geodesy"
)

const (
	FormatJSON    = "json"
	FormatCSV     = "csv"
	FormatGeoJSON = "geojson"
)

// Formats lists the supported output formats
var Formats = []string{FormatJSON, FormatCSV, FormatGeoJSON}

// Bundle is everything one export run needs
type Bundle struct {
	Analysis    *environment.Analysis
	Report      *advisor.Report
	Device      *geodesy.Coordinate // nil when no location fix is available
	Source      string
	GeneratedAt time.Time
}

// Extension returns the file extension for a format
func Extension(format string) string {
	if format == FormatGeoJSON {
		return ".geojson"
	}
	return "." + format
}

// Export writes the bundle to dir in the given format and returns the file path
func (b *Bundle) Export(dir, prefix, format string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := b.GeneratedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s%s", prefix, stamp.UTC().Format("20060102_150405"), Extension(format)))

	var err error
	switch format {
	case FormatJSON:
		err = b.ExportJSON(filename)
	case FormatCSV:
		err = b.ExportCSV(filename)
	case FormatGeoJSON:
		err = b.ExportGeoJSON(filename)
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		return "", err
	}
	return filename, nil
}

func (b *Bundle) ExportJSON(filename string) error {
	return writeFile(filename, "JSON", b.WriteJSON)
}

func (b *Bundle) ExportCSV(filename string) error {
	return writeFile(filename, "CSV", b.WriteCSV)
}

func (b *Bundle) ExportGeoJSON(filename string) error {
	return writeFile(filename, "GeoJSON", b.WriteGeoJSON)
}

func writeFile(filename, kind string, write func(io.Writer) error) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", kind, err)
	}
	defer file.Close()

	if err := write(file); err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return file.Close()
}

// WriteJSON encodes the analysis, report and device location
func (b *Bundle) WriteJSON(w io.Writer) error {
	doc := struct {
		Source      string                `json:"source,omitempty"`
		GeneratedAt int64                 `json:"generatedAt"`
		Device      *geodesy.Coordinate   `json:"device,omitempty"`
		Analysis    *environment.Analysis `json:"analysis"`
		Report      *advisor.Report       `json:"report"`
	}{
		Source:      b.Source,
		GeneratedAt: b.GeneratedAt.UnixMilli(),
		Device:      b.Device,
		Analysis:    b.Analysis,
		Report:      b.Report,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

var csvHeader = []string{"tower_id", "bearing_deg", "distance_m", "confidence", "signal_dbm", "frequency_mhz", "serving", "timestamp"}

// WriteCSV writes a metadata preamble followed by one row per tower, strongest first
func (b *Bundle) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)

	rows := [][]string{
		{"# Tower Environment Analysis"},
		{"# Generated", b.GeneratedAt.UTC().Format(time.RFC3339)},
	}
	if b.Analysis != nil {
		rows = append(rows,
			[]string{"# Environment Quality", fmt.Sprintf("%.3f", b.Analysis.EnvironmentQuality)},
			[]string{"# SNR", fmt.Sprintf("%.2f", b.Analysis.SignalToNoiseRatio)},
			[]string{"# Interference", fmt.Sprintf("%.3f", b.Analysis.InterferenceLevel)},
			[]string{"# Optimal Bearing", fmt.Sprintf("%.1f", b.Analysis.OptimalBearing)},
		)
	}
	if b.Report != nil {
		rows = append(rows, []string{"# Quality Tier", string(b.Report.CurrentQuality)})
	}
	rows = append(rows, csvHeader)

	for _, t := range b.Analysis.TowersByStrength() {
		rows = append(rows, []string{
			strconv.FormatInt(t.TowerID, 10),
			fmt.Sprintf("%.1f", t.Bearing),
			fmt.Sprintf("%.0f", t.Distance),
			fmt.Sprintf("%.3f", t.Confidence),
			strconv.Itoa(t.SignalStrength),
			fmt.Sprintf("%.1f", t.FrequencyMHz),
			strconv.FormatBool(t.IsServing),
			t.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteGeoJSON writes a FeatureCollection with the device and the projected tower
// positions. Without a device location the towers cannot be placed and only the
// collection properties are written.
func (b *Bundle) WriteGeoJSON(w io.Writer) error {
	properties := map[string]interface{}{
		"title":        "Tower Environment Analysis",
		"generated_at": b.GeneratedAt.UTC().Format(time.RFC3339),
	}
	if b.Analysis != nil {
		properties["environment_quality"] = b.Analysis.EnvironmentQuality
		properties["optimal_bearing"] = b.Analysis.OptimalBearing
	}
	if b.Report != nil {
		properties["quality_tier"] = string(b.Report.CurrentQuality)
	}

	features := []map[string]interface{}{}

	if b.Device != nil {
		features = append(features, pointFeature(*b.Device, map[string]interface{}{
			"name": "Device",
			"type": "device",
		}))

		for _, t := range b.Analysis.TowersByStrength() {
			pos := geodesy.Destination(*b.Device, t.Bearing, t.Distance)
			features = append(features, pointFeature(pos, map[string]interface{}{
				"name":          fmt.Sprintf("Tower %d", t.TowerID),
				"type":          "tower",
				"tower_id":      t.TowerID,
				"bearing":       t.Bearing,
				"distance_m":    t.Distance,
				"signal_dbm":    t.SignalStrength,
				"confidence":    t.Confidence,
				"frequency_mhz": t.FrequencyMHz,
				"serving":       t.IsServing,
			}))
			features = append(features, lineFeature(*b.Device, pos, map[string]interface{}{
				"name": fmt.Sprintf("Bearing to tower %d", t.TowerID),
				"type": "bearing_line",
			}))
		}

		if b.Analysis != nil && len(b.Analysis.NearbyTowers) > 0 {
			features = append(features, sectorFeature(*b.Device, b.Analysis.OptimalBearing, 500, 30))
		}
	}

	geojson := map[string]interface{}{
		"type":       "FeatureCollection",
		"features":   features,
		"properties": properties,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(geojson)
}

func pointFeature(c geodesy.Coordinate, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "Feature",
		"geometry": map[string]interface{}{
			"type":        "Point",
			"coordinates": []float64{c.Longitude, c.Latitude},
		},
		"properties": props,
	}
}

func lineFeature(from, to geodesy.Coordinate, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "Feature",
		"geometry": map[string]interface{}{
			"type": "LineString",
			"coordinates": [][]float64{
				{from.Longitude, from.Latitude},
				{to.Longitude, to.Latitude},
			},
		},
		"properties": props,
	}
}

// sectorFeature draws the recommended pointing direction as a closed wedge
// of the given radius and total width
func sectorFeature(center geodesy.Coordinate, bearing, radiusM, widthDeg float64) map[string]interface{} {
	const steps = 8

	ring := [][]float64{{center.Longitude, center.Latitude}}
	start := bearing - widthDeg/2
	for i := 0; i <= steps; i++ {
		b := geodesy.NormalizeBearing(start + widthDeg*float64(i)/steps)
		p := geodesy.Destination(center, b, radiusM)
		ring = append(ring, []float64{p.Longitude, p.Latitude})
	}
	ring = append(ring, []float64{center.Longitude, center.Latitude})

	return map[string]interface{}{
		"type": "Feature",
		"geometry": map[string]interface{}{
			"type":        "Polygon",
			"coordinates": [][][]float64{ring},
		},
		"properties": map[string]interface{}{
			"name":     "Optimal orientation",
			"type":     "optimal_sector",
			"bearing":  round(bearing, 1),
			"radius_m": radiusM,
		},
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
