// Tower Reader - Utility to display hunting recordings
// This program reads and displays the metadata and bearing probes from .hunt files
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tower-locator/internal/hunting"
	"tower-locator/internal/recording"
	"tower-locator/internal/version"
)

var (
	showSamples  bool
	showStats    bool
	showGraph    bool
	outputFormat string
	sectorWidth  float64
	graphWidth   int
)

var rootCmd = &cobra.Command{
	Use:   "tower-reader [file.hunt]",
	Short: "Display contents of hunting recordings",
	Long: `Tower Reader displays the metadata and bearing probes recorded by a hunting
session. Useful for reviewing a sweep after the fact.

Display modes:
  --samples    Show every recorded probe
  --stats      Show the signal pattern derived from the sweep
  --graph      Show an ASCII chart of the strongest signal per bearing sector`,
	Version:      version.Get().Short(),
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return displayFile(os.Stdout, args[0])
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&showSamples, "samples", "s", false, "display all recorded probes")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "show the signal pattern of the sweep")
	rootCmd.Flags().BoolVarP(&showGraph, "graph", "g", false, "chart the strongest signal per bearing sector")
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "sample output format (table, json, csv)")
	rootCmd.Flags().Float64Var(&sectorWidth, "sector", 10, "sector width in degrees for --graph")
	rootCmd.Flags().IntVar(&graphWidth, "graph-width", 60, "width of the graph bars in characters")
}

// displayFile reads and displays the contents of a hunting recording
func displayFile(w io.Writer, filename string) error {
	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", filename, err)
	}

	meta, count, err := recording.ReadMetadata(filename)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	fmt.Fprintf(w, "TOWER HUNT READER %s\n\n", version.Get().Short())
	fmt.Fprintf(w, "File Information:\n")
	fmt.Fprintf(w, "Name: %s\n", filepath.Base(filename))
	fmt.Fprintf(w, "Size: %s (%s bytes)\n", humanize.Bytes(uint64(info.Size())), humanize.Comma(info.Size()))
	fmt.Fprintf(w, "Modified: %s\n\n", info.ModTime().Format("2006-01-02 15:04:05"))

	displayMetadata(w, meta, count)

	if !showSamples && !showStats && !showGraph {
		return nil
	}

	_, samples, err := recording.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read samples: %w", err)
	}

	if showSamples {
		if err := displaySamples(w, samples, outputFormat); err != nil {
			return err
		}
	}
	if showStats {
		displayStatistics(w, samples)
	}
	if showGraph {
		displayGraph(w, samples, sectorWidth, graphWidth)
	}
	return nil
}

func displayMetadata(w io.Writer, meta *recording.Metadata, count uint32) {
	fmt.Fprintf(w, "Recording Metadata:\n")
	fmt.Fprintf(w, "Format Version: %d\n", meta.FileFormatVersion)
	if meta.SessionID != "" {
		fmt.Fprintf(w, "Session: %s\n", meta.SessionID)
	}
	if meta.DeviceInfo != "" {
		fmt.Fprintf(w, "Source: %s\n", meta.DeviceInfo)
	}
	fmt.Fprintf(w, "Started: %s (%s)\n", meta.StartedAt.Format("2006-01-02 15:04:05 MST"), humanize.Time(meta.StartedAt))
	if !meta.StoppedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %v\n", meta.StoppedAt.Sub(meta.StartedAt).Round(time.Millisecond))
	}
	if meta.HasLocation {
		fmt.Fprintf(w, "Location: %.6f°, %.6f° (%.1f m)\n", meta.Location.Latitude, meta.Location.Longitude, meta.Location.Altitude)
	} else {
		fmt.Fprintf(w, "Location: unknown\n")
	}
	fmt.Fprintf(w, "Probes: %s\n\n", humanize.Comma(int64(count)))
}

func displaySamples(w io.Writer, samples []hunting.Sample, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(samples)
	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"bearing_deg", "signal_dbm", "timestamp"})
		for _, s := range samples {
			cw.Write([]string{
				strconv.FormatFloat(s.Bearing, 'f', 1, 64),
				strconv.Itoa(s.SignalStrength),
				strconv.FormatInt(s.Timestamp.UnixMilli(), 10),
			})
		}
		cw.Flush()
		return cw.Error()
	case "table":
		fmt.Fprintf(w, "Probes:\n")
		fmt.Fprintf(w, "%6s %9s %8s  %s\n", "#", "Bearing", "Signal", "Time")
		for i, s := range samples {
			fmt.Fprintf(w, "%6d %8.1f° %4d dBm  %s\n", i+1, s.Bearing, s.SignalStrength, s.Timestamp.Format("15:04:05.000"))
		}
		fmt.Fprintln(w)
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (must be table, json or csv)", format)
	}
}

func displayStatistics(w io.Writer, samples []hunting.Sample) {
	p, err := hunting.PatternOf(samples)
	if err != nil {
		fmt.Fprintf(w, "Signal Pattern: %v\n\n", err)
		return
	}

	minDbm, maxDbm, sum := samples[0].SignalStrength, samples[0].SignalStrength, 0
	for _, s := range samples {
		minDbm = min(minDbm, s.SignalStrength)
		maxDbm = max(maxDbm, s.SignalStrength)
		sum += s.SignalStrength
	}

	fmt.Fprintf(w, "Signal Pattern:\n")
	fmt.Fprintf(w, "   Peak: %d dBm at %.1f°\n", p.PeakStrength, p.PeakBearing)
	fmt.Fprintf(w, "   Range: %d to %d dBm (mean %.1f dBm)\n", minDbm, maxDbm, float64(sum)/float64(len(samples)))
	fmt.Fprintf(w, "   Directionality: %.3f\n", p.DirectionalityIndex)
	fmt.Fprintf(w, "   Quality: %.2f\n", p.Quality)
	if p.Degenerate {
		fmt.Fprintf(w, "   Warning: mean signal is zero, directionality is undefined\n")
	}
	fmt.Fprintln(w)
}

// sector is the strongest probe seen within a bearing range
type sector struct {
	start  float64
	best   int
	probes int
}

// sectorPeaks buckets samples into sectors of width degrees starting at north
func sectorPeaks(samples []hunting.Sample, width float64) []sector {
	if width <= 0 || width > 360 {
		width = 10
	}
	n := int(360 / width)
	if float64(n)*width < 360 {
		n++
	}
	sectors := make([]sector, n)
	for i := range sectors {
		sectors[i].start = float64(i) * width
	}
	for _, s := range samples {
		i := int(s.Bearing/width) % n
		if sectors[i].probes == 0 || s.SignalStrength > sectors[i].best {
			sectors[i].best = s.SignalStrength
		}
		sectors[i].probes++
	}
	return sectors
}

func displayGraph(w io.Writer, samples []hunting.Sample, width float64, barWidth int) {
	if len(samples) == 0 {
		fmt.Fprintf(w, "Bearing Chart: No probes to display\n\n")
		return
	}

	sectors := sectorPeaks(samples, width)
	lo, hi := 0, 0
	first := true
	for _, s := range sectors {
		if s.probes == 0 {
			continue
		}
		if first || s.best < lo {
			lo = s.best
		}
		if first || s.best > hi {
			hi = s.best
		}
		first = false
	}
	span := float64(hi - lo)
	if span == 0 {
		span = 1
	}

	fmt.Fprintf(w, "Strongest Signal by Bearing (%g° sectors, %d to %d dBm):\n", width, lo, hi)
	for _, s := range sectors {
		if s.probes == 0 {
			fmt.Fprintf(w, "%5.0f° |%s\n", s.start, strings.Repeat(" ", barWidth))
			continue
		}
		// Weakest sector still gets one mark so it is distinguishable from no data
		n := 1 + int(float64(s.best-lo)/span*float64(barWidth-1))
		fmt.Fprintf(w, "%5.0f° |%s %d dBm\n", s.start, strings.Repeat("#", n), s.best)
	}
	fmt.Fprintln(w)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
