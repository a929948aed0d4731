// Tower Report - one-shot RF environment survey
// This program runs a short series of scans, then exports the resulting
// environment analysis and recommendations as JSON, CSV or GeoJSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tower-locator/internal/collector"
	"tower-locator/internal/config"
	"tower-locator/internal/export"
	"tower-locator/internal/logging"
	"tower-locator/internal/version"
)

var (
	cfgFile      string  // Configuration file path
	outputFormat string  // Output format: json, csv, geojson
	outputDir    string  // Output directory
	prefix       string  // Output filename prefix
	scans        int     // Number of scans before reporting
	source       string  // Telemetry source
	seed         int64   // Synthetic source seed
	gpsMode      string  // GPS mode
	latitude     float64 // Manual latitude
	longitude    float64 // Manual longitude
	verbose      bool    // Print the tower table
	dryRun       bool    // Show what would be done without scanning
)

var rootCmd = &cobra.Command{
	Use:   "tower-report",
	Short: "Survey nearby cell towers and export a report",
	Long: `Tower Report scans the cellular environment, resolves nearby towers and
writes the analysis together with orientation recommendations to a file.

Supported output formats:
  - JSON: Full analysis and report
  - CSV: Tower table for spreadsheets
  - GeoJSON: Device, towers, bearing lines and the optimal sector for mapping

Example usage:
  tower-report --output-format geojson --gps-mode manual --latitude 35.0 --longitude -97.0
  tower-report --config config.yaml --scans 5 --output ./reports`,
	Version: version.Get().Short(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "json", "output format (json, csv, geojson)")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "./reports", "output directory")
	rootCmd.Flags().StringVar(&prefix, "prefix", "tower-report", "output filename prefix")
	rootCmd.Flags().IntVarP(&scans, "scans", "n", 3, "number of scans before reporting")
	rootCmd.Flags().StringVarP(&source, "source", "s", config.SourceSynthetic, "telemetry source: synthetic or modem")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "synthetic source seed (0 seeds from the clock)")
	rootCmd.Flags().StringVar(&gpsMode, "gps-mode", config.GPSModeNone, "GPS mode: nmea, gpsd, manual or none")
	rootCmd.Flags().Float64Var(&latitude, "latitude", 0.0, "manual latitude in decimal degrees")
	rootCmd.Flags().Float64Var(&longitude, "longitude", 0.0, "manual longitude in decimal degrees")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every resolved tower")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without scanning")

	viper.BindPFlag("export.format", rootCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("export.output_dir", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("export.prefix", rootCmd.Flags().Lookup("prefix"))
	viper.BindPFlag("telemetry.source", rootCmd.Flags().Lookup("source"))
	viper.BindPFlag("telemetry.seed", rootCmd.Flags().Lookup("seed"))
	viper.BindPFlag("gps.mode", rootCmd.Flags().Lookup("gps-mode"))
	viper.BindPFlag("gps.manual_latitude", rootCmd.Flags().Lookup("latitude"))
	viper.BindPFlag("gps.manual_longitude", rootCmd.Flags().Lookup("longitude"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.ReadInConfig()
}

func runReport(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if scans < 1 {
		return fmt.Errorf("--scans must be at least 1")
	}
	// One-shot runs never serve or persist
	cfg.API.Enabled = false
	cfg.Storage.Enabled = false

	fmt.Printf("TOWER REPORT %s\n\n", version.Get().Short())
	if verbose || dryRun {
		fmt.Printf("Configuration:\n")
		fmt.Printf("   Source: %s\n", cfg.Telemetry.Source)
		fmt.Printf("   GPS Mode: %s\n", cfg.GPS.Mode)
		fmt.Printf("   Known Towers: %d\n", len(cfg.KnownTowers))
		fmt.Printf("   Scans: %d\n", scans)
		fmt.Printf("   Output: %s (%s)\n\n", cfg.Export.OutputDir, cfg.Export.Format)
	}
	if dryRun {
		fmt.Printf("DRY RUN: would scan %d times and write a %s report to %s\n", scans, cfg.Export.Format, cfg.Export.OutputDir)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.Noop()
	if verbose {
		log = logging.New(logging.Config{Level: "debug", Format: "text"})
	}

	c := collector.NewCollector(cfg, collector.WithLogger(log))
	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}
	defer c.Close()

	if err := c.WaitForGPSFix(ctx); err != nil {
		return fmt.Errorf("GPS initialization failed: %w", err)
	}

	var snap *collector.Snapshot
	for i := 0; i < scans; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Telemetry.Interval):
			}
		}
		fmt.Printf("Scan %d/%d...\n", i+1, scans)
		if snap, err = c.Scan(ctx); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
	}

	bundle := &export.Bundle{
		Analysis:    snap.Analysis,
		Report:      snap.Report,
		Device:      snap.Device,
		Source:      cfg.Telemetry.Source,
		GeneratedAt: time.Now(),
	}
	path, err := bundle.Export(cfg.Export.OutputDir, cfg.Export.Prefix, cfg.Export.Format)
	if err != nil {
		return fmt.Errorf("failed to export report: %w", err)
	}

	displaySummary(snap, path)
	return nil
}

func displaySummary(snap *collector.Snapshot, path string) {
	a := snap.Analysis
	fmt.Printf("\nSurvey Complete\n\n")
	fmt.Printf("Environment Quality:  %.0f%% (%s)\n", a.EnvironmentQuality*100, snap.Report.CurrentQuality)
	fmt.Printf("Signal-to-Noise:      %.1f dB\n", a.SignalToNoiseRatio)
	fmt.Printf("Interference:         %.0f%%\n", a.InterferenceLevel*100)
	fmt.Printf("Optimal Bearing:      %.0f°\n", a.OptimalBearing)
	fmt.Printf("Nearby Towers:        %d\n", len(a.NearbyTowers))
	if snap.Report.EstimatedImprovementDb > 0 {
		fmt.Printf("Possible Improvement: +%d dB\n", snap.Report.EstimatedImprovementDb)
	}

	if verbose && len(a.NearbyTowers) > 0 {
		fmt.Printf("\n%-12s %8s %10s %8s %6s\n", "Tower", "Bearing", "Distance", "Signal", "Conf")
		for _, o := range a.TowersByStrength() {
			fmt.Printf("%-12d %7.0f° %10s %5d dBm %5.2f\n",
				o.TowerID, o.Bearing, humanize.SIWithDigits(o.Distance, 1, "m"), o.SignalStrength, o.Confidence)
		}
	}

	if len(snap.Report.Recommendations) > 0 {
		fmt.Printf("\nRecommendations:\n")
		for _, r := range snap.Report.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}

	size := ""
	if info, err := os.Stat(path); err == nil {
		size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
	}
	fmt.Printf("\nOutput File: %s%s\n", path, size)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
