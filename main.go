// Tower Locator - cellular tower direction finder
// This program reads cell telemetry, resolves the bearing and distance of nearby
// towers, grades the RF environment and guides the user toward the best tower.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tower-locator/internal/api"
	"tower-locator/internal/collector"
	"tower-locator/internal/config"
	"tower-locator/internal/hunting"
	"tower-locator/internal/logging"
	"tower-locator/internal/observability"
	"tower-locator/internal/version"
)

// Command line flag variables
var (
	cfgFile   string        // Configuration file path
	verbose   bool          // Enable debug logging
	source    string        // Telemetry source: synthetic or modem
	interval  time.Duration // Time between scans
	listen    string        // API listen address
	noAPI     bool          // Disable the HTTP API
	hunt      bool          // Start a hunting session immediately
	navigate  bool          // Start a navigation session immediately
	gpsMode   string        // GPS mode: nmea, gpsd, manual or none
	latitude  float64       // Manual latitude in decimal degrees
	longitude float64       // Manual longitude in decimal degrees
)

var rootCmd = &cobra.Command{
	Use:   "tower-locator",
	Short: "Cellular tower direction finder",
	Long: `Tower Locator reads cellular telemetry, estimates the bearing and distance
of nearby towers, grades the RF environment and steers the device toward the
optimal tower. State is served over HTTP while it runs.`,
	Version: version.Get().Short(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLocator(cmd.Context())
	},
	SilenceUsage: true,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a configuration file populated with defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "./config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Describe("tower-locator"))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.Flags().StringVarP(&source, "source", "s", config.SourceSynthetic, "telemetry source: synthetic or modem")
	rootCmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "time between scans")
	rootCmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8080", "API listen address")
	rootCmd.Flags().BoolVar(&noAPI, "no-api", false, "disable the HTTP API")
	rootCmd.Flags().BoolVar(&hunt, "hunt", false, "start a hunting session immediately")
	rootCmd.Flags().BoolVar(&navigate, "navigate", false, "start a navigation session immediately")

	rootCmd.Flags().StringVar(&gpsMode, "gps-mode", config.GPSModeNone, "GPS mode: nmea, gpsd, manual or none")
	rootCmd.Flags().Float64Var(&latitude, "latitude", 0.0, "manual latitude in decimal degrees (for manual mode)")
	rootCmd.Flags().Float64Var(&longitude, "longitude", 0.0, "manual longitude in decimal degrees (for manual mode)")

	viper.BindPFlag("telemetry.source", rootCmd.Flags().Lookup("source"))
	viper.BindPFlag("telemetry.interval", rootCmd.Flags().Lookup("interval"))
	viper.BindPFlag("api.listen", rootCmd.Flags().Lookup("listen"))
	viper.BindPFlag("gps.mode", rootCmd.Flags().Lookup("gps-mode"))
	viper.BindPFlag("gps.manual_latitude", rootCmd.Flags().Lookup("latitude"))
	viper.BindPFlag("gps.manual_longitude", rootCmd.Flags().Lookup("longitude"))

	rootCmd.AddCommand(initConfigCmd, versionCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TOWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func runLocator(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if noAPI {
		cfg.API.Enabled = false
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logging.NewFromEnv(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	fmt.Printf("Tower Locator %s starting...\n", version.Get().Short())
	fmt.Printf("Telemetry: %s (every %v)\n", cfg.Telemetry.Source, cfg.Telemetry.Interval)
	fmt.Printf("Known towers: %d\n", len(cfg.KnownTowers))
	if cfg.Storage.Enabled {
		fmt.Printf("Observation log: %s\n", cfg.Storage.Path)
	}

	c := collector.NewCollector(cfg, collector.WithMetrics(metrics), collector.WithLogger(log))
	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}
	defer c.Close()

	if err := c.WaitForGPSFix(ctx); err != nil {
		return fmt.Errorf("GPS initialization failed: %w", err)
	}

	watchConfig(ctx, c, log)

	if navigate {
		c.StartNavigation(ctx)
	}
	if hunt {
		c.StartHunting(ctx)
		fmt.Printf("Hunting: sweep the device slowly through a full turn\n")
	}

	var wg conc.WaitGroup
	var apiErr error
	if cfg.API.Enabled {
		server := api.NewServer(c, metrics.Handler(), log)
		fmt.Printf("API: http://%s/api/v1/environment\n", cfg.API.Listen)
		wg.Go(func() {
			if apiErr = server.ListenAndServe(ctx, cfg.API.Listen); apiErr != nil {
				stop()
			}
		})
	}
	wg.Go(func() {
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "collector stopped", logging.Err(err))
		}
	})
	wg.Wait()

	fmt.Printf("\nShutting down...\n")
	if c.Hunting().State == hunting.Hunting {
		path, err := c.StopHunting(context.Background())
		if err != nil {
			log.Error(ctx, "failed to save hunting recording", logging.Err(err))
		} else if path != "" {
			fmt.Printf("Hunting recording saved: %s\n", path)
		}
	}
	if c.Navigation().IsActive {
		s := c.StopNavigation(context.Background())
		fmt.Printf("Navigation: %d towers found in %v\n", s.TowersFound, s.Duration.Round(time.Second))
	}
	if snap, err := c.Latest(); err == nil {
		fmt.Printf("Last environment quality: %.0f%% (%s)\n",
			snap.Analysis.EnvironmentQuality*100, snap.Report.CurrentQuality)
	}
	return apiErr
}

// watchConfig applies tolerance and log level changes from the config file without a restart
func watchConfig(ctx context.Context, c *collector.Collector, log logging.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			log.Warn(ctx, "ignoring invalid config change", logging.String("file", e.Name), logging.Err(err))
			return
		}
		c.SetTolerance(cfg.Navigation.Tolerance)
		if !verbose {
			logging.SetLevel(log, cfg.Logging.Level)
		}
		log.Info(ctx, "configuration reloaded",
			logging.String("file", e.Name),
			logging.Float("tolerance", cfg.Navigation.Tolerance),
			logging.String("log_level", cfg.Logging.Level))
	})
	viper.WatchConfig()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
