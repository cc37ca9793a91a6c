// Package main provides the vble command line tool.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-victron-ble/internal/config"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// shutdownTimeout bounds the graceful stop of the service.
const shutdownTimeout = 10 * time.Second

// cli holds the state shared by all subcommands.
type cli struct {
	configFile string
	cfg        *config.Config
}

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "vble",
		Short: "Victron BLE instant readout decoder",
		Long: `vble - decodes the encrypted instant readout advertisements of Victron
Battery Monitors and Solar Charge Controllers.

Readings are logged, exposed over an optional HTTP API and published to MQTT,
with optional Home Assistant auto-discovery.

Each device needs its name, Bluetooth address, kind and 32 character
encryption key in the configuration file.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.loadConfig,
	}

	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(
		newListenCmd(c),
		newDecodeCmd(c),
		newReplayCmd(c),
	)

	return root
}

// loadConfig reads and validates the configuration before any subcommand runs.
func (c *cli) loadConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.cfg = cfg
	return nil
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().Msg("=== Service Configuration ===")

	// General settings
	log.Debug().
		Str("log_level", cfg.LogLevel).
		Bool("verbose", cfg.Verbose).
		Bool("filtering", cfg.Filtering).
		Int("filtering_tolerance", cfg.FilteringTolerance).
		Msg("General settings")

	for _, dev := range cfg.Devices {
		log.Debug().
			Str("name", dev.Name).
			Str("address", dev.Address).
			Str("kind", dev.Kind).
			Bool("load_current", dev.LoadCurrent).
			Bool("verify_key_check", dev.VerifyKeyCheck).
			Msg("Device")
	}

	bounds := cfg.SolarBounds()
	log.Debug().
		Stringer("battery_voltage", bounds.BatteryVoltage).
		Stringer("battery_current", bounds.BatteryCurrent).
		Stringer("energy_today", bounds.EnergyToday).
		Stringer("pv_power", bounds.PVPower).
		Stringer("load_current", bounds.LoadCurrent).
		Msg("Solar Controller ranges")

	// API settings
	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Msg("HTTP API configuration")

	// MQTT settings
	if cfg.MQTT.Enabled {
		log.Debug().
			Bool("enabled", cfg.MQTT.Enabled).
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("username", cfg.MQTT.Username).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Bool("publish_suppressed", cfg.MQTT.PublishSuppressed).
			Msg("MQTT configuration")

		// Home Assistant Auto-Discovery
		ha := cfg.MQTT.HomeAssistantAutoDiscovery
		if ha.Enabled {
			log.Debug().
				Bool("enabled", ha.Enabled).
				Str("discovery_prefix", ha.DiscoveryPrefix).
				Str("device_manufacturer", ha.DeviceManufacturer).
				Bool("retain_discovery", ha.RetainDiscovery).
				Bool("include_diagnostic", ha.IncludeDiagnostic).
				Msg("Home Assistant auto-discovery configuration")
		} else {
			log.Debug().Bool("enabled", false).Msg("Home Assistant auto-discovery disabled")
		}
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}

	// PVOutput settings
	if cfg.PVOutput.Enabled {
		log.Debug().
			Bool("enabled", cfg.PVOutput.Enabled).
			Str("system_id", cfg.PVOutput.SystemID).
			Int("device_mappings", len(cfg.PVOutput.DeviceMappings)).
			Bool("disable_energy_today", cfg.PVOutput.DisableEnergyToday).
			Int("update_limit_minutes", cfg.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput configuration")
	}

	log.Debug().Msg("=== End Configuration ===")
}
