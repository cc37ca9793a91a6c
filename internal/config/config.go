// Package config provides configuration management for the go-victron-ble application.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/validation"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel           string `mapstructure:"log_level"`
	Verbose            bool   `mapstructure:"verbose"`
	Filtering          bool   `mapstructure:"filtering"`
	FilteringTolerance int    `mapstructure:"filtering_tolerance"`

	// Devices to decode
	Devices []DeviceConfig `mapstructure:"devices"`

	// Solar Controller plausibility ranges
	SolarRanges struct {
		BatteryVoltage RangeConfig `mapstructure:"battery_voltage"`
		BatteryCurrent RangeConfig `mapstructure:"battery_current"`
		EnergyToday    RangeConfig `mapstructure:"energy_today"`
		PVPower        RangeConfig `mapstructure:"pv_power"`
		LoadCurrent    RangeConfig `mapstructure:"load_current"`
	} `mapstructure:"solar_ranges"`

	// BLE scanner settings
	Scan struct {
		Enabled    bool `mapstructure:"enabled"`
		Dedupe     bool `mapstructure:"dedupe"`
		StaleAfter int  `mapstructure:"stale_after_seconds"`
	} `mapstructure:"scan"`

	// Capture replay settings
	Replay struct {
		File       string `mapstructure:"file"`
		IntervalMs int    `mapstructure:"interval_ms"`
	} `mapstructure:"replay"`

	// Console settings
	Console struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"console"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled           bool   `mapstructure:"enabled"`
		Host              string `mapstructure:"host"`
		Port              int    `mapstructure:"port"`
		Username          string `mapstructure:"username"`
		Password          string `mapstructure:"password"`
		Topic             string `mapstructure:"topic"`
		Retain            bool   `mapstructure:"retain"`
		PublishSuppressed bool   `mapstructure:"publish_suppressed"`
		ConnectionTimeout int    `mapstructure:"connection_timeout"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
			IncludeDiagnostic  bool   `mapstructure:"include_diagnostic"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool                  `mapstructure:"enabled"`
		APIKey             string                `mapstructure:"api_key"`
		SystemID           string                `mapstructure:"system_id"`
		URL                string                `mapstructure:"url"`
		UpdateLimitMinutes int                   `mapstructure:"update_limit_minutes"`
		DisableEnergyToday bool                  `mapstructure:"disable_energy_today"`
		DeviceMappings     []DeviceSystemMapping `mapstructure:"device_mappings"`
	} `mapstructure:"pvoutput"`
}

// DeviceSystemMapping maps a device name to a PVOutput system ID.
type DeviceSystemMapping struct {
	Device   string `mapstructure:"device"`
	SystemID string `mapstructure:"system_id"`
}

// DeviceConfig describes one configured device.
type DeviceConfig struct {
	Name           string `mapstructure:"name"`
	Address        string `mapstructure:"address"`
	Kind           string `mapstructure:"kind"`
	Key            string `mapstructure:"key"`
	LoadCurrent    bool   `mapstructure:"load_current"`
	VerifyKeyCheck bool   `mapstructure:"verify_key_check"`
}

// RangeConfig is a plausibility range. Unset bounds are open.
type RangeConfig struct {
	Min      *float64 `mapstructure:"min"`
	Max      *float64 `mapstructure:"max"`
	Required bool     `mapstructure:"required"`
}

func (r RangeConfig) bound() validation.Bound {
	return validation.Bound{Min: r.Min, Max: r.Max, Required: r.Required}
}

func ptr(v float64) *float64 { return &v }

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:           "info",
		Verbose:            false,
		Filtering:          false,
		FilteringTolerance: validation.DefaultTolerance,
	}

	// Default plausibility ranges
	cfg.SolarRanges.BatteryVoltage = RangeConfig{Min: ptr(20), Max: ptr(34)}
	cfg.SolarRanges.BatteryCurrent = RangeConfig{Min: ptr(0), Max: ptr(200)}
	cfg.SolarRanges.EnergyToday = RangeConfig{Max: ptr(500)}
	cfg.SolarRanges.PVPower = RangeConfig{Max: ptr(1000)}
	cfg.SolarRanges.LoadCurrent = RangeConfig{Min: ptr(0), Max: ptr(200)}

	// Default scanner settings
	cfg.Scan.Enabled = true
	cfg.Scan.Dedupe = true
	cfg.Scan.StaleAfter = 300

	// Default replay settings
	cfg.Replay.IntervalMs = 0

	cfg.Console.Enabled = true

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "victron"
	cfg.MQTT.Retain = false
	cfg.MQTT.PublishSuppressed = false
	cfg.MQTT.ConnectionTimeout = 10

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Victron Energy"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.IncludeDiagnostic = true

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.URL = "https://pvoutput.org/service/r2/addstatus.jsp"
	cfg.PVOutput.UpdateLimitMinutes = 5

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Info().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("VBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"log_level", "verbose", "filtering", "filtering_tolerance", "mqtt.host", "mqtt.enabled", "api.enabled"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("unable to bind env for %s: %w", key, err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values that would make the service unusable.
func (c *Config) Validate() error {
	if c.FilteringTolerance < 0 {
		return fmt.Errorf("filtering_tolerance must not be negative")
	}
	if c.Scan.StaleAfter < 0 {
		return fmt.Errorf("scan.stale_after_seconds must not be negative")
	}
	if _, err := c.ParseDevices(); err != nil {
		return err
	}
	if c.PVOutput.Enabled {
		if c.PVOutput.APIKey == "" {
			return fmt.Errorf("pvoutput.api_key is required when pvoutput is enabled")
		}
		for _, m := range c.PVOutput.DeviceMappings {
			if _, err := c.Device(m.Device); err != nil {
				return fmt.Errorf("pvoutput.device_mappings: %w", err)
			}
		}
	}

	ranges := map[string]RangeConfig{
		"battery_voltage": c.SolarRanges.BatteryVoltage,
		"battery_current": c.SolarRanges.BatteryCurrent,
		"energy_today":    c.SolarRanges.EnergyToday,
		"pv_power":        c.SolarRanges.PVPower,
		"load_current":    c.SolarRanges.LoadCurrent,
	}
	for name, r := range ranges {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("solar_ranges.%s: min %g above max %g", name, *r.Min, *r.Max)
		}
	}

	return nil
}

// ParseDevices converts the device entries into domain devices.
func (c *Config) ParseDevices() ([]domain.Device, error) {
	devices := make([]domain.Device, 0, len(c.Devices))
	names := make(map[string]bool)
	addresses := make(map[string]string)

	for i, dc := range c.Devices {
		if dc.Name == "" {
			return nil, fmt.Errorf("devices[%d]: name is required", i)
		}
		if names[dc.Name] {
			return nil, fmt.Errorf("devices[%d]: duplicate name %q", i, dc.Name)
		}
		names[dc.Name] = true

		mac, err := net.ParseMAC(dc.Address)
		if err != nil {
			return nil, fmt.Errorf("device %s: invalid address: %w", dc.Name, err)
		}
		address := mac.String()
		if other, dup := addresses[address]; dup {
			return nil, fmt.Errorf("device %s: address %s already used by %s", dc.Name, address, other)
		}
		addresses[address] = dc.Name

		kind, err := domain.ParseDeviceKind(dc.Kind)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}

		key, err := domain.ParseKey(dc.Key)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}

		devices = append(devices, domain.Device{
			Name:           dc.Name,
			Address:        address,
			Kind:           kind,
			Key:            key,
			LoadCurrent:    dc.LoadCurrent,
			VerifyKeyCheck: dc.VerifyKeyCheck,
		})
	}

	return devices, nil
}

// Device returns the device with the given name.
func (c *Config) Device(name string) (domain.Device, error) {
	devices, err := c.ParseDevices()
	if err != nil {
		return domain.Device{}, err
	}
	for _, dev := range devices {
		if dev.Name == name {
			return dev, nil
		}
	}
	return domain.Device{}, fmt.Errorf("device %q not configured", name)
}

// SolarBounds returns the configured Solar Controller ranges.
func (c *Config) SolarBounds() validation.SolarBounds {
	return validation.SolarBounds{
		BatteryVoltage: c.SolarRanges.BatteryVoltage.bound(),
		BatteryCurrent: c.SolarRanges.BatteryCurrent.bound(),
		EnergyToday:    c.SolarRanges.EnergyToday.bound(),
		PVPower:        c.SolarRanges.PVPower.bound(),
		LoadCurrent:    c.SolarRanges.LoadCurrent.bound(),
	}
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-victron-ble Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Bool("verbose", c.Verbose).Msg("Verbose")
	logger.Info().
		Bool("filtering", c.Filtering).
		Int("tolerance", c.FilteringTolerance).
		Msg("Filtering")

	for _, dev := range c.Devices {
		logger.Info().
			Str("name", dev.Name).
			Str("address", dev.Address).
			Str("kind", dev.Kind).
			Bool("load_current", dev.LoadCurrent).
			Msg("Device")
	}

	logger.Info().
		Bool("enabled", c.Scan.Enabled).
		Bool("dedupe", c.Scan.Dedupe).
		Int("stale_after_seconds", c.Scan.StaleAfter).
		Msg("BLE Scanner")

	if c.Replay.File != "" {
		logger.Info().
			Str("file", c.Replay.File).
			Int("interval_ms", c.Replay.IntervalMs).
			Msg("Replay")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("device_mappings", len(c.PVOutput.DeviceMappings)).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
