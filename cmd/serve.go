package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-victron-ble/internal/capture"
	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/console"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/parser"
	"github.com/resident-x/go-victron-ble/internal/pubsub"
	"github.com/resident-x/go-victron-ble/internal/service"
	"github.com/resident-x/go-victron-ble/internal/service/pvoutput"
)

func newListenCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Scan for advertisements and decode them continuously",
		Long: `Scan for instant readout advertisements of the configured devices and
decode every frame received until interrupted.

When scanning is disabled in the configuration, the capture file configured
under replay.file is decoded instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := listenSource(c.cfg)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c.cfg, source, os.Stdin)
		},
	}
}

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE",
		Short: "Decode captures recorded in a file",
		Long: `Decode the captures recorded in FILE, one "ADDRESS HEX" pair per line,
through the same pipeline as listen. Exits once the file is exhausted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval := time.Duration(c.cfg.Replay.IntervalMs) * time.Millisecond
			return serve(cmd.Context(), c.cfg, capture.NewReplayFile(args[0], interval), nil)
		},
	}
}

// listenSource picks the capture source of the listen command.
func listenSource(cfg *config.Config) (domain.FrameSource, error) {
	if !cfg.Scan.Enabled {
		if cfg.Replay.File == "" {
			return nil, errors.New("scanning is disabled and no replay file is configured")
		}
		log.Info().Str("file", cfg.Replay.File).Msg("Scanning disabled, replaying capture file")
		return capture.NewReplayFile(cfg.Replay.File, time.Duration(cfg.Replay.IntervalMs)*time.Millisecond), nil
	}

	devices, err := cfg.ParseDevices()
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(devices))
	for _, dev := range devices {
		addresses = append(addresses, dev.Address)
	}

	var deduper *capture.Deduper
	if cfg.Scan.Dedupe {
		deduper = capture.NewDeduper()
	}

	return capture.NewBLESource(addresses, deduper), nil
}

// newPublisher connects to MQTT when enabled and falls back to a noop publisher.
func newPublisher(ctx context.Context, cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg)
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

// newMonitoringService returns the PVOutput client when enabled and a noop client
// otherwise.
func newMonitoringService(cfg *config.Config) domain.MonitoringService {
	if !cfg.PVOutput.Enabled {
		return pvoutput.NewNoopClient()
	}

	client := pvoutput.NewClient(cfg)
	if err := client.Connect(); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
		return pvoutput.NewNoopClient()
	}
	return client
}

// serve runs the readout service on source until a shutdown signal arrives or the
// source is exhausted. Console commands are read from in when it is not nil and the
// console is enabled.
func serve(parent context.Context, cfg *config.Config, source domain.FrameSource, in *os.File) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.Info().Str("version", Version).Msg("Starting go-victron-ble")

	// Log service configuration for debugging
	logServiceConfiguration(cfg)

	settings := domain.NewSettings(cfg.Verbose, cfg.Filtering)

	dataParser, err := parser.NewParser(settings)
	if err != nil {
		return fmt.Errorf("failed to initialize parser: %w", err)
	}

	srv, err := service.NewReadoutService(cfg, settings, source, dataParser, newPublisher(ctx, cfg))
	if err != nil {
		return fmt.Errorf("failed to create readout service: %w", err)
	}
	srv.SetMonitoringService(newMonitoringService(cfg))

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start readout service: %w", err)
	}

	if in != nil && cfg.Console.Enabled {
		go func() {
			if err := console.New(in, settings).Run(ctx); err != nil {
				log.Warn().Err(err).Msg("Console stopped")
			}
		}()
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case sig := <-signalChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-srv.Done():
		log.Info().Msg("Capture source exhausted")
	case <-parent.Done():
	}

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error stopping service: %w", err)
	}

	log.Info().Interface("metrics", srv.GetMetrics()).Msg("Service stopped")
	return srv.Err()
}
