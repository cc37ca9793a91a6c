// Package service implements the readout pipeline that turns captures into readings.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/api"
	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/frame"
	"github.com/resident-x/go-victron-ble/internal/session"
	"github.com/resident-x/go-victron-ble/internal/validation"
)

// ErrUnknownDevice is returned for captures from an address no device is configured for.
var ErrUnknownDevice = errors.New("unknown device")

// availabilityPublisher is implemented by publishers that can mark a device online
// or offline.
type availabilityPublisher interface {
	PublishAvailability(ctx context.Context, topic string, online bool) error
}

// ReadoutService consumes captures from a source, decodes and classifies them, and
// reports the readings to the registry and the publisher.
type ReadoutService struct {
	config     *config.Config
	source     domain.FrameSource
	slot       *frame.Slot
	parser     domain.FrameDecoder
	classifier *validation.RangeClassifier
	registry   *domain.DeviceRegistry
	sessions   *session.Manager
	devices    map[string]domain.Device
	settings   *domain.Settings
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	apiServer  *api.Server
	logger     zerolog.Logger
	startTime  time.Time

	runCtx   context.Context
	done     chan struct{}
	finished chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	sourceErr error
	errMu     sync.Mutex

	// Statistics
	decoded    atomic.Int64
	discarded  atomic.Int64
	suppressed atomic.Int64
	published  atomic.Int64
}

// NewReadoutService creates a new readout service for the configured devices.
func NewReadoutService(cfg *config.Config, settings *domain.Settings, source domain.FrameSource,
	parser domain.FrameDecoder, publisher domain.MessagePublisher,
) (*ReadoutService, error) {
	devices, err := cfg.ParseDevices()
	if err != nil {
		return nil, fmt.Errorf("invalid device configuration: %w", err)
	}

	if settings == nil {
		settings = domain.NewSettings(cfg.Verbose, cfg.Filtering)
	}

	logger := log.With().Str("component", "service").Logger()

	s := &ReadoutService{
		config:     cfg,
		source:     source,
		slot:       frame.NewSlot(),
		parser:     parser,
		classifier: validation.NewRangeClassifier(cfg.SolarBounds(), logger),
		registry:   domain.NewDeviceRegistry(),
		sessions:   session.NewManager(time.Duration(cfg.Scan.StaleAfter) * time.Second),
		devices:    make(map[string]domain.Device, len(devices)),
		settings:   settings,
		publisher:  publisher,
		logger:     logger,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}

	for _, dev := range devices {
		if err := s.registry.RegisterDevice(dev); err != nil {
			return nil, fmt.Errorf("failed to register device %s: %w", dev.Name, err)
		}
		s.devices[dev.Address] = dev
		s.sessions.Register(dev)
	}
	s.sessions.SetStaleHandler(s.onStale)

	if cfg.API.Enabled {
		s.apiServer = api.NewServer(cfg, s.registry, settings, s)
		s.apiServer.SetSessionProvider(s.sessions)
	}

	return s, nil
}

// SetMonitoringService sets the external monitoring service readings are sent to.
func (s *ReadoutService) SetMonitoringService(monitoring domain.MonitoringService) {
	s.monitoring = monitoring
}

// SetCustomLogger allows updating the logger (useful for tests).
func (s *ReadoutService) SetCustomLogger(logger *zerolog.Logger) {
	s.logger = logger.With().Str("component", "service").Logger()
	s.classifier = validation.NewRangeClassifier(s.classifier.Bounds(), *logger)
}

// Start launches the source, the decode loop and, when enabled, the HTTP API.
func (s *ReadoutService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("service already started")
	}
	s.runCtx = ctx

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	sourceDone := make(chan struct{})

	go func() {
		defer close(sourceDone)

		if err := s.source.Run(ctx, s.slot); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Frame source stopped")
			s.errMu.Lock()
			s.sourceErr = err
			s.errMu.Unlock()
		}
	}()
	go func() {
		defer close(s.finished)
		s.consume(ctx, sourceDone)
	}()
	s.sessions.Start()

	s.logger.Info().
		Int("devices", len(s.devices)).
		Bool("verbose", s.settings.Verbose()).
		Bool("filtering", s.settings.Filtering()).
		Msg("Readout service started")

	return nil
}

// consume decodes captures until the service stops or the source is exhausted and
// the slot has drained.
func (s *ReadoutService) consume(ctx context.Context, sourceDone <-chan struct{}) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.slot.Filled():
			s.drain(ctx)
		case <-sourceDone:
			s.drain(ctx)
			return
		}
	}
}

// drain handles the pending capture, if any, and frees the slot.
func (s *ReadoutService) drain(ctx context.Context) {
	c, ok := s.slot.Take()
	if !ok {
		return
	}
	defer s.slot.Release()

	if _, err := s.HandleCapture(ctx, c); err != nil {
		s.discarded.Add(1)
		s.logger.Debug().
			Str("address", c.Address).
			Err(err).
			Msg("Discarded capture")
	}
}

// HandleCapture runs one capture through decode, classification and reporting.
func (s *ReadoutService) HandleCapture(ctx context.Context, c domain.Capture) (*domain.Reading, error) {
	dev, ok := s.devices[c.Address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, c.Address)
	}

	_, revived := s.sessions.RecordFrame(c.Address, len(c.Data), c.RSSI, c.ReceivedAt)

	reading, err := s.parser.Parse(ctx, dev, c.Data)
	if err != nil {
		s.sessions.RecordError(c.Address)
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if !c.ReceivedAt.IsZero() {
		reading.Timestamp = c.ReceivedAt
	}
	s.decoded.Add(1)

	tolerance := validation.Tolerance(s.settings.Filtering(), s.config.FilteringTolerance)
	result := s.classifier.Classify(reading, dev.LoadCurrent, tolerance)
	if result.Suppressed {
		s.suppressed.Add(1)
	}

	if err := s.registry.RecordReading(reading); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record reading")
	}

	s.logReading(reading, c.RSSI)
	if revived {
		s.publishAvailability(ctx, dev.Name, true)
	}
	s.publish(ctx, reading)

	if s.monitoring != nil {
		if err := s.monitoring.Send(ctx, reading); err != nil {
			s.logger.Error().Err(err).Msg("Failed to send to monitoring service")
		}
	}

	return reading, nil
}

// publish sends the reading to the device topic.
func (s *ReadoutService) publish(ctx context.Context, reading *domain.Reading) {
	if reading.Suppressed && !s.config.MQTT.PublishSuppressed {
		return
	}

	topic := fmt.Sprintf("%s/%s", s.config.MQTT.Topic, reading.Device)
	if err := s.publisher.Publish(ctx, topic, reading); err != nil {
		s.logger.Error().
			Str("topic", topic).
			Err(err).
			Msg("Failed to publish reading")
		return
	}
	s.published.Add(1)
}

// publishAvailability marks a device online or offline when the publisher supports it.
func (s *ReadoutService) publishAvailability(ctx context.Context, device string, online bool) {
	ap, ok := s.publisher.(availabilityPublisher)
	if !ok {
		return
	}

	topic := fmt.Sprintf("%s/%s", s.config.MQTT.Topic, device)
	if err := ap.PublishAvailability(ctx, topic, online); err != nil {
		s.logger.Error().
			Str("device", device).
			Bool("online", online).
			Err(err).
			Msg("Failed to publish availability")
	}
}

// onStale is called by the session manager when a device stops advertising.
func (s *ReadoutService) onStale(stats session.Stats) {
	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.publishAvailability(ctx, stats.Device, false)
}

// logReading writes the reading as one structured log line.
func (s *ReadoutService) logReading(reading *domain.Reading, rssi int16) {
	event := s.logger.Info()
	if reading.Suppressed {
		event = s.logger.Warn()
	}

	event = event.
		Str("device", reading.Device).
		Str("kind", reading.Kind.String()).
		Int16("rssi", rssi).
		Str("model_id", fmt.Sprintf("%04X", reading.ModelID)).
		Str("readout_type", fmt.Sprintf("%02X", reading.ReadoutType)).
		Str("record_type", fmt.Sprintf("%02X", reading.RecordType)).
		Str("nonce", fmt.Sprintf("%04X", reading.Nonce))

	fields := reading.Flatten()
	names := make([]string, 0, len(fields))
	for name := range fields {
		switch name {
		case "device", "address", "device_type", "timestamp", "duds":
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := fields[name]
		if value == nil {
			event = event.Str(name, "N/A")
			continue
		}
		event = event.Interface(name, value)
	}

	event.
		Int("duds", reading.Duds).
		Bool("suppressed", reading.Suppressed).
		Msg("Reading")
}

// Done is closed when the decode loop has exited.
func (s *ReadoutService) Done() <-chan struct{} {
	return s.finished
}

// Err returns the error the source stopped with, if any.
func (s *ReadoutService) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.sourceErr
}

// Stop shuts down the decode loop, the HTTP API and the publisher.
func (s *ReadoutService) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.sessions.Close()

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error stopping API server")
		}
	}

	if s.started.Load() {
		select {
		case <-s.finished:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for decode loop: %w", ctx.Err())
		}
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing publisher")
	}

	if s.monitoring != nil {
		if err := s.monitoring.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close monitoring service")
		}
	}

	s.logger.Info().
		Int64("decoded", s.decoded.Load()).
		Int64("discarded", s.discarded.Load()).
		Int64("suppressed", s.suppressed.Load()).
		Msg("Readout service stopped")

	return nil
}

// Registry returns the device registry.
func (s *ReadoutService) Registry() *domain.DeviceRegistry {
	return s.registry
}

// Sessions returns the session manager.
func (s *ReadoutService) Sessions() *session.Manager {
	return s.sessions
}

// GetMetrics returns service metrics.
func (s *ReadoutService) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})

	metrics["uptime"] = time.Since(s.startTime).Seconds()
	metrics["start_time"] = s.startTime
	metrics["frames_decoded"] = s.decoded.Load()
	metrics["frames_discarded"] = s.discarded.Load()
	metrics["frames_dropped"] = s.slot.Dropped()
	metrics["readings_suppressed"] = s.suppressed.Load()
	metrics["readings_published"] = s.published.Load()
	metrics["classifier"] = s.classifier.GetStatistics()
	metrics["sessions"] = s.sessions.CountByState()

	return metrics
}
