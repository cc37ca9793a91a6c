// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/homeassistant"
)

// ErrNotConnected is returned when publishing before Connect succeeded.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*mqtt.ClientOptions) mqtt.Client // replaced in tests
	devices       map[string]domain.Device
	logger        zerolog.Logger

	mu                sync.Mutex
	connected         bool
	haDiscovery       map[string]*homeassistant.AutoDiscovery // by device name
	discoveredSensors map[string]bool                         // discovery topics already sent
	auxModes          map[string]string                       // last aux mode announced, by device name
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return newMQTTPublisher(cfg, nil)
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return newMQTTPublisher(cfg, client)
}

func newMQTTPublisher(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()

	devices := make(map[string]domain.Device)
	if parsed, err := cfg.ParseDevices(); err != nil {
		logger.Warn().Err(err).Msg("Device configuration invalid, discovery disabled for all devices")
	} else {
		for _, dev := range parsed {
			devices[dev.Name] = dev
		}
	}

	return &MQTTPublisher{
		config:            cfg,
		client:            client,
		clientFactory:     mqtt.NewClient,
		devices:           devices,
		logger:            logger,
		haDiscovery:       make(map[string]*homeassistant.AutoDiscovery),
		discoveredSensors: make(map[string]bool),
		auxModes:          make(map[string]string),
	}
}

// clientOptions builds the paho options from the configuration.
func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-victron-ble-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(p.connectTimeout()).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.config.MQTT.Username != "" {
		opts.SetUsername(p.config.MQTT.Username)
		opts.SetPassword(p.config.MQTT.Password)
	}

	return opts
}

func (p *MQTTPublisher) connectTimeout() time.Duration {
	if p.config.MQTT.ConnectionTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.config.MQTT.ConnectionTimeout) * time.Second
}

// onConnect is called when the connection is made or remade.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connected = true
	// Re-announce sensors after a reconnect.
	p.discoveredSensors = make(map[string]bool)
	p.logger.Info().Msg("MQTT connection established")
}

// onConnectionLost is called when the connection drops.
func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.clientOptions())
	}

	timeout := p.connectTimeout()
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", timeout)
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")

	return nil
}

// IsConnected reports whether the publisher holds a live connection.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Publish sends data to the specified topic. Readings are flattened and, when
// enabled, announced to Home Assistant first.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled {
		return nil
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}

	if reading, ok := data.(*domain.Reading); ok {
		return p.publishReading(ctx, topic, reading)
	}

	return p.publishGeneric(ctx, topic, data, p.config.MQTT.Retain)
}

// publishGeneric handles simple JSON publishing.
func (p *MQTTPublisher) publishGeneric(ctx context.Context, topic string, data interface{}, retain bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	return p.publishRaw(ctx, topic, jsonData, retain)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, payload interface{}, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s timed out: %w", topic, publishCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// publishReading publishes discovery, availability and the flattened reading.
func (p *MQTTPublisher) publishReading(ctx context.Context, topic string, reading *domain.Reading) error {
	dataMap := reading.Flatten()

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.publishHomeAssistantDiscovery(ctx, topic, reading.Device, dataMap); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	if debugJSON, err := json.Marshal(dataMap); err == nil {
		p.logger.Debug().
			Str("topic", topic).
			RawJSON("data", debugJSON).
			Msg("Publishing reading")
	}

	return p.publishGeneric(ctx, topic, dataMap, p.config.MQTT.Retain)
}

// PublishAvailability publishes the availability of the device whose readings go
// to topic.
func (p *MQTTPublisher) PublishAvailability(ctx context.Context, topic string, online bool) error {
	if !p.config.MQTT.Enabled {
		return nil
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}

	return p.publishRaw(ctx, topic+"/availability", homeassistant.AvailabilityPayload(online), p.config.MQTT.Retain)
}

// discoveryFor returns the discovery helper of a device, creating it on first use.
func (p *MQTTPublisher) discoveryFor(topic, device string) (*homeassistant.AutoDiscovery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ad, ok := p.haDiscovery[device]; ok {
		return ad, nil
	}

	dev, ok := p.devices[device]
	if !ok {
		return nil, nil
	}

	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	ad, err := homeassistant.New(homeassistant.Config{
		Enabled:            ha.Enabled,
		DiscoveryPrefix:    ha.DiscoveryPrefix,
		DeviceManufacturer: ha.DeviceManufacturer,
		RetainDiscovery:    ha.RetainDiscovery,
		IncludeDiagnostic:  ha.IncludeDiagnostic,
	}, topic, dev)
	if err != nil {
		return nil, err
	}

	p.haDiscovery[device] = ad
	return ad, nil
}

// publishHomeAssistantDiscovery publishes the discovery messages not sent yet and the
// availability of the device.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(ctx context.Context, topic, device string, data map[string]interface{}) error {
	ad, err := p.discoveryFor(topic, device)
	if err != nil {
		return err
	}
	if ad == nil {
		p.logger.Debug().Str("device", device).Msg("No configured device for discovery")
		return nil
	}

	if err := p.removeStaleAuxSensor(ctx, ad, device, data); err != nil {
		return err
	}

	messages := ad.GenerateDiscoveryMessages(data)
	topics := make([]string, 0, len(messages))
	for t := range messages {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, discoveryTopic := range topics {
		p.mu.Lock()
		sent := p.discoveredSensors[discoveryTopic]
		p.mu.Unlock()
		if sent {
			continue
		}

		retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
		if err := p.publishGeneric(ctx, discoveryTopic, messages[discoveryTopic], retain); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", discoveryTopic, err)
		}

		p.mu.Lock()
		p.discoveredSensors[discoveryTopic] = true
		p.mu.Unlock()
	}

	return p.publishRaw(ctx, ad.GetAvailabilityTopic(), ad.CreateAvailabilityMessage(true), p.config.MQTT.Retain)
}

// removeStaleAuxSensor removes the entity of the auxiliary input a Battery Monitor
// reported before its aux mode changed. The aux value is published under the name of
// the mode, so each mode has its own entity.
func (p *MQTTPublisher) removeStaleAuxSensor(ctx context.Context, ad *homeassistant.AutoDiscovery, device string, data map[string]interface{}) error {
	mode, ok := data["aux_mode"].(string)
	if !ok {
		return nil
	}

	p.mu.Lock()
	previous, seen := p.auxModes[device]
	p.auxModes[device] = mode
	p.mu.Unlock()

	if !seen || previous == mode || previous == domain.AuxNone.String() {
		return nil
	}

	cleanup := ad.CleanupDiscoveryMessages([]string{previous})
	for discoveryTopic, payload := range cleanup {
		// Only a retained empty payload clears the retained config.
		if err := p.publishRaw(ctx, discoveryTopic, payload, true); err != nil {
			return fmt.Errorf("failed to remove discovery message %s: %w", discoveryTopic, err)
		}

		p.mu.Lock()
		delete(p.discoveredSensors, discoveryTopic)
		p.mu.Unlock()
	}

	p.logger.Info().
		Str("device", device).
		Str("from", previous).
		Str("to", mode).
		Msg("Aux mode changed, removed stale sensor")

	return nil
}

// Close marks all announced devices offline and terminates the connection.
func (p *MQTTPublisher) Close() error {
	if p.client == nil || !p.IsConnected() {
		return nil
	}

	p.mu.Lock()
	discoveries := make([]*homeassistant.AutoDiscovery, 0, len(p.haDiscovery))
	for _, ad := range p.haDiscovery {
		discoveries = append(discoveries, ad)
	}
	p.mu.Unlock()

	for _, ad := range discoveries {
		token := p.client.Publish(ad.GetAvailabilityTopic(), 0, p.config.MQTT.Retain, ad.CreateAvailabilityMessage(false))
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Msg("Failed to publish offline availability")
		}
	}

	p.client.Disconnect(250) // Disconnect with 250ms timeout

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	return nil
}
