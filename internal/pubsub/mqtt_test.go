package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-victron-ble/internal/codes"
	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/domain"
)

// doneToken is an already completed token.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMessage struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// fakeClient records publications. Methods the publisher never calls panic through
// the embedded nil interface.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connectErr   error
	publishErr   error
	messages     []publishedMessage
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken{err: c.connectErr} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.messages = append(c.messages, publishedMessage{Topic: topic, Retained: retained, Payload: data})
	return doneToken{err: c.publishErr}
}

func (c *fakeClient) published() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.messages...)
}

func (c *fakeClient) topics(prefix string) []string {
	var topics []string
	for _, m := range c.published() {
		if strings.HasPrefix(m.Topic, prefix) {
			topics = append(topics, m.Topic)
		}
	}
	return topics
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Topic = "victron"
	cfg.Devices = []config.DeviceConfig{
		{Name: "roof-mppt", Address: "aa:bb:cc:dd:ee:02", Kind: "solar_controller", Key: "0df4d0395b7d1a876c0c33ecb9e70dcd"},
		{Name: "house-shunt", Address: "aa:bb:cc:dd:ee:01", Kind: "battery_monitor", Key: "0df4d0395b7d1a876c0c33ecb9e70dcd"},
	}
	return cfg
}

func testReading() *domain.Reading {
	return &domain.Reading{
		Device:    "roof-mppt",
		Address:   "aa:bb:cc:dd:ee:02",
		Kind:      domain.KindSolarController,
		Timestamp: time.Unix(1700000000, 0),
		SolarController: &domain.SolarControllerReading{
			DeviceState:    codes.StateAbsorption,
			ChargerError:   codes.ErrorNone,
			BatteryVoltage: domain.Measurement{Value: 27.1, Available: true},
			BatteryCurrent: domain.Measurement{Value: 4.2, Available: true},
			EnergyToday:    domain.Measurement{Value: 0.85, Available: true},
			PVPower:        domain.Measurement{Value: 118, Available: true},
		},
	}
}

func connectedPublisher(t *testing.T, cfg *config.Config) (*MQTTPublisher, *fakeClient) {
	t.Helper()
	client := &fakeClient{}
	publisher := NewMQTTPublisherWithClient(cfg, client)
	require.NoError(t, publisher.Connect(context.Background()))
	return publisher, client
}

func TestNoopPublisher(t *testing.T) {
	publisher := NewNoopPublisher()
	ctx := context.Background()

	assert.NoError(t, publisher.Connect(ctx))
	assert.NoError(t, publisher.Publish(ctx, "test/topic", map[string]interface{}{"test": "data"}))
	assert.NoError(t, publisher.Close())
}

func TestNewMQTTPublisher(t *testing.T) {
	cfg := testConfig()

	publisher := NewMQTTPublisher(cfg)
	assert.NotNil(t, publisher)
	assert.Equal(t, cfg, publisher.config)
	assert.False(t, publisher.IsConnected())
	assert.Nil(t, publisher.client)
	assert.Len(t, publisher.devices, 2)
}

func TestMQTTPublisher_ClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Host = "broker.local"
	cfg.MQTT.Port = 1884
	cfg.MQTT.Username = "boat"
	cfg.MQTT.Password = "secret"
	cfg.MQTT.ConnectionTimeout = 3

	opts := NewMQTTPublisher(cfg).clientOptions()

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1884", opts.Servers[0].String())
	assert.Equal(t, "boat", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.True(t, strings.HasPrefix(opts.ClientID, "go-victron-ble-"))
}

func TestMQTTPublisher_ConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = false

	publisher := NewMQTTPublisher(cfg)
	assert.NoError(t, publisher.Connect(context.Background()))
	assert.Nil(t, publisher.client)
	assert.NoError(t, publisher.Publish(context.Background(), "victron/x", testReading()))
}

func TestMQTTPublisher_ConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("connection refused")}
	publisher := NewMQTTPublisherWithClient(testConfig(), client)

	err := publisher.Connect(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, publisher.IsConnected())
	assert.ErrorIs(t, publisher.Publish(context.Background(), "victron/x", testReading()), ErrNotConnected)
}

func TestMQTTPublisher_ConnectUsesFactory(t *testing.T) {
	client := &fakeClient{}
	publisher := NewMQTTPublisher(testConfig())

	var got *mqtt.ClientOptions
	publisher.clientFactory = func(opts *mqtt.ClientOptions) mqtt.Client {
		got = opts
		return client
	}

	require.NoError(t, publisher.Connect(context.Background()))
	assert.NotNil(t, got)
	assert.True(t, publisher.IsConnected())
}

func TestMQTTPublisher_PublishReading(t *testing.T) {
	publisher, client := connectedPublisher(t, testConfig())

	require.NoError(t, publisher.Publish(context.Background(), "victron/roof-mppt", testReading()))

	messages := client.published()
	require.Len(t, messages, 1, "discovery is disabled")
	assert.Equal(t, "victron/roof-mppt", messages[0].Topic)
	assert.False(t, messages[0].Retained)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(messages[0].Payload, &payload))
	assert.Equal(t, "roof-mppt", payload["device"])
	assert.Equal(t, "solar_controller", payload["device_type"])
	assert.Equal(t, 27.1, payload["battery_voltage"])
	assert.Equal(t, "ABSORB", payload["device_state"])
	assert.Contains(t, payload, "load_current")
	assert.Nil(t, payload["load_current"])
}

func TestMQTTPublisher_PublishGeneric(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Retain = true
	publisher, client := connectedPublisher(t, cfg)

	require.NoError(t, publisher.Publish(context.Background(), "victron/status", map[string]string{"state": "up"}))

	messages := client.published()
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Retained)
	assert.JSONEq(t, `{"state":"up"}`, string(messages[0].Payload))
}

func TestMQTTPublisher_PublishError(t *testing.T) {
	publisher, client := connectedPublisher(t, testConfig())
	client.publishErr = errors.New("broker gone")

	err := publisher.Publish(context.Background(), "victron/roof-mppt", testReading())
	assert.ErrorContains(t, err, "broker gone")
}

func TestMQTTPublisher_PublishMarshalError(t *testing.T) {
	publisher, _ := connectedPublisher(t, testConfig())

	err := publisher.Publish(context.Background(), "victron/x", map[string]interface{}{"bad": make(chan int)})
	assert.ErrorContains(t, err, "failed to marshal data")
}

func TestMQTTPublisher_HomeAssistantAutoDiscovery(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	publisher, client := connectedPublisher(t, cfg)
	ctx := context.Background()

	require.NoError(t, publisher.Publish(ctx, "victron/roof-mppt", testReading()))

	discovery := client.topics("homeassistant/")
	// battery_voltage, battery_current, energy_today, pv_power, load_current,
	// device_state, charger_error, duds
	assert.Len(t, discovery, 8)
	assert.Contains(t, discovery, "homeassistant/sensor/vble_aabbccddee02/vble_aabbccddee02_pv_power/config")
	for _, m := range client.published() {
		if strings.HasPrefix(m.Topic, "homeassistant/") {
			assert.True(t, m.Retained, "discovery is retained")
		}
	}

	availability := client.topics("victron/roof-mppt/availability")
	assert.Len(t, availability, 1)

	// Sensors are announced once.
	require.NoError(t, publisher.Publish(ctx, "victron/roof-mppt", testReading()))
	assert.Len(t, client.topics("homeassistant/"), 8)
	assert.Len(t, client.topics("victron/roof-mppt/availability"), 2)

	// A reconnect announces them again.
	publisher.onConnect(client)
	require.NoError(t, publisher.Publish(ctx, "victron/roof-mppt", testReading()))
	assert.Len(t, client.topics("homeassistant/"), 16)
}

func TestMQTTPublisher_HomeAssistantUnknownDevice(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	publisher, client := connectedPublisher(t, cfg)

	reading := testReading()
	reading.Device = "not-configured"
	require.NoError(t, publisher.Publish(context.Background(), "victron/not-configured", reading))

	assert.Empty(t, client.topics("homeassistant/"))
	assert.Len(t, client.published(), 1)
}

func shuntReading(mode domain.AuxMode) *domain.Reading {
	return &domain.Reading{
		Device:  "house-shunt",
		Address: "aa:bb:cc:dd:ee:01",
		Kind:    domain.KindBatteryMonitor,
		BatteryMonitor: &domain.BatteryMonitorReading{
			BatteryVoltage: domain.Measurement{Value: 12.9, Available: true},
			AuxMode:        mode,
			AuxValue:       domain.Measurement{Value: 12.4, Available: true},
		},
	}
}

func TestMQTTPublisher_HomeAssistantAuxModeChange(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	publisher, client := connectedPublisher(t, cfg)
	ctx := context.Background()

	const (
		auxTopic  = "homeassistant/sensor/vble_aabbccddee01/vble_aabbccddee01_aux_voltage/config"
		tempTopic = "homeassistant/sensor/vble_aabbccddee01/vble_aabbccddee01_temperature/config"
	)

	payloads := func(topic string) []publishedMessage {
		var out []publishedMessage
		for _, m := range client.published() {
			if m.Topic == topic {
				out = append(out, m)
			}
		}
		return out
	}

	require.NoError(t, publisher.Publish(ctx, "victron/house-shunt", shuntReading(domain.AuxVoltage)))
	require.Len(t, payloads(auxTopic), 1)
	assert.NotEmpty(t, payloads(auxTopic)[0].Payload)
	assert.Empty(t, payloads(tempTopic))

	// Same mode again removes nothing.
	require.NoError(t, publisher.Publish(ctx, "victron/house-shunt", shuntReading(domain.AuxVoltage)))
	assert.Len(t, payloads(auxTopic), 1)

	require.NoError(t, publisher.Publish(ctx, "victron/house-shunt", shuntReading(domain.AuxTemperature)))
	aux := payloads(auxTopic)
	require.Len(t, aux, 2)
	assert.Empty(t, aux[1].Payload, "stale entity is removed")
	assert.True(t, aux[1].Retained)
	require.Len(t, payloads(tempTopic), 1)
	assert.NotEmpty(t, payloads(tempTopic)[0].Payload)

	// Switching back announces the removed entity again.
	require.NoError(t, publisher.Publish(ctx, "victron/house-shunt", shuntReading(domain.AuxVoltage)))
	aux = payloads(auxTopic)
	require.Len(t, aux, 3)
	assert.NotEmpty(t, aux[2].Payload)
	temp := payloads(tempTopic)
	require.Len(t, temp, 2)
	assert.Empty(t, temp[1].Payload)

	// Leaving none has nothing to remove.
	require.NoError(t, publisher.Publish(ctx, "victron/house-shunt", shuntReading(domain.AuxNone)))
	require.Len(t, payloads(auxTopic), 4)
	before := len(client.topics("homeassistant/"))
	require.NoError(t, publisher.Publish(ctx, "victron/house-shunt", shuntReading(domain.AuxMidVoltage)))
	assert.Equal(t, before+1, len(client.topics("homeassistant/")), "only the mid voltage entity is announced")
}

func TestMQTTPublisher_Close(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	publisher, client := connectedPublisher(t, cfg)

	require.NoError(t, publisher.Publish(context.Background(), "victron/roof-mppt", testReading()))
	require.NoError(t, publisher.Close())

	messages := client.published()
	last := messages[len(messages)-1]
	assert.Equal(t, "victron/roof-mppt/availability", last.Topic)
	assert.Equal(t, "offline", string(last.Payload))
	assert.True(t, client.disconnected)
	assert.False(t, publisher.IsConnected())

	// Closing twice is harmless.
	assert.NoError(t, publisher.Close())
}

func TestMQTTPublisher_ConnectionLost(t *testing.T) {
	publisher, client := connectedPublisher(t, testConfig())

	publisher.onConnectionLost(client, errors.New("eof"))
	assert.False(t, publisher.IsConnected())

	publisher.onConnect(client)
	assert.True(t, publisher.IsConnected())
}

func TestMQTTPublisher_PublishAvailability(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Retain = true
	publisher, client := connectedPublisher(t, cfg)

	require.NoError(t, publisher.PublishAvailability(context.Background(), "victron/roof-mppt", false))
	require.NoError(t, publisher.PublishAvailability(context.Background(), "victron/roof-mppt", true))

	messages := client.published()
	require.Len(t, messages, 2)
	assert.Equal(t, "victron/roof-mppt/availability", messages[0].Topic)
	assert.Equal(t, "offline", string(messages[0].Payload))
	assert.True(t, messages[0].Retained)
	assert.Equal(t, "online", string(messages[1].Payload))
}

func TestMQTTPublisher_PublishAvailabilityNotConnected(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = false
	assert.NoError(t, NewMQTTPublisher(cfg).PublishAvailability(context.Background(), "victron/x", true))

	publisher := NewMQTTPublisherWithClient(testConfig(), &fakeClient{})
	err := publisher.PublishAvailability(context.Background(), "victron/x", true)
	assert.ErrorIs(t, err, ErrNotConnected)
}
