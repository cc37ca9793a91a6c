// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-victron-ble/internal/domain"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

//go:embed layouts/homeassistant_sensors.yaml
var homeAssistantSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceManufacturer string
	RetainDiscovery    bool
	IncludeDiagnostic  bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Models      map[string]string       `yaml:"models"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model,omitempty"`
	SwVersion    string      `json:"sw_version,omitempty"`
	Connections  [][2]string `json:"connections,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery for one device.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	device       domain.Device
	nodeID       string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the topic
// the device's readings are published on.
func New(config Config, baseTopic string, device domain.Device) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		device:    device,
		nodeID:    NodeID(device.Address),
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// NodeID derives the discovery node id from a device address.
func NodeID(address string) string {
	return "vble_" + strings.ToLower(strings.ReplaceAll(address, ":", ""))
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(homeAssistantSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("component", "homeassistant").
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// GenerateDiscoveryMessages generates the discovery messages for the fields present
// in a flattened reading, keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(data map[string]interface{}) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for fieldName := range data {
		sensorConfig, exists := ad.layoutConfig.Sensors[fieldName]
		if !exists {
			continue
		}
		if sensorConfig.Category == "diagnostic" && !ad.config.IncludeDiagnostic {
			continue
		}

		messages[ad.getDiscoveryTopic(fieldName)] = ad.createDiscoveryMessage(fieldName, sensorConfig)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(fieldName string, sensorConfig SensorConfig) DiscoveryMessage {
	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:                sensorConfig.Name,
		UniqueID:            fmt.Sprintf("%s_%s", ad.nodeID, fieldName),
		StateTopic:          ad.baseTopic,
		ValueTemplate:       fmt.Sprintf("{{ value_json.%s }}", fieldName),
		DeviceClass:         sensorConfig.DeviceClass,
		UnitOfMeasurement:   sensorConfig.UnitOfMeasurement,
		StateClass:          sensorConfig.StateClass,
		Icon:                sensorConfig.Icon,
		EntityCategory:      entityCategory,
		Device:              ad.deviceInfo(),
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
	}
}

func (ad *AutoDiscovery) deviceInfo() DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{ad.nodeID},
		Name:         ad.device.Name,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        ad.model(),
		SwVersion:    "go-victron-ble",
		Connections:  [][2]string{{"bluetooth", ad.device.Address}},
	}
}

// model returns the display model for the device kind.
func (ad *AutoDiscovery) model() string {
	if m, ok := ad.layoutConfig.Models[ad.device.Kind.String()]; ok {
		return m
	}
	return capitalize(ad.device.Kind.String())
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor:
// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(fieldName string) string {
	objectID := fmt.Sprintf("%s_%s", ad.nodeID, fieldName)
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, ad.nodeID, objectID)
}

// capitalize converts a snake case name to title case for display.
func capitalize(name string) string {
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
		}
	}
	return strings.Join(words, " ")
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	return AvailabilityPayload(online)
}

// AvailabilityPayload returns the availability payload for a state.
func AvailabilityPayload(online bool) string {
	if online {
		return PayloadOnline
	}
	return PayloadOffline
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(fieldNames []string) map[string]string {
	messages := make(map[string]string)

	for _, fieldName := range fieldNames {
		messages[ad.getDiscoveryTopic(fieldName)] = "" // Empty payload removes the entity
	}

	return messages
}
