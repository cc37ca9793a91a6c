// Package domain provides core domain models and interfaces for the go-victron-ble application
package domain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-victron-ble/internal/codes"
)

// BlockSize is the size of the cipher block carried by each frame.
const BlockSize = 16

// Key is the per-device static AES-128 key.
type Key [BlockSize]byte

// ParseKey decodes a key from 32 hexadecimal characters.
func ParseKey(s string) (Key, error) {
	var key Key

	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(raw) != BlockSize {
		return key, fmt.Errorf("invalid key length: got %d bytes, want %d", len(raw), BlockSize)
	}

	copy(key[:], raw)
	return key, nil
}

// DeviceKind selects the record layout used to decode a device's frames.
type DeviceKind int

const (
	KindUnknown DeviceKind = iota
	KindBatteryMonitor
	KindSolarController
)

// Device kind names as used in configuration and published data.
const (
	DeviceTypeBatteryMonitor  = "battery_monitor"
	DeviceTypeSolarController = "solar_controller"
)

// String returns the configuration name of the kind.
func (k DeviceKind) String() string {
	switch k {
	case KindBatteryMonitor:
		return DeviceTypeBatteryMonitor
	case KindSolarController:
		return DeviceTypeSolarController
	default:
		return "unknown"
	}
}

// ParseDeviceKind converts a configuration name into a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case DeviceTypeBatteryMonitor, "bm", "smartshunt", "bmv":
		return KindBatteryMonitor, nil
	case DeviceTypeSolarController, "sc", "mppt":
		return KindSolarController, nil
	default:
		return KindUnknown, fmt.Errorf("unknown device kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Device describes one configured physical device.
type Device struct {
	Name    string
	Address string // lower case MAC address
	Kind    DeviceKind
	Key     Key

	// LoadCurrent reports whether a Solar Controller has a load output.
	LoadCurrent bool
	// VerifyKeyCheck rejects frames whose key check byte differs from Key[0].
	VerifyKeyCheck bool
}

// Measurement is one decoded physical value.
type Measurement struct {
	Value      float64 `json:"value"`
	Available  bool    `json:"available"`
	OutOfRange bool    `json:"out_of_range,omitempty"`
}

// AuxMode selects how the Battery Monitor auxiliary input is interpreted.
type AuxMode int

const (
	AuxVoltage AuxMode = iota
	AuxMidVoltage
	AuxTemperature
	AuxNone
)

// AuxNoneValue is reported as the aux value when no auxiliary input is configured.
const AuxNoneValue = 999.99

// String returns the field name used for the aux value in this mode.
func (m AuxMode) String() string {
	switch m {
	case AuxVoltage:
		return "aux_voltage"
	case AuxMidVoltage:
		return "mid_voltage"
	case AuxTemperature:
		return "temperature"
	default:
		return "none"
	}
}

// Unit returns the unit of the aux value in this mode.
func (m AuxMode) Unit() string {
	switch m {
	case AuxVoltage, AuxMidVoltage:
		return "V"
	case AuxTemperature:
		return "K"
	default:
		return "X"
	}
}

// BatteryMonitorReading holds the fields of a Battery Monitor record.
type BatteryMonitorReading struct {
	TimeToGo         Measurement `json:"time_to_go"` // minutes
	TimeToGoInfinite bool        `json:"time_to_go_infinite"`
	BatteryVoltage   Measurement `json:"battery_voltage"`
	Alarm            codes.Alarm `json:"alarm"`
	AuxMode          AuxMode     `json:"aux_mode"`
	AuxValue         Measurement `json:"aux_value"`
	BatteryCurrent   Measurement `json:"battery_current"`
	ConsumedCharge   Measurement `json:"consumed_charge"`
	StateOfCharge    Measurement `json:"state_of_charge"`
}

// TimeToGoDays returns the remaining time in days.
func (r *BatteryMonitorReading) TimeToGoDays() float64 {
	return r.TimeToGo.Value / 60 / 24
}

// SolarControllerReading holds the fields of a Solar Controller record.
type SolarControllerReading struct {
	DeviceState    codes.DeviceState  `json:"device_state"`
	ChargerError   codes.ChargerError `json:"charger_error"`
	BatteryVoltage Measurement        `json:"battery_voltage"`
	BatteryCurrent Measurement        `json:"battery_current"`
	EnergyToday    Measurement        `json:"energy_today"`
	PVPower        Measurement        `json:"pv_power"`
	LoadCurrent    Measurement        `json:"load_current"`
}

// Reading is the decoded result of one frame. Exactly one of BatteryMonitor and
// SolarController is set, matching Kind.
type Reading struct {
	Device      string     `json:"device"`
	Address     string     `json:"address"`
	Kind        DeviceKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
	ModelID     uint16     `json:"model_id"`
	ReadoutType byte       `json:"readout_type"`
	RecordType  byte       `json:"record_type"`
	Nonce       uint16     `json:"nonce"`

	BatteryMonitor  *BatteryMonitorReading  `json:"battery_monitor,omitempty"`
	SolarController *SolarControllerReading `json:"solar_controller,omitempty"`

	Duds       int  `json:"duds"`
	Suppressed bool `json:"suppressed"`
}

// Flatten converts the reading into a flat map keyed by field name. Fields that are
// not available are published as nil.
func (r *Reading) Flatten() map[string]interface{} {
	out := map[string]interface{}{
		"device":      r.Device,
		"address":     r.Address,
		"device_type": r.Kind.String(),
		"timestamp":   r.Timestamp.Unix(),
		"duds":        r.Duds,
	}

	put := func(name string, m Measurement) {
		if m.Available {
			out[name] = m.Value
		} else {
			out[name] = nil
		}
	}

	switch {
	case r.BatteryMonitor != nil:
		bm := r.BatteryMonitor
		if bm.TimeToGoInfinite || !bm.TimeToGo.Available {
			out["time_to_go"] = nil
			out["time_to_go_days"] = nil
		} else {
			out["time_to_go"] = bm.TimeToGo.Value
			out["time_to_go_days"] = bm.TimeToGoDays()
		}
		put("battery_voltage", bm.BatteryVoltage)
		out["alarm"] = bm.Alarm.String()
		out["aux_mode"] = bm.AuxMode.String()
		if bm.AuxMode != AuxNone {
			put(bm.AuxMode.String(), bm.AuxValue)
		}
		put("battery_current", bm.BatteryCurrent)
		put("consumed_charge", bm.ConsumedCharge)
		put("state_of_charge", bm.StateOfCharge)
	case r.SolarController != nil:
		sc := r.SolarController
		out["device_state"] = sc.DeviceState.String()
		out["charger_error"] = sc.ChargerError.String()
		put("battery_voltage", sc.BatteryVoltage)
		put("battery_current", sc.BatteryCurrent)
		put("energy_today", sc.EnergyToday)
		put("pv_power", sc.PVPower)
		put("load_current", sc.LoadCurrent)
	}

	return out
}

// Capture is one manufacturer data blob received from a device.
type Capture struct {
	Address    string
	RSSI       int16
	Data       []byte
	ReceivedAt time.Time
}

// Sink accepts captures from a FrameSource. Offer returns false while the previous
// capture has not been consumed yet; Drained is signalled when it has.
type Sink interface {
	Offer(c Capture) bool
	Drained() <-chan struct{}
}

// FrameSource produces captures until ctx is cancelled or the source is exhausted.
type FrameSource interface {
	Run(ctx context.Context, sink Sink) error
}

// FrameDecoder turns a capture into a reading for a known device.
type FrameDecoder interface {
	Parse(ctx context.Context, dev Device, data []byte) (*Reading, error)
}

// MessagePublisher defines the interface for publishing readings.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// Settings holds the runtime toggles. They are flipped by the console and the API
// while the service reads them, so both are atomic.
type Settings struct {
	verbose   atomic.Bool
	filtering atomic.Bool
}

// NewSettings creates settings with the given initial values.
func NewSettings(verbose, filtering bool) *Settings {
	s := &Settings{}
	s.verbose.Store(verbose)
	s.filtering.Store(filtering)
	return s
}

// Verbose reports whether verbose dumps are enabled.
func (s *Settings) Verbose() bool { return s.verbose.Load() }

// Filtering reports whether dud filtering is enabled.
func (s *Settings) Filtering() bool { return s.filtering.Load() }

// SetVerbose sets the verbose flag.
func (s *Settings) SetVerbose(v bool) { s.verbose.Store(v) }

// SetFiltering sets the filtering flag.
func (s *Settings) SetFiltering(v bool) { s.filtering.Store(v) }

// ToggleVerbose flips the verbose flag and returns the new value.
func (s *Settings) ToggleVerbose() bool {
	for {
		old := s.verbose.Load()
		if s.verbose.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// ToggleFiltering flips the filtering flag and returns the new value.
func (s *Settings) ToggleFiltering() bool {
	for {
		old := s.filtering.Load()
		if s.filtering.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Connect prepares the service for sending
	Connect() error

	// Send uploads a reading to the monitoring service
	Send(ctx context.Context, reading *Reading) error

	// Close releases the resources of the service
	Close() error
}
