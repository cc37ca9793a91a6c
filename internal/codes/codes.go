// Package codes maps raw status, error and alarm values to short symbolic codes.
package codes

import (
	"fmt"
	"math/bits"
)

// AlarmCode is the collapsed form of an alarm bitmask.
type AlarmCode int

const (
	AlarmNone AlarmCode = iota
	AlarmLowVoltage
	AlarmHighVoltage
	AlarmLowStateOfCharge
	AlarmLowStarterVoltage
	AlarmHighStarterVoltage
	AlarmLowTemperature
	AlarmHighTemperature
	AlarmMidVoltage
	AlarmOverload
	AlarmDCRipple
	AlarmLowACOutVoltage
	AlarmHighACOutVoltage
	AlarmShortCircuit
	AlarmBMSLockout
	AlarmMultiple
	AlarmUnknown
)

// alarmBits maps each single alarm bit to its code. Bits 0x0001..0x0080 are
// reported by battery monitors, 0x0100 and above by inverters.
var alarmBits = map[uint16]AlarmCode{
	0x0001: AlarmLowVoltage,
	0x0002: AlarmHighVoltage,
	0x0004: AlarmLowStateOfCharge,
	0x0008: AlarmLowStarterVoltage,
	0x0010: AlarmHighStarterVoltage,
	0x0020: AlarmLowTemperature,
	0x0040: AlarmHighTemperature,
	0x0080: AlarmMidVoltage,
	0x0100: AlarmOverload,
	0x0200: AlarmDCRipple,
	0x0400: AlarmLowACOutVoltage,
	0x0800: AlarmHighACOutVoltage,
	0x1000: AlarmShortCircuit,
	0x2000: AlarmBMSLockout,
}

var alarmNames = map[AlarmCode]string{
	AlarmNone:               "none",
	AlarmLowVoltage:         "lo_V",
	AlarmHighVoltage:        "hi_V",
	AlarmLowStateOfCharge:   "socL",
	AlarmLowStarterVoltage:  "lo_S",
	AlarmHighStarterVoltage: "hi_S",
	AlarmLowTemperature:     "lo_C",
	AlarmHighTemperature:    "hi_C",
	AlarmMidVoltage:         "midV",
	AlarmOverload:           "OVRL",
	AlarmDCRipple:           "DCrp",
	AlarmLowACOutVoltage:    "loAC",
	AlarmHighACOutVoltage:   "hiAC",
	AlarmShortCircuit:       "Shrt",
	AlarmBMSLockout:         "Lock",
	AlarmMultiple:           "Mult",
}

// String returns the short code.
func (c AlarmCode) String() string {
	if name, ok := alarmNames[c]; ok {
		return name
	}
	return "unkn"
}

// Alarm is an alarm bitmask together with its collapsed code.
type Alarm struct {
	Bits uint16
	Code AlarmCode
}

// ClassifyAlarm collapses an alarm bitmask. More than one set bit is reported as
// AlarmMultiple regardless of which bits are set.
func ClassifyAlarm(mask uint16) Alarm {
	switch bits.OnesCount16(mask) {
	case 0:
		return Alarm{Bits: mask, Code: AlarmNone}
	case 1:
		if code, ok := alarmBits[mask]; ok {
			return Alarm{Bits: mask, Code: code}
		}
		return Alarm{Bits: mask, Code: AlarmUnknown}
	default:
		return Alarm{Bits: mask, Code: AlarmMultiple}
	}
}

// String returns the short code, or the raw bits for an unmapped single bit.
func (a Alarm) String() string {
	if a.Code == AlarmUnknown {
		return fmt.Sprintf("*%04X*", a.Bits)
	}
	return a.Code.String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Alarm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// DeviceState is the Solar Controller operating state.
type DeviceState byte

const (
	StateOff DeviceState = iota
	StateLowPower
	StateFault
	StateBulk
	StateAbsorption
	StateFloat
	StateStorage
	StateEqualizeManual
)

var deviceStateNames = [...]string{
	StateOff:            "_OFF__",
	StateLowPower:       "Lo_PWR",
	StateFault:          "FAULT ",
	StateBulk:           "_BULK_",
	StateAbsorption:     "ABSORB",
	StateFloat:          "FLOAT_",
	StateStorage:        "Store ",
	StateEqualizeManual: "Eq_Man",
}

// Known reports whether the state has a label.
func (s DeviceState) Known() bool {
	return int(s) < len(deviceStateNames)
}

// String returns the label, or the raw value as hex for unmapped states.
func (s DeviceState) String() string {
	if s.Known() {
		return deviceStateNames[s]
	}
	return fmt.Sprintf("*%02X*", byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChargerError is the Solar Controller error code.
type ChargerError byte

const (
	ErrorNone ChargerError = iota
	ErrorBatteryHot
	ErrorVoltageHigh
	ErrorRemoteCA
	ErrorRemoteCB
	ErrorRemoteCC
	ErrorRemoteBA
	ErrorRemoteBB
	ErrorRemoteBC
)

var chargerErrorNames = [...]string{
	ErrorNone:        "no_err",
	ErrorBatteryHot:  "BATHOT",
	ErrorVoltageHigh: "VOLTHI",
	ErrorRemoteCA:    "REMC_A",
	ErrorRemoteCB:    "REMC_B",
	ErrorRemoteCC:    "REMC_C",
	ErrorRemoteBA:    "REMB_A",
	ErrorRemoteBB:    "REMB_B",
	ErrorRemoteBC:    "REMB_C",
}

// Known reports whether the error code has a label.
func (e ChargerError) Known() bool {
	return int(e) < len(chargerErrorNames)
}

// String returns the label, or the raw value as hex for unmapped codes.
func (e ChargerError) String() string {
	if e.Known() {
		return chargerErrorNames[e]
	}
	return fmt.Sprintf("*%02X*", byte(e))
}

// MarshalText implements encoding.TextMarshaler.
func (e ChargerError) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}
