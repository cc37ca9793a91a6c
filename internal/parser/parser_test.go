package parser

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-victron-ble/internal/bitreader"
	"github.com/resident-x/go-victron-ble/internal/codes"
	"github.com/resident-x/go-victron-ble/internal/decrypt"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/frame"
)

const testKeyHex = "0df4d0395b7d1a876c0c33ecb9e70dcd"

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser(nil, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return p
}

func testDevice(t *testing.T, kind domain.DeviceKind) domain.Device {
	t.Helper()
	key, err := domain.ParseKey(testKeyHex)
	require.NoError(t, err)
	return domain.Device{Name: "dev", Address: "aa:bb:cc:dd:ee:ff", Kind: kind, Key: key}
}

// encodeSigned returns the two's complement pattern of v in width bits.
func encodeSigned(v int32, width int) uint32 {
	return uint32(v) & (uint32(1)<<uint(width) - 1)
}

// buildFrame encrypts plain for dev and wraps it in a full 26 byte frame.
func buildFrame(dev domain.Device, recordType byte, nonce uint16, plain [16]byte) []byte {
	var iv [16]byte
	iv[0], iv[1] = byte(nonce), byte(nonce>>8)
	enc := decrypt.Block(dev.Key, iv, plain)

	data := []byte{0xE1, 0x02, 0x10, 0xA3, 0xA0, 0x02, recordType, byte(nonce), byte(nonce >> 8), dev.Key[0]}
	return append(data, enc[:]...)
}

func TestNewParserLoadsLayouts(t *testing.T) {
	p := newTestParser(t)

	bm, ok := p.Layout(domain.KindBatteryMonitor)
	require.True(t, ok)
	assert.Equal(t, int(frame.RecordBatteryMonitor), bm.RecordType)
	assert.Len(t, bm.Fields, 10)
	assert.Contains(t, bm.Fields, "state_of_charge")

	sc, ok := p.Layout(domain.KindSolarController)
	require.True(t, ok)
	assert.Equal(t, int(frame.RecordSolarController), sc.RecordType)
	assert.Len(t, sc.Fields, 7)
	for _, name := range requiredFields[domain.KindSolarController] {
		assert.Contains(t, sc.Fields, name)
	}
}

func TestNewParserWithLogger(t *testing.T) {
	var global bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&global)
	t.Cleanup(func() { log.Logger = previous })

	var buf bytes.Buffer
	_, err := NewParser(nil, WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Loaded layout battery_monitor with 10 fields")
	assert.Contains(t, out, "Loaded layout solar_controller with 7 fields")
	assert.Contains(t, out, `"component":"parser"`)
	assert.Empty(t, global.String(), "construction logs only through the given logger")
}

func TestParseLayoutErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown kind", "kind: inverter\nfields: {}\n", "unknown device kind"},
		{"field outside block", "kind: solar_controller\nfields:\n  pv_power: {offset: 120, width: 16, type: num, divide: 1}\n", "outside 128 bit block"},
		{"zero divide", "kind: solar_controller\nfields:\n  pv_power: {offset: 64, width: 16, type: num}\n", "divide must be positive"},
		{"bad type", "kind: solar_controller\nfields:\n  pv_power: {offset: 64, width: 16, type: text, divide: 1}\n", "unknown type"},
		{"bad sentinel", "kind: solar_controller\nfields:\n  pv_power: {offset: 64, width: 16, type: num, divide: 1, sentinel: zz}\n", "invalid sentinel"},
		{"wide sentinel", "kind: solar_controller\nfields:\n  load_current: {offset: 80, width: 9, type: num, divide: 10, sentinel: \"0x3FF\"}\n", "wider than 9 bits"},
		{"missing field", "kind: solar_controller\nfields:\n  pv_power: {offset: 64, width: 16, type: num, divide: 1}\n", "missing field"},
		{"invalid yaml", "kind: [\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseLayout([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBatteryMonitorRoundTrip(t *testing.T) {
	p := newTestParser(t)
	layout, _ := p.Layout(domain.KindBatteryMonitor)

	tests := []struct {
		name      string
		field     string
		raw       uint32
		want      float64
		available bool
	}{
		{"time to go zero", "time_to_go", 0, 0, true},
		{"time to go", "time_to_go", 1440, 1440, true},
		{"time to go max below sentinel", "time_to_go", 0xFFFE, 65534, true},
		{"voltage", "battery_voltage", 0x1234, 46.60, true},
		{"voltage negative", "battery_voltage", encodeSigned(-1234, 16), -12.34, true},
		{"voltage minimum", "battery_voltage", 0x8000, -327.68, true},
		{"voltage maximum", "battery_voltage", 0x7FFE, 327.66, true},
		{"voltage sentinel", "battery_voltage", 0x7FFF, 327.67, false},
		{"voltage sentinel with sign", "battery_voltage", 0xFFFF, -0.01, false},
		{"aux voltage", "aux_voltage", encodeSigned(-50, 16), -0.5, true},
		{"aux voltage sentinel", "aux_voltage", 0x7FFF, 327.67, false},
		{"mid voltage", "mid_voltage", 1325, 13.25, true},
		{"mid voltage sentinel", "mid_voltage", 0xFFFF, 655.35, false},
		{"temperature", "temperature", 29815, 298.15, true},
		{"temperature sentinel", "temperature", 0xFFFF, 655.35, false},
		{"current zero", "battery_current", 0, 0, true},
		{"current minus one amp", "battery_current", encodeSigned(-1000, 22), -1.0, true},
		{"current positive", "battery_current", 12345, 12.345, true},
		{"current minimum", "battery_current", 0x200000, -2097.152, true},
		{"current maximum", "battery_current", 0x1FFFFE, 2097.150, true},
		{"current sentinel", "battery_current", 0x1FFFFF, 2097.151, false},
		{"current all ones", "battery_current", 0x3FFFFF, -0.001, false},
		{"consumed", "consumed_charge", 125, 12.5, true},
		{"consumed maximum", "consumed_charge", 0xFFFFE, 104857.4, true},
		{"consumed sentinel", "consumed_charge", 0xFFFFF, 104857.5, false},
		{"soc zero", "state_of_charge", 0, 0, true},
		{"soc", "state_of_charge", 875, 87.5, true},
		{"soc full", "state_of_charge", 1000, 100, true},
		{"soc sentinel", "state_of_charge", 0x3FF, 102.3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := layout.Fields[tt.field]
			var block [16]byte
			bitreader.Put(block[:], field.Offset, field.Width, tt.raw)

			v := layout.DecodeBlock(block)[tt.field]
			assert.Equal(t, tt.raw, v.Raw)
			assert.Equal(t, tt.available, v.Available)
			if tt.available {
				assert.Equal(t, tt.want, v.Scaled)
			}
		})
	}
}

func TestStateOfChargeClamp(t *testing.T) {
	p := newTestParser(t)
	layout, _ := p.Layout(domain.KindBatteryMonitor)
	field := layout.Fields["state_of_charge"]

	for _, raw := range []uint32{1001, 1010, 1022} {
		var block [16]byte
		bitreader.Put(block[:], field.Offset, field.Width, raw)

		v := layout.DecodeBlock(block)["state_of_charge"]
		assert.True(t, v.Available, "raw %d", raw)
		assert.True(t, v.Clamped, "raw %d", raw)
		assert.Equal(t, 999.9, v.Scaled, "raw %d", raw)
	}
}

func TestSolarControllerRoundTrip(t *testing.T) {
	p := newTestParser(t)
	layout, _ := p.Layout(domain.KindSolarController)

	tests := []struct {
		name      string
		field     string
		raw       uint32
		want      float64
		available bool
	}{
		{"state", "device_state", 5, 5, true},
		{"error", "charger_error", 0xFF, 255, true},
		{"voltage", "battery_voltage", 1500, 15.0, true},
		{"voltage negative", "battery_voltage", encodeSigned(-1, 16), 0, false},
		{"voltage sentinel", "battery_voltage", 0x7FFF, 0, false},
		{"current", "battery_current", 123, 12.3, true},
		{"current negative", "battery_current", encodeSigned(-25, 16), -2.5, true},
		{"current minimum", "battery_current", 0x8000, -3276.8, true},
		{"current sentinel", "battery_current", 0x7FFF, 0, false},
		{"energy", "energy_today", 123, 1.23, true},
		{"energy sentinel", "energy_today", 0xFFFF, 0, false},
		{"pv power", "pv_power", 350, 350, true},
		{"pv power maximum", "pv_power", 0xFFFE, 65534, true},
		{"pv power sentinel", "pv_power", 0xFFFF, 0, false},
		{"load current", "load_current", 57, 5.7, true},
		{"load current maximum", "load_current", 0x1FE, 51.0, true},
		{"load current sentinel", "load_current", 0x1FF, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := layout.Fields[tt.field]
			var block [16]byte
			bitreader.Put(block[:], field.Offset, field.Width, tt.raw)

			v := layout.DecodeBlock(block)[tt.field]
			assert.Equal(t, tt.available, v.Available)
			if tt.available {
				assert.Equal(t, tt.want, v.Scaled)
			}
		})
	}
}

func TestDecodeFixedBytePatterns(t *testing.T) {
	p := newTestParser(t)
	bm, _ := p.Layout(domain.KindBatteryMonitor)

	var block [16]byte
	block[2], block[3] = 0x34, 0x12
	values := bm.DecodeBlock(block)
	assert.Equal(t, 46.60, values["battery_voltage"].Scaled)
	assert.True(t, values["battery_voltage"].Available)
	assert.Equal(t, 0.0, values["battery_current"].Scaled)
	assert.True(t, values["battery_current"].Available)

	block[2], block[3] = 0xFF, 0x7F
	block[8], block[9], block[10] = 0x60, 0xF0, 0xFF
	values = bm.DecodeBlock(block)
	assert.False(t, values["battery_voltage"].Available)
	assert.Equal(t, -1.0, values["battery_current"].Scaled)
	assert.True(t, values["battery_current"].Available)

	block[8], block[9], block[10] = 0xFC, 0xFF, 0x7F
	values = bm.DecodeBlock(block)
	assert.False(t, values["battery_current"].Available)
}

func TestParseBatteryMonitorFrame(t *testing.T) {
	p := newTestParser(t)
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return ts }
	dev := testDevice(t, domain.KindBatteryMonitor)
	layout, _ := p.Layout(domain.KindBatteryMonitor)

	var plain [16]byte
	set := func(name string, raw uint32) {
		f := layout.Fields[name]
		bitreader.Put(plain[:], f.Offset, f.Width, raw)
	}
	set("time_to_go", 0xFFFF)
	set("battery_voltage", 1285)
	set("alarm", 0x0004)
	set("aux_mode", uint32(domain.AuxTemperature))
	set("temperature", 29815)
	set("battery_current", encodeSigned(-2500, 22))
	set("consumed_charge", 153)
	set("state_of_charge", 875)

	reading, err := p.Parse(context.Background(), dev, buildFrame(dev, frame.RecordBatteryMonitor, 0x1234, plain))
	require.NoError(t, err)
	require.NotNil(t, reading.BatteryMonitor)
	assert.Nil(t, reading.SolarController)

	assert.Equal(t, "dev", reading.Device)
	assert.Equal(t, ts, reading.Timestamp)
	assert.Equal(t, uint16(0x1234), reading.Nonce)
	assert.Equal(t, uint16(0xA0A3), reading.ModelID)
	assert.Equal(t, byte(0x02), reading.ReadoutType)
	assert.Equal(t, frame.RecordBatteryMonitor, reading.RecordType)

	bm := reading.BatteryMonitor
	assert.True(t, bm.TimeToGoInfinite)
	assert.True(t, bm.TimeToGo.Available)
	assert.Equal(t, 65535.0, bm.TimeToGo.Value)
	assert.Equal(t, 12.85, bm.BatteryVoltage.Value)
	assert.Equal(t, codes.AlarmLowStateOfCharge, bm.Alarm.Code)
	assert.Equal(t, domain.AuxTemperature, bm.AuxMode)
	assert.Equal(t, 298.15, bm.AuxValue.Value)
	assert.Equal(t, -2.5, bm.BatteryCurrent.Value)
	assert.Equal(t, 15.3, bm.ConsumedCharge.Value)
	assert.Equal(t, 87.5, bm.StateOfCharge.Value)
	assert.False(t, bm.StateOfCharge.OutOfRange)
}

func TestParseBatteryMonitorAuxModes(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindBatteryMonitor)
	layout, _ := p.Layout(domain.KindBatteryMonitor)

	tests := []struct {
		mode      domain.AuxMode
		raw       uint32
		want      float64
		available bool
	}{
		{domain.AuxVoltage, encodeSigned(-1250, 16), -12.5, true},
		{domain.AuxVoltage, 0x7FFF, 0, false},
		{domain.AuxMidVoltage, 1325, 13.25, true},
		{domain.AuxMidVoltage, 0xFFFF, 0, false},
		{domain.AuxTemperature, 0xFFFF, 0, false},
		{domain.AuxNone, 0x1234, domain.AuxNoneValue, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			var plain [16]byte
			bitreader.Put(plain[:], 48, 16, tt.raw)
			bitreader.Put(plain[:], layout.Fields["aux_mode"].Offset, 2, uint32(tt.mode))

			reading, err := p.Parse(context.Background(), dev, buildFrame(dev, frame.RecordBatteryMonitor, 7, plain))
			require.NoError(t, err)

			bm := reading.BatteryMonitor
			assert.Equal(t, tt.mode, bm.AuxMode)
			assert.Equal(t, tt.available, bm.AuxValue.Available)
			if tt.available {
				assert.Equal(t, tt.want, bm.AuxValue.Value)
			}
		})
	}
}

func TestParseSolarControllerFrame(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindSolarController)
	dev.LoadCurrent = true
	layout, _ := p.Layout(domain.KindSolarController)

	var plain [16]byte
	set := func(name string, raw uint32) {
		f := layout.Fields[name]
		bitreader.Put(plain[:], f.Offset, f.Width, raw)
	}
	set("device_state", uint32(codes.StateAbsorption))
	set("charger_error", 0x21)
	set("battery_voltage", 2712)
	set("battery_current", 85)
	set("energy_today", 143)
	set("pv_power", 0xFFFF)
	set("load_current", 12)

	reading, err := p.Parse(context.Background(), dev, buildFrame(dev, frame.RecordSolarController, 0xBEEF, plain))
	require.NoError(t, err)
	require.NotNil(t, reading.SolarController)
	assert.Nil(t, reading.BatteryMonitor)

	sc := reading.SolarController
	assert.Equal(t, "ABSORB", sc.DeviceState.String())
	assert.Equal(t, "*21*", sc.ChargerError.String())
	assert.Equal(t, 27.12, sc.BatteryVoltage.Value)
	assert.Equal(t, 8.5, sc.BatteryCurrent.Value)
	assert.Equal(t, 1.43, sc.EnergyToday.Value)
	assert.False(t, sc.PVPower.Available)
	assert.Equal(t, 1.2, sc.LoadCurrent.Value)
	assert.True(t, sc.LoadCurrent.Available)
}

func TestParseShortFrame(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindSolarController)

	var plain [16]byte
	bitreader.Put(plain[:], 16, 16, 1500)
	full := buildFrame(dev, frame.RecordSolarController, 1, plain)

	// Only the first four cipher bytes are captured; the rest decrypt from zeros.
	reading, err := p.Parse(context.Background(), dev, full[:14])
	require.NoError(t, err)
	assert.Equal(t, 15.0, reading.SolarController.BatteryVoltage.Value)
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindBatteryMonitor)

	_, err := p.Parse(context.Background(), dev, []byte{0xE1, 0x02, 0x10, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, frame.ErrTooShort)

	bad := make([]byte, 26)
	bad[0], bad[1], bad[2] = 0xE1, 0x02, 0x11
	_, err = p.Parse(context.Background(), dev, bad)
	assert.ErrorIs(t, err, frame.ErrBadMarker)
}

func TestParseKeyCheck(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindBatteryMonitor)
	data := buildFrame(dev, frame.RecordBatteryMonitor, 1, [16]byte{})
	data[9] ^= 0xFF

	_, err := p.Parse(context.Background(), dev, data)
	require.NoError(t, err, "key check is not verified by default")

	dev.VerifyKeyCheck = true
	_, err = p.Parse(context.Background(), dev, data)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestParseCancelledContext(t *testing.T) {
	p := newTestParser(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Parse(ctx, testDevice(t, domain.KindBatteryMonitor), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseUnknownKind(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindUnknown)

	_, err := p.Parse(context.Background(), dev, buildFrame(dev, 0, 1, [16]byte{}))
	assert.ErrorContains(t, err, "no layout for device kind")
}

func TestParseWrongKeyGivesGarbageNotError(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindSolarController)

	var plain [16]byte
	bitreader.Put(plain[:], 16, 16, 1500)
	data := buildFrame(dev, frame.RecordSolarController, 1, plain)

	other := dev
	other.Key, _ = domain.ParseKey(hex.EncodeToString(make([]byte, 16)))
	reading, err := p.Parse(context.Background(), other, data)
	require.NoError(t, err)
	assert.NotEqual(t, 15.0, reading.SolarController.BatteryVoltage.Value)
}
