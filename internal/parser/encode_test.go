package parser

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-victron-ble/internal/codes"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/frame"
)

func TestFieldRaw(t *testing.T) {
	p := newTestParser(t)
	bm, _ := p.Layout(domain.KindBatteryMonitor)

	assert.Equal(t, uint32(1285), bm.Fields["battery_voltage"].Raw(12.85))
	assert.Equal(t, uint32(0x3FF63C), bm.Fields["battery_current"].Raw(-2.5))
	assert.Equal(t, uint32(0x7FFF), bm.Fields["battery_voltage"].Raw(math.NaN()))
	assert.Equal(t, uint32(0), bm.Fields["alarm"].Raw(math.NaN()))
	assert.Equal(t, uint32(4), bm.Fields["alarm"].Raw(4))
	assert.Equal(t, uint32(0), bm.Fields["consumed_charge"].Raw(-3))
}

func TestFieldRawClampsOutOfRange(t *testing.T) {
	p := newTestParser(t)
	bm, _ := p.Layout(domain.KindBatteryMonitor)
	sc, _ := p.Layout(domain.KindSolarController)

	tests := []struct {
		name  string
		field *FieldSpec
		value float64
		want  uint32
	}{
		{"unsigned above range", sc.Fields["pv_power"], 70000, 0xFFFE},
		{"unsigned on sentinel", sc.Fields["pv_power"], 65535, 0xFFFE},
		{"unsigned in range", sc.Fields["pv_power"], 65534, 0xFFFE},
		{"signed above range", sc.Fields["battery_voltage"], 400, 0x7FFE},
		{"signed below range", sc.Fields["battery_voltage"], -400, 0x8000},
		{"wide signed above range", bm.Fields["battery_current"], 3000, 0x1FFFFE},
		{"wide signed below range", bm.Fields["battery_current"], -3000, 0x200000},
		{"narrow field", bm.Fields["state_of_charge"], 200, 0x3FE},
		{"kept sentinel", bm.Fields["time_to_go"], 70000, 0xFFFF},
		{"enum", bm.Fields["alarm"], 70000, 0xFFFF},
		{"enum below range", bm.Fields["alarm"], -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.field.Raw(tt.value))
		})
	}
}

func TestEncodeOutOfRangeStaysAvailable(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindSolarController)

	data, err := p.Encode(dev, 9, map[string]float64{
		"battery_voltage": 400,
		"pv_power":        70000,
	})
	require.NoError(t, err)

	reading, err := p.Parse(context.Background(), dev, data)
	require.NoError(t, err)
	sc := reading.SolarController
	require.NotNil(t, sc)
	assert.True(t, sc.PVPower.Available)
	assert.Equal(t, 65534.0, sc.PVPower.Value)
	assert.True(t, sc.BatteryVoltage.Available)
	assert.InDelta(t, 327.66, sc.BatteryVoltage.Value, 1e-9)
}

func TestEncodeBlockUnknownField(t *testing.T) {
	p := newTestParser(t)
	sc, _ := p.Layout(domain.KindSolarController)

	_, err := sc.EncodeBlock(map[string]float64{"state_of_charge": 50})
	assert.ErrorContains(t, err, "unknown field state_of_charge")
}

func TestEncodeSolarControllerRoundTrip(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindSolarController)
	dev.LoadCurrent = true

	data, err := p.Encode(dev, 0x0102, map[string]float64{
		"device_state":    float64(codes.StateFloat),
		"charger_error":   0,
		"battery_voltage": 27.31,
		"battery_current": -1.5,
		"energy_today":    2.4,
		"pv_power":        315,
		"load_current":    3.2,
	})
	require.NoError(t, err)
	require.Len(t, data, frame.MaxLen)

	f, err := frame.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, frame.RecordSolarController, f.RecordType())
	assert.Equal(t, ModelIDSimulated, f.ModelID())
	assert.Equal(t, dev.Key[0], f.KeyCheck())

	reading, err := p.Parse(context.Background(), dev, data)
	require.NoError(t, err)
	sc := reading.SolarController
	require.NotNil(t, sc)

	assert.Equal(t, uint16(0x0102), reading.Nonce)
	assert.Equal(t, codes.StateFloat, sc.DeviceState)
	assert.InDelta(t, 27.31, sc.BatteryVoltage.Value, 0.001)
	assert.InDelta(t, -1.5, sc.BatteryCurrent.Value, 0.001)
	assert.InDelta(t, 2.4, sc.EnergyToday.Value, 0.001)
	assert.InDelta(t, 315, sc.PVPower.Value, 0.001)
	assert.True(t, sc.LoadCurrent.Available)
	assert.InDelta(t, 3.2, sc.LoadCurrent.Value, 0.001)
}

func TestEncodeBatteryMonitorNotAvailable(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindBatteryMonitor)

	data, err := p.Encode(dev, 7, map[string]float64{
		"time_to_go":      math.NaN(),
		"battery_voltage": 13.02,
		"aux_mode":        float64(domain.AuxVoltage),
		"aux_voltage":     math.NaN(),
		"battery_current": -3.2,
		"consumed_charge": 25.4,
		"state_of_charge": 91.2,
	})
	require.NoError(t, err)

	reading, err := p.Parse(context.Background(), dev, data)
	require.NoError(t, err)
	bm := reading.BatteryMonitor
	require.NotNil(t, bm)

	assert.True(t, bm.TimeToGoInfinite)
	assert.InDelta(t, 13.02, bm.BatteryVoltage.Value, 0.001)
	assert.Equal(t, domain.AuxVoltage, bm.AuxMode)
	assert.False(t, bm.AuxValue.Available)
	assert.InDelta(t, -3.2, bm.BatteryCurrent.Value, 0.001)
	assert.InDelta(t, 25.4, bm.ConsumedCharge.Value, 0.001)
	assert.InDelta(t, 91.2, bm.StateOfCharge.Value, 0.001)
}

func TestEncodeUnknownKind(t *testing.T) {
	p := newTestParser(t)
	dev := testDevice(t, domain.KindUnknown)

	_, err := p.Encode(dev, 1, nil)
	assert.ErrorContains(t, err, "no layout")
}
