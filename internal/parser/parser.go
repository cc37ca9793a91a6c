// Package parser provides functionality for decrypting and decoding instant readout frames.
package parser

import (
	"context"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-victron-ble/internal/bitreader"
	"github.com/resident-x/go-victron-ble/internal/codes"
	"github.com/resident-x/go-victron-ble/internal/decrypt"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/frame"
)

//go:embed layouts/*.yaml
var embeddedLayouts embed.FS

const (
	// Field type constants.
	fieldTypeNum  = "num"  // Unsigned numeric field type
	fieldTypeNumx = "numx" // Signed numeric field type
	fieldTypeEnum = "enum" // Raw code, looked up in a code table
)

// ErrKeyMismatch is returned when key check verification is enabled and the frame's
// key check byte differs from the first byte of the device key.
var ErrKeyMismatch = errors.New("key check byte mismatch")

// requiredFields lists the fields each layout must define.
var requiredFields = map[domain.DeviceKind][]string{
	domain.KindBatteryMonitor: {
		"time_to_go", "battery_voltage", "alarm", "aux_voltage", "mid_voltage",
		"temperature", "aux_mode", "battery_current", "consumed_charge", "state_of_charge",
	},
	domain.KindSolarController: {
		"device_state", "charger_error", "battery_voltage", "battery_current",
		"energy_today", "pv_power", "load_current",
	},
}

// FieldSpec describes one bit field of a decrypted record.
type FieldSpec struct {
	Offset       int     `yaml:"offset"`        // First bit, least significant first
	Width        int     `yaml:"width"`         // Width in bits
	Type         string  `yaml:"type"`          // num, numx or enum
	Divide       float64 `yaml:"divide"`        // Value to divide the raw value by
	Unit         string  `yaml:"unit"`          // Unit of the scaled value
	Sentinel     string  `yaml:"sentinel"`      // Raw pattern meaning "not available"
	KeepSentinel bool    `yaml:"keep_sentinel"` // Sentinel is reported but the value stays available
	ClampAbove   *uint32 `yaml:"clamp_above"`   // Raw values above this are replaced by ClampTo
	ClampTo      uint32  `yaml:"clamp_to"`

	sentinel    uint32
	hasSentinel bool
}

// Layout is the field table of one record type.
type Layout struct {
	Kind       string                `yaml:"kind"`
	RecordType int                   `yaml:"record_type"`
	Fields     map[string]*FieldSpec `yaml:"fields"`

	kind domain.DeviceKind
}

// Value is the result of decoding one field.
type Value struct {
	Raw       uint32
	Scaled    float64
	Available bool
	Sentinel  bool // raw value matched the sentinel
	Clamped   bool
}

func (v Value) measurement() domain.Measurement {
	return domain.Measurement{Value: v.Scaled, Available: v.Available, OutOfRange: v.Clamped}
}

// Parser implements domain.FrameDecoder.
type Parser struct {
	layouts  map[domain.DeviceKind]*Layout
	settings *domain.Settings
	logger   zerolog.Logger // Logger for parser operations
	now      func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger makes the parser log through logger, including while the layouts are
// loaded by NewParser.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Parser) {
		p.logger = logger.With().Str("component", "parser").Logger()
	}
}

// NewParser creates a new Parser instance. settings may be nil.
func NewParser(settings *domain.Settings, opts ...Option) (*Parser, error) {
	if settings == nil {
		settings = domain.NewSettings(false, false)
	}

	parser := &Parser{
		layouts:  make(map[domain.DeviceKind]*Layout),
		settings: settings,
		logger:   log.With().Str("component", "parser").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(parser)
	}

	// Load layout files.
	if err := parser.loadLayouts(); err != nil {
		return nil, fmt.Errorf("failed to load layout files: %w", err)
	}

	return parser, nil
}

// loadLayouts loads all YAML layout files from embedded files.
func (p *Parser) loadLayouts() error {
	layoutFiles, err := embeddedLayouts.ReadDir("layouts")
	if err != nil {
		return fmt.Errorf("failed to read embedded layouts: %w", err)
	}

	for _, file := range layoutFiles {
		if err := p.processLayoutFile(file); err != nil {
			return err
		}
	}

	for kind := range requiredFields {
		if _, ok := p.layouts[kind]; !ok {
			return fmt.Errorf("no layout for %s", kind)
		}
	}

	return nil
}

// processLayoutFile processes a single layout file.
func (p *Parser) processLayoutFile(file fs.DirEntry) error {
	ext := strings.ToLower(filepath.Ext(file.Name()))
	if file.IsDir() || (ext != ".yaml" && ext != ".yml") {
		return nil
	}

	fileData, err := embeddedLayouts.ReadFile("layouts/" + file.Name())
	if err != nil {
		return fmt.Errorf("failed to read embedded layout file %s: %w", file.Name(), err)
	}

	layout, err := parseLayout(fileData)
	if err != nil {
		return fmt.Errorf("layout %s: %w", file.Name(), err)
	}

	if _, dup := p.layouts[layout.kind]; dup {
		return fmt.Errorf("layout %s: duplicate layout for %s", file.Name(), layout.kind)
	}
	p.layouts[layout.kind] = layout
	p.logf("Loaded layout %s with %d fields", layout.kind, len(layout.Fields))

	return nil
}

// parseLayout decodes and checks a layout table.
func parseLayout(data []byte) (*Layout, error) {
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}

	kind, err := domain.ParseDeviceKind(layout.Kind)
	if err != nil {
		return nil, err
	}
	layout.kind = kind

	block := bitreader.New(make([]byte, domain.BlockSize))
	for name, field := range layout.Fields {
		if field == nil {
			return nil, fmt.Errorf("field %s: empty definition", name)
		}
		if err := block.Check(field.Offset, field.Width); err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}

		switch field.Type {
		case fieldTypeNum, fieldTypeNumx:
			if field.Divide <= 0 {
				return nil, fmt.Errorf("field %s: divide must be positive", name)
			}
		case fieldTypeEnum:
		default:
			return nil, fmt.Errorf("field %s: unknown type %q", name, field.Type)
		}

		if field.Sentinel != "" {
			v, err := strconv.ParseUint(field.Sentinel, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("field %s: invalid sentinel: %w", name, err)
			}
			if bits := uint(field.Width); bits < 32 && v >= 1<<bits {
				return nil, fmt.Errorf("field %s: sentinel %s wider than %d bits", name, field.Sentinel, field.Width)
			}
			field.sentinel = uint32(v)
			field.hasSentinel = true
		}
	}

	for _, name := range requiredFields[kind] {
		if _, ok := layout.Fields[name]; !ok {
			return nil, fmt.Errorf("missing field %s", name)
		}
	}

	return &layout, nil
}

// Layout returns the field table used for kind.
func (p *Parser) Layout(kind domain.DeviceKind) (*Layout, bool) {
	layout, ok := p.layouts[kind]
	return layout, ok
}

// Decode extracts a single field from a decrypted block.
func (f *FieldSpec) Decode(r bitreader.Reader) Value {
	raw := r.Uint(f.Offset, f.Width)
	v := Value{Raw: raw, Available: true}

	if f.Type == fieldTypeEnum {
		v.Scaled = float64(raw)
		return v
	}

	// Signed sentinels compare the magnitude bits only.
	probe := raw
	if f.Type == fieldTypeNumx {
		probe &= (uint32(1) << uint(f.Width-1)) - 1
	}
	if f.hasSentinel && probe == f.sentinel {
		v.Sentinel = true
		v.Available = f.KeepSentinel
	}

	if f.ClampAbove != nil && raw > *f.ClampAbove && !v.Sentinel {
		raw = f.ClampTo
		v.Clamped = true
	}

	if f.Type == fieldTypeNumx {
		v.Scaled = float64(bitreader.SignExtend(raw, f.Width)) / f.Divide
	} else {
		v.Scaled = float64(raw) / f.Divide
	}

	return v
}

// DecodeBlock decodes every field of a decrypted block.
func (l *Layout) DecodeBlock(block [domain.BlockSize]byte) map[string]Value {
	r := bitreader.New(block[:])
	values := make(map[string]Value, len(l.Fields))
	for name, field := range l.Fields {
		values[name] = field.Decode(r)
	}
	return values
}

// Parse implements domain.FrameDecoder.Parse.
func (p *Parser) Parse(ctx context.Context, dev domain.Device, data []byte) (*domain.Reading, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context error: %w", ctx.Err())
	}

	f, err := frame.Parse(data)
	if err != nil {
		p.logf("Discarding frame from %s: %v", dev.Address, err)
		return nil, err
	}

	layout, ok := p.layouts[dev.Kind]
	if !ok {
		return nil, fmt.Errorf("no layout for device kind %s", dev.Kind)
	}

	if dev.VerifyKeyCheck && f.KeyCheck() != dev.Key[0] {
		return nil, fmt.Errorf("%w: frame %02X, key %02X", ErrKeyMismatch, f.KeyCheck(), dev.Key[0])
	}
	if int(f.RecordType()) != layout.RecordType {
		p.logf("Record type %02X from %s does not match %s layout", f.RecordType(), dev.Name, dev.Kind)
	}

	iv := f.IV()
	cipherBlock := f.CipherBlock()
	plain := decrypt.Block(dev.Key, iv, cipherBlock)

	p.dump(dev, f, iv, cipherBlock, plain)

	values := layout.DecodeBlock(plain)
	reading := &domain.Reading{
		Device:      dev.Name,
		Address:     dev.Address,
		Kind:        dev.Kind,
		Timestamp:   p.now(),
		ModelID:     f.ModelID(),
		ReadoutType: f.ReadoutType(),
		RecordType:  f.RecordType(),
		Nonce:       f.Nonce(),
	}

	switch dev.Kind {
	case domain.KindBatteryMonitor:
		reading.BatteryMonitor = batteryMonitorReading(values)
	case domain.KindSolarController:
		reading.SolarController = solarControllerReading(values)
	}

	p.logf("Decoded %s frame from %s nonce %04X", dev.Kind, dev.Name, reading.Nonce)
	return reading, nil
}

func batteryMonitorReading(values map[string]Value) *domain.BatteryMonitorReading {
	ttg := values["time_to_go"]
	mode := domain.AuxMode(values["aux_mode"].Raw)

	bm := &domain.BatteryMonitorReading{
		TimeToGo:         ttg.measurement(),
		TimeToGoInfinite: ttg.Sentinel,
		BatteryVoltage:   values["battery_voltage"].measurement(),
		Alarm:            codes.ClassifyAlarm(uint16(values["alarm"].Raw)),
		AuxMode:          mode,
		BatteryCurrent:   values["battery_current"].measurement(),
		ConsumedCharge:   values["consumed_charge"].measurement(),
		StateOfCharge:    values["state_of_charge"].measurement(),
	}

	switch mode {
	case domain.AuxVoltage, domain.AuxMidVoltage, domain.AuxTemperature:
		bm.AuxValue = values[mode.String()].measurement()
	default:
		bm.AuxValue = domain.Measurement{Value: domain.AuxNoneValue, Available: true}
	}

	return bm
}

func solarControllerReading(values map[string]Value) *domain.SolarControllerReading {
	return &domain.SolarControllerReading{
		DeviceState:    codes.DeviceState(values["device_state"].Raw),
		ChargerError:   codes.ChargerError(values["charger_error"].Raw),
		BatteryVoltage: values["battery_voltage"].measurement(),
		BatteryCurrent: values["battery_current"].measurement(),
		EnergyToday:    values["energy_today"].measurement(),
		PVPower:        values["pv_power"].measurement(),
		LoadCurrent:    values["load_current"].measurement(),
	}
}

// dump logs the cryptographic material of a frame. It is logged at info level when
// verbose mode is on.
func (p *Parser) dump(dev domain.Device, f frame.Frame, iv, cipherBlock, plain [domain.BlockSize]byte) {
	level := zerolog.DebugLevel
	if p.settings.Verbose() {
		level = zerolog.InfoLevel
	}

	p.logger.WithLevel(level).
		Str("device", dev.Name).
		Str("frame", f.String()).
		Str("key", hex.EncodeToString(dev.Key[:])).
		Str("iv", hex.EncodeToString(iv[:])).
		Str("cipher", hex.EncodeToString(cipherBlock[:])).
		Str("plain", hex.EncodeToString(plain[:])).
		Msg("Frame dump")
}

// SetCustomLogger allows updating the logger (useful for tests).
func (p *Parser) SetCustomLogger(logger *zerolog.Logger) {
	p.logger = logger.With().Str("component", "parser").Logger()
}

// logf logs a message at debug level.
func (p *Parser) logf(format string, args ...interface{}) {
	p.logger.Debug().Msgf(format, args...)
}
