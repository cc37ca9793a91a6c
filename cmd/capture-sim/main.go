package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/codes"
	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/parser"
)

// walk is a bounded random walk for one simulated quantity.
type walk struct {
	value, step, min, max float64
}

func (w *walk) next(rng *rand.Rand) float64 {
	w.value += (rng.Float64()*2 - 1) * w.step
	w.value = math.Max(w.min, math.Min(w.max, w.value))
	return w.value
}

// deviceState holds the simulated quantities of one device.
type deviceState struct {
	nonce uint16
	walks map[string]*walk
}

// CaptureSimulator writes synthetic instant readout captures for the configured
// devices in replay file format.
type CaptureSimulator struct {
	parser   *parser.Parser
	devices  []domain.Device
	state    map[string]*deviceState
	rng      *rand.Rand
	out      io.Writer
	interval time.Duration
	naRate   float64
}

// NewCaptureSimulator creates a simulator for devices writing to out.
func NewCaptureSimulator(devices []domain.Device, out io.Writer, interval time.Duration, seed int64, naRate float64) (*CaptureSimulator, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	p, err := parser.NewParser(nil)
	if err != nil {
		return nil, err
	}

	sim := &CaptureSimulator{
		parser:   p,
		devices:  devices,
		state:    make(map[string]*deviceState, len(devices)),
		rng:      rand.New(rand.NewSource(seed)),
		out:      out,
		interval: interval,
		naRate:   naRate,
	}
	for _, dev := range devices {
		sim.state[dev.Name] = &deviceState{
			nonce: uint16(sim.rng.Intn(math.MaxUint16)),
			walks: initialWalks(dev.Kind),
		}
	}
	return sim, nil
}

// initialWalks returns the starting point of every simulated quantity of a kind.
func initialWalks(kind domain.DeviceKind) map[string]*walk {
	switch kind {
	case domain.KindBatteryMonitor:
		return map[string]*walk{
			"battery_voltage": {value: 13.1, step: 0.05, min: 11.5, max: 14.6},
			"aux_voltage":     {value: 12.6, step: 0.02, min: 11.8, max: 13.2},
			"battery_current": {value: -2.5, step: 0.8, min: -40, max: 30},
			"consumed_charge": {value: 20, step: 0.5, min: 0, max: 200},
			"state_of_charge": {value: 85, step: 0.3, min: 5, max: 100},
			"time_to_go":      {value: 1200, step: 30, min: 0, max: 14400},
		}
	case domain.KindSolarController:
		return map[string]*walk{
			"battery_voltage": {value: 26.4, step: 0.1, min: 23, max: 29.2},
			"battery_current": {value: 8, step: 1, min: 0, max: 40},
			"energy_today":    {value: 0.5, step: 0.02, min: 0, max: 5},
			"pv_power":        {value: 220, step: 25, min: 0, max: 900},
			"load_current":    {value: 1.5, step: 0.2, min: 0, max: 15},
		}
	default:
		return map[string]*walk{}
	}
}

// values advances the device's quantities and returns the field values of the
// next frame. Measurements drop out with probability naRate.
func (sim *CaptureSimulator) values(dev domain.Device) map[string]float64 {
	st := sim.state[dev.Name]
	values := make(map[string]float64, len(st.walks)+3)
	for name, w := range st.walks {
		v := w.next(sim.rng)
		if sim.rng.Float64() < sim.naRate {
			v = math.NaN()
		}
		values[name] = v
	}

	switch dev.Kind {
	case domain.KindBatteryMonitor:
		values["aux_mode"] = float64(domain.AuxVoltage)
		values["alarm"] = 0
		if values["battery_current"] > 0 {
			values["time_to_go"] = math.NaN()
		}
	case domain.KindSolarController:
		state := codes.StateBulk
		if values["battery_voltage"] > 27.2 {
			state = codes.StateFloat
		}
		values["device_state"] = float64(state)
		values["charger_error"] = float64(codes.ErrorNone)
		if !dev.LoadCurrent {
			values["load_current"] = math.NaN()
		}
	}
	return values
}

// Step writes one capture line for every device.
func (sim *CaptureSimulator) Step() error {
	for _, dev := range sim.devices {
		st := sim.state[dev.Name]
		st.nonce++

		data, err := sim.parser.Encode(dev, st.nonce, sim.values(dev))
		if err != nil {
			return fmt.Errorf("failed to encode frame for %s: %w", dev.Name, err)
		}

		if _, err := fmt.Fprintf(sim.out, "%s %s\n", dev.Address, hex.EncodeToString(data)); err != nil {
			return fmt.Errorf("failed to write capture: %w", err)
		}
		log.Debug().
			Str("device", dev.Name).
			Str("nonce", fmt.Sprintf("%04X", st.nonce)).
			Msg("Wrote capture")
	}
	return nil
}

// Run writes count rounds of captures, or rounds until ctx is cancelled when
// count is zero.
func (sim *CaptureSimulator) Run(ctx context.Context, count int) error {
	log.Info().
		Int("devices", len(sim.devices)).
		Dur("interval", sim.interval).
		Int("count", count).
		Msg("Starting capture simulator")

	rounds := 0
	startTime := time.Now()
	defer func() {
		log.Info().
			Int("rounds", rounds).
			Dur("runtime", time.Since(startTime).Round(time.Millisecond)).
			Msg("Capture simulator stopped")
	}()

	for count == 0 || rounds < count {
		if err := sim.Step(); err != nil {
			return err
		}
		rounds++

		if count != 0 && rounds == count {
			break
		}
		if sim.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sim.interval):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	var (
		configFile = flag.String("config", "config.yaml", "Configuration file listing the devices to simulate")
		outFile    = flag.String("out", "", "Output file (default stdout)")
		interval   = flag.Duration("interval", 0, "Delay between rounds of captures")
		count      = flag.Int("count", 10, "Rounds of captures to write, 0 to run until interrupted")
		seed       = flag.Int64("seed", 0, "Random seed, 0 for a time based seed")
		naRate     = flag.Float64("na-rate", 0.02, "Probability that a measurement is reported as not available")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	devices, err := cfg.ParseDevices()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid device configuration")
	}

	out := io.Writer(os.Stdout)
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		out = f
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	sim, err := NewCaptureSimulator(devices, out, *interval, *seed, *naRate)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create simulator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Run(ctx, *count); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Simulator error")
		stop()
		os.Exit(1)
	}
}
