package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/frame"
)

// companyID is the manufacturer id that carries instant readout frames. Its little
// endian encoding forms the first two marker bytes.
const companyID uint16 = 0x02E1

// BLESource scans for advertisements from the configured devices.
type BLESource struct {
	adapter   *bluetooth.Adapter
	addresses map[string]bool
	deduper   *Deduper
	logger    zerolog.Logger
	now       func() time.Time

	// Statistics
	received atomic.Int64
	accepted atomic.Int64
	dropped  atomic.Int64
}

// NewBLESource creates a scanner on the default adapter that accepts frames from the
// given addresses. A nil deduper disables duplicate filtering.
func NewBLESource(addresses []string, deduper *Deduper) *BLESource {
	set := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		set[NormalizeAddress(a)] = true
	}

	return &BLESource{
		adapter:   bluetooth.DefaultAdapter,
		addresses: set,
		deduper:   deduper,
		logger:    log.With().Str("component", "ble").Logger(),
		now:       time.Now,
	}
}

// Run enables the adapter and scans until ctx is cancelled.
func (s *BLESource) Run(ctx context.Context, sink domain.Sink) error {
	s.logger.Info().Int("devices", len(s.addresses)).Msg("Enabling Bluetooth adapter")
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable adapter: %w", err)
	}

	scanErr := make(chan error, 1)
	go func() {
		// Scan blocks until StopScan is called.
		scanErr <- s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			s.handle(result.Address.String(), result.RSSI, result.ManufacturerData(), sink)
		})
	}()

	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().
		Int64("received", s.received.Load()).
		Int64("accepted", s.accepted.Load()).
		Int64("dropped", s.dropped.Load()).
		Msg("Stopping scan")

	if err := s.adapter.StopScan(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop scan cleanly")
	}
	if err := <-scanErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scan failed: %w", err)
	}

	return nil
}

// handle filters one advertisement and offers it to sink. It runs on the scan
// callback and must not block.
func (s *BLESource) handle(address string, rssi int16, elements []bluetooth.ManufacturerDataElement, sink domain.Sink) {
	address = NormalizeAddress(address)
	if !s.addresses[address] {
		return
	}

	for _, el := range elements {
		if el.CompanyID != companyID {
			continue
		}
		s.received.Add(1)

		data := make([]byte, 0, len(el.Data)+2)
		data = append(data, byte(el.CompanyID), byte(el.CompanyID>>8))
		data = append(data, el.Data...)

		f, err := frame.Parse(data)
		if err != nil {
			s.logger.Debug().Err(err).Str("address", address).Msg("Ignoring advertisement")
			continue
		}
		if s.deduper != nil && s.deduper.Seen(address, f) {
			continue
		}

		c := domain.Capture{Address: address, RSSI: rssi, Data: f.Bytes(), ReceivedAt: s.now()}
		if !sink.Offer(c) {
			s.dropped.Add(1)
			// Let the frame through again once the decoder is free.
			if s.deduper != nil {
				s.deduper.Forget(address)
			}
			continue
		}
		s.accepted.Add(1)
	}
}

// Stats returns the number of advertisements received, accepted and dropped.
func (s *BLESource) Stats() (received, accepted, dropped int64) {
	return s.received.Load(), s.accepted.Load(), s.dropped.Load()
}
