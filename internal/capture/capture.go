// Package capture provides the sources that feed raw frames into the decoder.
package capture

import (
	"net"
	"strings"
	"sync"

	"github.com/resident-x/go-victron-ble/internal/frame"
)

// NormalizeAddress returns the canonical form of a MAC address: lower case hex pairs
// separated by colons, as configured device addresses are stored. Input that is not a
// MAC address is only trimmed and lower cased.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if mac, err := net.ParseMAC(address); err == nil {
		return mac.String()
	}
	return strings.ToLower(address)
}

// Deduper drops advertisements that repeat the previous frame of the same sender.
// Devices rebroadcast an unchanged frame until their next measurement.
type Deduper struct {
	mu   sync.Mutex
	last map[string]uint16

	duplicates int64
}

// NewDeduper creates an empty duplicate filter.
func NewDeduper() *Deduper {
	return &Deduper{last: make(map[string]uint16)}
}

// Seen records f for address and reports whether it repeats the previous frame.
func (d *Deduper) Seen(address string, f frame.Frame) bool {
	fp := f.Fingerprint()

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[address]; ok && prev == fp {
		d.duplicates++
		return true
	}
	d.last[address] = fp
	return false
}

// Forget clears the state of address so its next frame is always accepted.
func (d *Deduper) Forget(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, address)
}

// Duplicates returns the number of dropped repeats.
func (d *Deduper) Duplicates() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duplicates
}
