// Package frame holds raw instant readout frames and the slot that hands them from
// the capture side to the decoder.
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	// MaxLen is the largest frame that is kept. Longer captures are truncated.
	MaxLen = 26
	// MinLen is the shortest frame accepted for decoding.
	MinLen = 11

	// Header offsets.
	offsetModelID     = 3
	offsetReadoutType = 5
	offsetRecordType  = 6
	offsetNonce       = 7
	offsetKeyCheck    = 9
	offsetCipher      = 10

	// CRC16 algorithm constants.
	crcPolynomial = 0xA001 // Polynomial for CRC16 Modbus
	crcInitial    = 0xFFFF // Initial value for CRC calculation
)

// Record types carried in byte 6.
const (
	RecordSolarController byte = 0x01
	RecordBatteryMonitor  byte = 0x02
)

// Marker is the fixed prefix of every instant readout frame.
var Marker = [3]byte{0xE1, 0x02, 0x10}

var (
	// ErrTooShort is returned for captures shorter than MinLen.
	ErrTooShort = errors.New("frame too short")
	// ErrBadMarker is returned when the capture does not start with Marker.
	ErrBadMarker = errors.New("frame marker mismatch")
)

var crcTable = crc16.MakeTable(crc16.Params{
	Poly:   crcPolynomial,
	Init:   crcInitial,
	RefIn:  true,
	RefOut: true,
	XorOut: 0,
})

// Frame is one captured frame, zero padded to MaxLen.
type Frame struct {
	data [MaxLen]byte
	n    int
}

// Parse validates a capture and copies it into a Frame.
func Parse(data []byte) (Frame, error) {
	var f Frame

	if len(data) < MinLen {
		return f, fmt.Errorf("%w: got %d bytes, need at least %d", ErrTooShort, len(data), MinLen)
	}
	if data[0] != Marker[0] || data[1] != Marker[1] || data[2] != Marker[2] {
		return f, fmt.Errorf("%w: % X", ErrBadMarker, data[:3])
	}

	f.n = copy(f.data[:], data)
	return f, nil
}

// Header holds the clear text fields in front of the cipher block.
type Header struct {
	ModelID     uint16
	ReadoutType byte
	RecordType  byte
	Nonce       uint16
	KeyCheck    byte
}

// Build assembles a full length frame from a header and an encrypted block.
func Build(h Header, cipher [16]byte) Frame {
	var f Frame
	copy(f.data[:], Marker[:])
	binary.LittleEndian.PutUint16(f.data[offsetModelID:], h.ModelID)
	f.data[offsetReadoutType] = h.ReadoutType
	f.data[offsetRecordType] = h.RecordType
	binary.LittleEndian.PutUint16(f.data[offsetNonce:], h.Nonce)
	f.data[offsetKeyCheck] = h.KeyCheck
	copy(f.data[offsetCipher:], cipher[:])
	f.n = MaxLen
	return f
}

// Bytes returns the captured bytes without padding.
func (f Frame) Bytes() []byte {
	out := make([]byte, f.n)
	copy(out, f.data[:f.n])
	return out
}

// String returns the captured bytes as hex.
func (f Frame) String() string { return hex.EncodeToString(f.data[:f.n]) }

// ModelID returns the little-endian product id.
func (f Frame) ModelID() uint16 {
	return binary.LittleEndian.Uint16(f.data[offsetModelID:])
}

// ReadoutType returns byte 5.
func (f Frame) ReadoutType() byte { return f.data[offsetReadoutType] }

// RecordType returns byte 6.
func (f Frame) RecordType() byte { return f.data[offsetRecordType] }

// Nonce returns the little-endian counter from bytes 7 and 8.
func (f Frame) Nonce() uint16 {
	return binary.LittleEndian.Uint16(f.data[offsetNonce:])
}

// KeyCheck returns byte 9, which matches the first byte of the device key.
func (f Frame) KeyCheck() byte { return f.data[offsetKeyCheck] }

// IV returns the counter block: the two nonce bytes followed by zeros.
func (f Frame) IV() [16]byte {
	var iv [16]byte
	iv[0] = f.data[offsetNonce]
	iv[1] = f.data[offsetNonce+1]
	return iv
}

// CipherBlock returns the sixteen bytes starting at offset 10. Bytes past the end of
// a short capture are zero.
func (f Frame) CipherBlock() [16]byte {
	var block [16]byte
	copy(block[:], f.data[offsetCipher:])
	return block
}

// Fingerprint returns a CRC16 over the captured bytes, used to spot repeats.
func (f Frame) Fingerprint() uint16 {
	return crc16.Checksum(f.data[:f.n], crcTable)
}
