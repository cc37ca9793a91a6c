// Package bitreader extracts bit fields from a little-endian byte block.
//
// Bits are numbered least significant first: bit i is (b[i/8] >> (i%8)) & 1, so a
// field at offset o and width w reads bits o..o+w-1 with bit o as its least
// significant bit.
package bitreader

import "fmt"

// MaxWidth is the widest field that can be read.
const MaxWidth = 32

// Reader reads bit fields from a fixed block.
type Reader struct {
	b []byte
}

// New returns a Reader over b. The slice is not copied.
func New(b []byte) Reader {
	return Reader{b: b}
}

// Bits returns the size of the block in bits.
func (r Reader) Bits() int { return len(r.b) * 8 }

// Check reports whether a field at offset with width fits in the block.
func (r Reader) Check(offset, width int) error {
	if width < 1 || width > MaxWidth {
		return fmt.Errorf("invalid field width %d", width)
	}
	if offset < 0 || offset+width > r.Bits() {
		return fmt.Errorf("field %d/%d outside %d bit block", offset, width, r.Bits())
	}
	return nil
}

// Uint returns the unsigned field at offset with width. It panics if the field
// does not fit; layouts are checked with Check when they are loaded.
func (r Reader) Uint(offset, width int) uint32 {
	if err := r.Check(offset, width); err != nil {
		panic("bitreader: " + err.Error())
	}

	var v uint64
	first := offset / 8
	last := (offset + width - 1) / 8
	for i := last; i >= first; i-- {
		v = v<<8 | uint64(r.b[i])
	}
	v >>= uint(offset % 8)
	v &= (uint64(1) << uint(width)) - 1

	return uint32(v)
}

// Signed returns the field as a two's complement value of the given width.
func (r Reader) Signed(offset, width int) int32 {
	return SignExtend(r.Uint(offset, width), width)
}

// SignExtend interprets the low width bits of v as two's complement.
func SignExtend(v uint32, width int) int32 {
	if v&(uint32(1)<<uint(width-1)) != 0 {
		return int32(int64(v) - int64(1)<<uint(width))
	}
	return int32(v)
}

// Put writes the low width bits of v into b at offset, using the same bit order as
// Reader. It panics if the field does not fit.
func Put(b []byte, offset, width int, v uint32) {
	if err := New(b).Check(offset, width); err != nil {
		panic("bitreader: " + err.Error())
	}

	for i := 0; i < width; i++ {
		bit := offset + i
		if v&(uint32(1)<<uint(i)) != 0 {
			b[bit/8] |= 1 << uint(bit%8)
		} else {
			b[bit/8] &^= 1 << uint(bit%8)
		}
	}
}
