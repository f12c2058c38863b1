// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package smallnum implements the compact self-describing integer encodings shared by the
// sampling and the instrumenting profiler. Each value picks the narrowest of a few fixed
// widths; the low-order bits of its first byte tell the decoder which width was used.
//
// The bit positions and tier thresholds are a wire format understood by the host decoder
// and must not change.
package smallnum // import "go.opentelemetry.io/mcu-profiler/smallnum"

import "encoding/binary"

// fitsSigned reports whether v can be represented as a two's complement number of the
// given width.
func fitsSigned(v int32, bits uint) bool {
	mask := uint32(0xffffffff) << bits
	ref := uint32(0)
	if (v>>(bits-1))&1 != 0 {
		ref = 0xffffffff
	}
	return uint32(v)&mask == ref&mask
}

func fitsUnsigned(v uint32, bits uint) bool {
	return v&(0xffffffff<<bits) == 0
}

// permuteEven moves the lowest bit of v (zero for word-aligned deltas) next to the sign of
// the low half-word, so that small even values encode in fewer significant bits.
func permuteEven(v int32) int32 {
	u := uint32(v)
	sign := u >> 31
	return int32(u&0xffff0000 | (u&0xffff)>>1 | ((u&1)^sign)<<15)
}

// unpermuteEven is the exact inverse of permuteEven.
func unpermuteEven(p int32) int32 {
	u := uint32(p)
	sign := u >> 31
	low := (u & 0x8000 >> 15) ^ sign
	return int32(u&0xffff0000 | low | (u&0x7fff)<<1)
}

// Coder appends encoded values to a caller-owned buffer. Every Write method either
// appends the whole encoding and returns true, or changes nothing and returns false.
type Coder struct {
	buf  []byte
	off  int
	refA uint32
	refB uint32
}

// NewCoder returns a coder writing to buf with the given rolling reference points.
func NewCoder(buf []byte, refA, refB uint32) *Coder {
	return &Coder{buf: buf, refA: refA, refB: refB}
}

// Offset returns the number of bytes written so far.
func (c *Coder) Offset() int { return c.off }

// SetOffset rewinds or advances the write position.
func (c *Coder) SetOffset(off int) { c.off = off }

// Remaining returns the number of bytes that still fit.
func (c *Coder) Remaining() int { return len(c.buf) - c.off }

// Bytes returns the encoded bytes.
func (c *Coder) Bytes() []byte { return c.buf[:c.off] }

// RefPoints exports the current reference points.
func (c *Coder) RefPoints() (refA, refB uint32) { return c.refA, c.refB }

// Reset empties the buffer and replaces the reference points.
func (c *Coder) Reset(refA, refB uint32) {
	c.off = 0
	c.refA = refA
	c.refB = refB
}

func (c *Coder) fits(n int) bool {
	return n <= len(c.buf)-c.off
}

func (c *Coder) put8(v uint32) {
	c.buf[c.off] = byte(v)
	c.off++
}

func (c *Coder) put16(v uint32) {
	binary.LittleEndian.PutUint16(c.buf[c.off:], uint16(v))
	c.off += 2
}

func (c *Coder) put32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[c.off:], v)
	c.off += 4
}

func flagBit(flag bool) uint32 {
	if flag {
		return 1
	}
	return 0
}

// TinySIntWithFlagSize returns the encoded size of WriteTinySIntWithFlag(v, _).
func TinySIntWithFlagSize(v int32) int {
	switch {
	case fitsSigned(v, 6):
		return 1
	case fitsSigned(v, 12):
		return 2
	case fitsSigned(v, 28):
		return 4
	default:
		return 5
	}
}

// WriteTinySIntWithFlag writes v together with a boolean using 1, 2, 4 or 5 bytes.
func (c *Coder) WriteTinySIntWithFlag(v int32, flag bool) bool {
	n := TinySIntWithFlagSize(v)
	if !c.fits(n) {
		return false
	}
	c.putTinySIntWithFlag(v, flag, n)
	return true
}

func (c *Coder) putTinySIntWithFlag(v int32, flag bool, n int) {
	u := uint32(v)
	f := flagBit(flag) << 1
	switch n {
	case 1:
		c.put8(u<<2 | f)
	case 2:
		c.put16(u<<4 | f | 1<<2 | 1)
	case 4:
		c.put32(u<<4 | f | 2<<2 | 1)
	default:
		c.put8(f | 3<<2 | 1)
		c.put32(u)
	}
}

// WriteTinySInt writes v using 1, 2 or 4 bytes. The widest form carries 30 significant
// bits; larger magnitudes are rejected.
func (c *Coder) WriteTinySInt(v int32) bool {
	u := uint32(v)
	switch {
	case fitsSigned(v, 7):
		if !c.fits(1) {
			return false
		}
		c.put8(u << 1)
	case fitsSigned(v, 14):
		if !c.fits(2) {
			return false
		}
		c.put16(u<<2 | 1)
	case fitsSigned(v, 30):
		if !c.fits(4) {
			return false
		}
		c.put32(u<<2 | 3)
	default:
		return false
	}
	return true
}

// MostLikelyEvenSIntSize returns the encoded size of WriteSmallMostLikelyEvenSInt(v).
func MostLikelyEvenSIntSize(v int32) int {
	p := permuteEven(v)
	switch {
	case fitsSigned(p, 15):
		return 2
	case fitsSigned(p, 30):
		return 4
	default:
		return 5
	}
}

// WriteSmallMostLikelyEvenSInt writes a signed value that is expected to be even, using
// 2, 4 or 5 bytes.
func (c *Coder) WriteSmallMostLikelyEvenSInt(v int32) bool {
	n := MostLikelyEvenSIntSize(v)
	if !c.fits(n) {
		return false
	}
	c.putMostLikelyEven(permuteEven(v), n)
	return true
}

func (c *Coder) putMostLikelyEven(p int32, n int) {
	u := uint32(p)
	switch n {
	case 2:
		c.put16(u << 1)
	case 4:
		c.put32(u<<2 | 1)
	default:
		c.put8(0xff)
		c.put32(u)
	}
}

// WriteSmallUnsignedInt writes v using 2, 4 or 5 bytes.
func (c *Coder) WriteSmallUnsignedInt(v uint32) bool {
	switch {
	case fitsUnsigned(v, 15):
		if !c.fits(2) {
			return false
		}
		c.put16(v << 1)
	case fitsUnsigned(v, 30):
		if !c.fits(4) {
			return false
		}
		c.put32(v<<2 | 1)
	default:
		if !c.fits(5) {
			return false
		}
		c.put8(0xff)
		c.put32(v)
	}
	return true
}

// WriteSmallUnsignedIntWithFlag writes v together with a boolean using 2, 4 or 5 bytes.
func (c *Coder) WriteSmallUnsignedIntWithFlag(v uint32, flag bool) bool {
	switch {
	case fitsUnsigned(v, 14):
		return c.putWithFlag(v, flag, 2)
	case fitsUnsigned(v, 29):
		return c.putWithFlag(v, flag, 4)
	default:
		return c.putWithFlag(v, flag, 5)
	}
}

// WriteSmallSignedIntWithFlag writes v together with a boolean using 2, 4 or 5 bytes.
func (c *Coder) WriteSmallSignedIntWithFlag(v int32, flag bool) bool {
	switch {
	case fitsSigned(v, 14):
		return c.putWithFlag(uint32(v), flag, 2)
	case fitsSigned(v, 29):
		return c.putWithFlag(uint32(v), flag, 4)
	default:
		return c.putWithFlag(uint32(v), flag, 5)
	}
}

func (c *Coder) putWithFlag(u uint32, flag bool, n int) bool {
	if !c.fits(n) {
		return false
	}
	switch n {
	case 2:
		c.put16(u<<2 | flagBit(flag)<<1)
	case 4:
		c.put32(u<<3 | flagBit(flag)<<2 | 1)
	default:
		if flag {
			c.put8(0xff)
		} else {
			c.put8(0x7f)
		}
		c.put32(u)
	}
	return true
}

// WritePackedUIntPair writes two small counts, the first of which is usually the larger
// one, using 1, 3 or 5 bytes.
func (c *Coder) WritePackedUIntPair(larger, smaller uint16) bool {
	switch {
	case larger < 16 && smaller < 14:
		if !c.fits(1) {
			return false
		}
		c.put8(uint32(larger)<<4 | uint32(smaller))
	case larger < 256 && smaller < 256:
		if !c.fits(3) {
			return false
		}
		c.put8(0xfe)
		c.put8(uint32(larger))
		c.put8(uint32(smaller))
	default:
		if !c.fits(5) {
			return false
		}
		c.put8(0xff)
		c.put16(uint32(larger))
		c.put16(uint32(smaller))
	}
	return true
}

// WriteStackEntry writes the distance to the previous entry in stack words and the delta
// of value against reference point A or B. The chosen reference point then becomes value.
func (c *Coder) WriteStackEntry(indexDelta int32, value uint32, useRefPointB bool) bool {
	ref := &c.refA
	if useRefPointB {
		ref = &c.refB
	}
	dist := int32(value - *ref)

	n1 := TinySIntWithFlagSize(indexDelta)
	n2 := MostLikelyEvenSIntSize(dist)
	if !c.fits(n1 + n2) {
		return false
	}
	c.putTinySIntWithFlag(indexDelta, useRefPointB, n1)
	c.putMostLikelyEven(permuteEven(dist), n2)
	*ref = value
	return true
}
