// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package smallnum // import "go.opentelemetry.io/mcu-profiler/smallnum"

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrTruncated is returned when the encoding continues past the end of the input.
	ErrTruncated = errors.New("truncated encoding")
	// ErrInvalidEncoding is returned for tag bits no encoder produces.
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// Decoder reads values written by a Coder. It tracks the same reference points and never
// reads past the end of its input: on error the read position is left unchanged.
type Decoder struct {
	buf  []byte
	off  int
	refA uint32
	refB uint32
}

// NewDecoder returns a decoder over buf with the given starting reference points.
func NewDecoder(buf []byte, refA, refB uint32) *Decoder {
	return &Decoder{buf: buf, refA: refA, refB: refB}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// RefPoints exports the current reference points.
func (d *Decoder) RefPoints() (refA, refB uint32) { return d.refA, d.refB }

func (d *Decoder) need(n int) error {
	if d.off+n > len(d.buf) {
		return ErrTruncated
	}
	return nil
}

func (d *Decoder) peek8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	return d.buf[d.off], nil
}

func (d *Decoder) peek16(delta int) uint16 {
	return binary.LittleEndian.Uint16(d.buf[d.off+delta:])
}

func (d *Decoder) peek32(delta int) uint32 {
	return binary.LittleEndian.Uint32(d.buf[d.off+delta:])
}

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

// ReadTinySIntWithFlag is the inverse of Coder.WriteTinySIntWithFlag.
func (d *Decoder) ReadTinySIntWithFlag() (int32, bool, error) {
	b, err := d.peek8()
	if err != nil {
		return 0, false, err
	}
	flag := b&0x02 != 0
	if b&0x01 == 0 {
		d.off++
		return signExtend(uint32(b)>>2, 6), flag, nil
	}
	switch (b >> 2) & 0x03 {
	case 1:
		if err := d.need(2); err != nil {
			return 0, false, err
		}
		w := uint32(d.peek16(0))
		d.off += 2
		return signExtend(w>>4, 12), flag, nil
	case 2:
		if err := d.need(4); err != nil {
			return 0, false, err
		}
		dw := d.peek32(0)
		d.off += 4
		return signExtend(dw>>4, 28), flag, nil
	case 3:
		if err := d.need(5); err != nil {
			return 0, false, err
		}
		v := int32(d.peek32(1))
		d.off += 5
		return v, flag, nil
	default:
		return 0, false, ErrInvalidEncoding
	}
}

// ReadTinySInt is the inverse of Coder.WriteTinySInt.
func (d *Decoder) ReadTinySInt() (int32, error) {
	b, err := d.peek8()
	if err != nil {
		return 0, err
	}
	switch {
	case b&0x01 == 0:
		d.off++
		return int32(int8(b)) >> 1, nil
	case b&0x03 == 0x01:
		if err := d.need(2); err != nil {
			return 0, err
		}
		w := d.peek16(0)
		d.off += 2
		return int32(int16(w)) >> 2, nil
	default:
		if err := d.need(4); err != nil {
			return 0, err
		}
		dw := d.peek32(0)
		d.off += 4
		return int32(dw) >> 2, nil
	}
}

// ReadSmallMostLikelyEvenSInt is the inverse of Coder.WriteSmallMostLikelyEvenSInt.
func (d *Decoder) ReadSmallMostLikelyEvenSInt() (int32, error) {
	b, err := d.peek8()
	if err != nil {
		return 0, err
	}
	var p int32
	switch {
	case b&0x01 == 0:
		if err := d.need(2); err != nil {
			return 0, err
		}
		p = int32(int16(d.peek16(0))) >> 1
		d.off += 2
	case b&0x03 == 0x01:
		if err := d.need(4); err != nil {
			return 0, err
		}
		p = int32(d.peek32(0)) >> 2
		d.off += 4
	case b == 0xff:
		if err := d.need(5); err != nil {
			return 0, err
		}
		// The escape form stores the permuted value unshifted.
		p = int32(d.peek32(1))
		d.off += 5
	default:
		return 0, ErrInvalidEncoding
	}
	return unpermuteEven(p), nil
}

// ReadSmallUnsignedInt is the inverse of Coder.WriteSmallUnsignedInt.
func (d *Decoder) ReadSmallUnsignedInt() (uint32, error) {
	b, err := d.peek8()
	if err != nil {
		return 0, err
	}
	switch {
	case b&0x01 == 0:
		if err := d.need(2); err != nil {
			return 0, err
		}
		v := uint32(d.peek16(0)) >> 1
		d.off += 2
		return v, nil
	case b&0x03 == 0x01:
		if err := d.need(4); err != nil {
			return 0, err
		}
		v := d.peek32(0) >> 2
		d.off += 4
		return v, nil
	case b == 0xff:
		if err := d.need(5); err != nil {
			return 0, err
		}
		v := d.peek32(1)
		d.off += 5
		return v, nil
	default:
		return 0, ErrInvalidEncoding
	}
}

// readWithFlag decodes the common layout of the unsigned and signed flag variants and
// returns the raw payload with the number of significant bits it carries.
func (d *Decoder) readWithFlag() (raw uint32, bits uint, flag bool, err error) {
	b, err := d.peek8()
	if err != nil {
		return 0, 0, false, err
	}
	switch {
	case b&0x01 == 0:
		if err := d.need(2); err != nil {
			return 0, 0, false, err
		}
		w := uint32(d.peek16(0))
		d.off += 2
		return w >> 2, 14, w&0x02 != 0, nil
	case b&0x03 == 0x01:
		if err := d.need(4); err != nil {
			return 0, 0, false, err
		}
		dw := d.peek32(0)
		d.off += 4
		return dw >> 3, 29, dw&0x04 != 0, nil
	case b == 0xff || b == 0x7f:
		if err := d.need(5); err != nil {
			return 0, 0, false, err
		}
		v := d.peek32(1)
		d.off += 5
		return v, 32, b == 0xff, nil
	default:
		return 0, 0, false, ErrInvalidEncoding
	}
}

// ReadSmallUnsignedIntWithFlag is the inverse of Coder.WriteSmallUnsignedIntWithFlag.
func (d *Decoder) ReadSmallUnsignedIntWithFlag() (uint32, bool, error) {
	v, _, flag, err := d.readWithFlag()
	return v, flag, err
}

// ReadSmallSignedIntWithFlag is the inverse of Coder.WriteSmallSignedIntWithFlag.
func (d *Decoder) ReadSmallSignedIntWithFlag() (int32, bool, error) {
	v, bits, flag, err := d.readWithFlag()
	if err != nil {
		return 0, false, err
	}
	return signExtend(v, bits), flag, nil
}

// ReadPackedUIntPair is the inverse of Coder.WritePackedUIntPair.
func (d *Decoder) ReadPackedUIntPair() (larger, smaller uint16, err error) {
	b, err := d.peek8()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case b == 0xfe:
		if err := d.need(3); err != nil {
			return 0, 0, err
		}
		larger, smaller = uint16(d.buf[d.off+1]), uint16(d.buf[d.off+2])
		d.off += 3
	case b == 0xff:
		if err := d.need(5); err != nil {
			return 0, 0, err
		}
		larger, smaller = d.peek16(1), d.peek16(3)
		d.off += 5
	case b&0x0f >= 14:
		return 0, 0, ErrInvalidEncoding
	default:
		larger, smaller = uint16(b>>4), uint16(b&0x0f)
		d.off++
	}
	return larger, smaller, nil
}

// ReadStackEntry is the inverse of Coder.WriteStackEntry. It returns the distance to the
// previous entry in stack words and the reconstructed value.
func (d *Decoder) ReadStackEntry() (indexDelta int32, value uint32, err error) {
	indexDelta, value, _, err = d.ReadStackEntryWithRefPoint()
	return indexDelta, value, err
}

// ReadStackEntryWithRefPoint is like ReadStackEntry and also reports whether the value was
// encoded against reference point B, i.e. whether it was classified as a saved frame pointer.
func (d *Decoder) ReadStackEntryWithRefPoint() (indexDelta int32, value uint32,
	useRefPointB bool, err error) {
	start := d.off
	indexDelta, useRefPointB, err = d.ReadTinySIntWithFlag()
	if err != nil {
		return 0, 0, false, err
	}
	dist, err := d.ReadSmallMostLikelyEvenSInt()
	if err != nil {
		d.off = start
		return 0, 0, false, err
	}
	if useRefPointB {
		d.refB += uint32(dist)
		return indexDelta, d.refB, true, nil
	}
	d.refA += uint32(dist)
	return indexDelta, d.refA, false, nil
}
