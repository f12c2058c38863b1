// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package semihosting // import "go.opentelemetry.io/mcu-profiler/semihosting"

import (
	"encoding/binary"
	"errors"
)

// A channel switch record marks that the bytes following it belong to a new channel. It does
// not describe the length of the data. Instead it stores the distance back to the end of the
// previous switch record, and the ring header points to the end of the most recent one, so
// consumers walk the chain backwards. There is no overhead while the channel stays the same.
//
// Encodings, keyed on the delta:
//
//	delta < 256:      u16 [delta:8][1:1][channel:7]
//	delta < 0x7fffff: u32 [delta:23][1:1][channel:7][0:1]
//	otherwise:        u32 [delta:31][0:1] followed by the channel byte
//
// Reading backwards from the end of a record, a set top bit in the last byte identifies the
// 2-byte form, a set top bit in the second to last byte the 4-byte form.

const maxSwitchRecordSize = 5

var errInvalidSwitchRecord = errors.New("invalid channel switch record")

// SwitchRecordSize returns the encoded size of a switch record for delta.
func SwitchRecordSize(delta uint32) int {
	switch {
	case delta < 256:
		return 2
	case delta < 0x7fffff:
		return 4
	default:
		return 5
	}
}

// AppendSwitchRecord appends the encoding of a switch record to dst.
func AppendSwitchRecord(dst []byte, delta uint32, ch Channel) []byte {
	ch &= 0x7f
	switch SwitchRecordSize(delta) {
	case 2:
		return binary.LittleEndian.AppendUint16(dst, uint16(delta|uint32(ch)<<8|0x8000))
	case 4:
		return binary.LittleEndian.AppendUint32(dst, uint32(ch)<<24|0x800000|delta)
	default:
		dst = binary.LittleEndian.AppendUint32(dst, delta&0x7fffffff)
		return append(dst, byte(ch))
	}
}

// DecodeSwitchRecordBackward decodes the switch record that ends right before end in buf.
// It returns the record size, the stored delta and the channel.
func DecodeSwitchRecordBackward(buf []byte, end int) (size int, delta uint32, ch Channel,
	err error) {
	if end < 2 || end > len(buf) {
		return 0, 0, 0, errInvalidSwitchRecord
	}
	last := buf[end-1]
	if last&0x80 != 0 {
		return 2, uint32(buf[end-2]), Channel(last & 0x7f), nil
	}
	if end < 4 {
		return 0, 0, 0, errInvalidSwitchRecord
	}
	if buf[end-2]&0x80 != 0 {
		v := binary.LittleEndian.Uint32(buf[end-4:])
		return 4, v & 0x7fffff, Channel(v >> 24), nil
	}
	if end < 5 {
		return 0, 0, 0, errInvalidSwitchRecord
	}
	return 5, binary.LittleEndian.Uint32(buf[end-5:]), Channel(last), nil
}
