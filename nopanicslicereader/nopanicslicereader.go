// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader reads little endian target values from records received from the
// target. Zeroes are returned on out of bounds access instead of panic, so that a truncated
// record decodes as zero fields rather than crashing the host.
package nopanicslicereader // import "go.opentelemetry.io/mcu-profiler/nopanicslicereader"

import (
	"encoding/binary"
	"math"

	"go.opentelemetry.io/mcu-profiler/target"
)

// Uint8 reads one 8-bit unsigned integer from given byte slice offset
func Uint8(b []byte, offs uint) uint8 {
	if offs+1 > uint(len(b)) {
		return 0
	}
	return b[offs]
}

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint32 reads one 32-bit unsigned integer from given byte slice offset
func Uint32(b []byte, offs uint) uint32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[offs:])
}

// Int32 reads one 32-bit signed integer from given byte slice offset
func Int32(b []byte, offs uint) int32 {
	return int32(Uint32(b, offs))
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Float64 reads one IEEE 754 double from given byte slice offset
func Float64(b []byte, offs uint) float64 {
	return math.Float64frombits(Uint64(b, offs))
}

// Ptr reads one target pointer from given byte slice offset
func Ptr(b []byte, offs uint) target.Address {
	return target.Address(Uint32(b, offs))
}

// Words reads n consecutive 32-bit words starting at offs.
func Words(b []byte, offs uint, n int) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = Uint32(b, offs+4*uint(i))
	}
	return words
}
