// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rta implements the real-time analysis stream: timestamped events about threads,
// resources, watched values and function run times, sent to the debugger as fixed-layout
// little-endian packets on the real-time analysis channel.
package rta // import "go.opentelemetry.io/mcu-profiler/rta"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PacketType is the type tag stored in the lowest byte of every packet.
type PacketType uint8

const (
	PacketInitialization PacketType = 1 + iota
	PacketFunctionRunTime
	PacketOverflow
	PacketOverheadReport
	PacketThreadSwitch
	PacketThreadCreated
	PacketResourceTaken
	PacketResourceReleased
	PacketSignedValueChanged
	PacketUnsignedValueChanged
	PacketFPValueChanged
	PacketCustomEvent
	PacketCustomEventEx
	PacketNewTicksPerSecond
)

func (t PacketType) String() string {
	switch t {
	case PacketInitialization:
		return "initialization"
	case PacketFunctionRunTime:
		return "function-runtime"
	case PacketOverflow:
		return "overflow"
	case PacketOverheadReport:
		return "overhead-report"
	case PacketThreadSwitch:
		return "thread-switch"
	case PacketThreadCreated:
		return "thread-created"
	case PacketResourceTaken:
		return "resource-taken"
	case PacketResourceReleased:
		return "resource-released"
	case PacketSignedValueChanged:
		return "signed-value"
	case PacketUnsignedValueChanged:
		return "unsigned-value"
	case PacketFPValueChanged:
		return "fp-value"
	case PacketCustomEvent:
		return "custom-event"
	case PacketCustomEventEx:
		return "custom-event-ex"
	case PacketNewTicksPerSecond:
		return "ticks-per-second"
	default:
		return fmt.Sprintf("packet-%d", uint8(t))
	}
}

// ArgType is the argument kind of a PacketCustomEventEx.
type ArgType uint8

const (
	ArgSignedInt ArgType = iota
	ArgUnsignedInt
	ArgFloatingPoint
)

// Packet is a decoded real-time analysis packet. Fields not carried by a packet type are zero.
type Packet struct {
	Type PacketType
	// Tag is the 24-bit resource tag or the argument type of an extended event.
	Tag uint32
	// RelativeTime is the distance to the previously reported timestamp.
	RelativeTime int32
	// Resource is the resource, watch, function or thread the packet refers to.
	Resource uint32
	// Value is the owner, integral value, run time, instrumented time or tick rate.
	Value uint32
	// Reporting is the reporting overhead of an overhead report.
	Reporting uint32
	// Base is the application clock base of an overflow or overhead report.
	Base uint64
	FP   float64
	Text string
}

var (
	// ErrShortPacket is returned when a buffer ends in the middle of a packet.
	ErrShortPacket = errors.New("truncated real-time analysis packet")
	// ErrUnknownPacket is returned for an unknown type tag.
	ErrUnknownPacket = errors.New("unknown real-time analysis packet")
)

func word(b []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(b[4*i:])
}

// Decode parses the packet at the start of b and returns it with its size.
func Decode(b []byte) (Packet, int, error) {
	if len(b) == 0 {
		return Packet{}, 0, ErrShortPacket
	}
	pkt := Packet{Type: PacketType(b[0])}
	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("%w: %v needs %d bytes, have %d", ErrShortPacket, pkt.Type, n,
				len(b))
		}
		return nil
	}

	size := 0
	switch pkt.Type {
	case PacketInitialization:
		size = 1
	case PacketThreadSwitch:
		size = 9
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.RelativeTime = int32(binary.LittleEndian.Uint32(b[1:]))
		pkt.Resource = binary.LittleEndian.Uint32(b[5:])
	case PacketOverflow:
		size = 8
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.Base = binary.LittleEndian.Uint64(b) >> 8
	case PacketNewTicksPerSecond:
		size = 8
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.Value = word(b, 1)
	case PacketOverheadReport:
		size = 12
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.Base = uint64(word(b, 0) >> 8)
		pkt.Value = word(b, 1)
		pkt.Reporting = word(b, 2)
	case PacketThreadCreated:
		if err := need(8); err != nil {
			return Packet{}, 0, err
		}
		size = 8 + int(word(b, 0)>>8)
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.Resource = word(b, 1)
		pkt.Text = string(b[8:size])
	case PacketFunctionRunTime, PacketResourceTaken, PacketResourceReleased,
		PacketSignedValueChanged, PacketUnsignedValueChanged:
		size = 16
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.Tag = word(b, 0) >> 8
		if pkt.Type == PacketFunctionRunTime {
			pkt.Resource = word(b, 1)
			pkt.RelativeTime = int32(word(b, 2))
		} else {
			pkt.RelativeTime = int32(word(b, 1))
			pkt.Resource = word(b, 2)
		}
		pkt.Value = word(b, 3)
	case PacketFPValueChanged:
		size = 20
		if err := need(size); err != nil {
			return Packet{}, 0, err
		}
		pkt.RelativeTime = int32(word(b, 1))
		pkt.Resource = word(b, 2)
		pkt.FP = math.Float64frombits(binary.LittleEndian.Uint64(b[12:]))
	case PacketCustomEvent, PacketCustomEventEx:
		if err := need(12); err != nil {
			return Packet{}, 0, err
		}
		pkt.Tag = word(b, 0) >> 8
		pkt.RelativeTime = int32(word(b, 1))
		pkt.Resource = word(b, 2)
		if pkt.Type == PacketCustomEvent {
			size = 12 + int(pkt.Tag)
			if err := need(size); err != nil {
				return Packet{}, 0, err
			}
			pkt.Text = string(b[12:size])
			pkt.Tag = 0
			break
		}
		switch ArgType(pkt.Tag) {
		case ArgSignedInt, ArgUnsignedInt:
			size = 16
			if err := need(size); err != nil {
				return Packet{}, 0, err
			}
			pkt.Value = word(b, 3)
		case ArgFloatingPoint:
			size = 20
			if err := need(size); err != nil {
				return Packet{}, 0, err
			}
			pkt.FP = math.Float64frombits(binary.LittleEndian.Uint64(b[12:]))
		default:
			return Packet{}, 0, fmt.Errorf("%w: event argument type %d", ErrUnknownPacket,
				pkt.Tag)
		}
	default:
		return Packet{}, 0, fmt.Errorf("%w: type %d", ErrUnknownPacket, b[0])
	}
	return pkt, size, nil
}
