// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/rta"
)

// Event is a real-time analysis packet with its reconstructed timestamp.
type Event struct {
	rta.Packet
	// Time is the application clock in performance counter ticks.
	Time uint64
}

// RealTimeDecoder splits the real-time analysis channel into packets.
type RealTimeDecoder struct {
	onEvent func(Event)

	pending []byte
	clock   uint64

	ticksPerSecond atomic.Uint32
	packets        atomic.Uint64
	overflows      atomic.Uint64
}

// NewRealTimeDecoder calls onEvent for every decoded packet.
func NewRealTimeDecoder(onEvent func(Event)) *RealTimeDecoder {
	return &RealTimeDecoder{onEvent: onEvent}
}

// TicksPerSecond returns the last reported performance counter frequency, or 0.
func (d *RealTimeDecoder) TicksPerSecond() uint32 {
	return d.ticksPerSecond.Load()
}

// Stats returns the number of decoded packets and overflow reports.
func (d *RealTimeDecoder) Stats() (packets, overflows uint64) {
	return d.packets.Load(), d.overflows.Load()
}

func carriesTime(t rta.PacketType) bool {
	switch t {
	case rta.PacketInitialization, rta.PacketOverflow, rta.PacketOverheadReport,
		rta.PacketThreadCreated, rta.PacketNewTicksPerSecond:
		return false
	}
	return true
}

// Write consumes channel bytes. A packet may be split across several writes.
func (d *RealTimeDecoder) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	consumed := 0
	for consumed < len(d.pending) {
		pkt, n, err := rta.Decode(d.pending[consumed:])
		if errors.Is(err, rta.ErrShortPacket) {
			break
		}
		if err != nil {
			d.pending = d.pending[:0]
			return len(p), fmt.Errorf("decoding real-time analysis stream: %w", err)
		}
		consumed += n
		d.handle(pkt)
	}
	d.pending = append(d.pending[:0], d.pending[consumed:]...)
	return len(p), nil
}

func (d *RealTimeDecoder) handle(pkt rta.Packet) {
	switch {
	case pkt.Type == rta.PacketOverflow:
		// Packets were lost; the target sends its clock to resynchronize.
		d.clock = pkt.Base
		d.overflows.Add(1)
		log.Debugf("Real-time analysis overflow at %d", pkt.Base)
	case pkt.Type == rta.PacketNewTicksPerSecond:
		d.ticksPerSecond.Store(pkt.Value)
	case carriesTime(pkt.Type):
		d.clock += uint64(int64(pkt.RelativeTime))
	}
	d.packets.Add(1)
	if d.onEvent != nil {
		d.onEvent(Event{Packet: pkt, Time: d.clock})
	}
}
