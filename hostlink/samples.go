// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/mcu-profiler/smallnum"
	"go.opentelemetry.io/mcu-profiler/target"
)

// StackEntry is a stack slot reported by the sampling profiler.
type StackEntry struct {
	Slot  target.Address
	Value uint32
	// FramePointer is set for slots classified as saved frame pointers. The other slots hold
	// code addresses.
	FramePointer bool
}

// Sample is a decoded stack sample.
type Sample struct {
	Registers target.Registers
	// Entries are ordered from the innermost slot outwards.
	Entries []StackEntry
	// Reused is the number of outermost entries carried over from the previous sample.
	Reused int
}

// CodeAddresses returns the program counter followed by the code addresses found on the
// stack, innermost first. The link register is included unless it is the first of them.
func (s *Sample) CodeAddresses() []target.Address {
	addrs := make([]target.Address, 0, len(s.Entries)+2)
	addrs = append(addrs, s.Registers.PC)
	first := true
	for _, e := range s.Entries {
		if e.FramePointer {
			continue
		}
		if first && target.Address(e.Value) != s.Registers.LR {
			addrs = append(addrs, s.Registers.LR)
		}
		first = false
		addrs = append(addrs, target.Address(e.Value))
	}
	if first {
		addrs = append(addrs, s.Registers.LR)
	}
	return addrs
}

// SampleDecoder reconstructs samples from the sampling channel. Every sample is encoded
// relative to the previous one, so the decoder has to see the whole channel in order.
type SampleDecoder struct {
	onSample func(*Sample)

	pending []byte
	last    Sample
	refA    uint32
	refB    uint32

	decoded atomic.Uint64
}

// NewSampleDecoder calls onSample for every decoded sample. The sample must not be retained
// after onSample returns.
func NewSampleDecoder(onSample func(*Sample)) *SampleDecoder {
	return &SampleDecoder{onSample: onSample}
}

// Decoded returns the number of decoded samples.
func (d *SampleDecoder) Decoded() uint64 {
	return d.decoded.Load()
}

// Write consumes channel bytes. Incomplete samples are kept until the rest arrives.
func (d *SampleDecoder) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	consumed := 0
	for consumed < len(d.pending) {
		n, err := d.decode(d.pending[consumed:])
		if errors.Is(err, smallnum.ErrTruncated) {
			break
		}
		if err != nil {
			// The stream cannot be resynchronized; everything buffered is lost.
			d.pending = d.pending[:0]
			return len(p), fmt.Errorf("decoding sample: %w", err)
		}
		consumed += n
	}
	d.pending = append(d.pending[:0], d.pending[consumed:]...)
	return len(p), nil
}

// decode decodes one sample and commits the decoder state only if the whole sample was
// available.
func (d *SampleDecoder) decode(buf []byte) (int, error) {
	dec := smallnum.NewDecoder(buf, d.refA, d.refB)
	prev := d.last.Registers
	var regs target.Registers

	spDelta, fpIsSP, err := dec.ReadTinySIntWithFlag()
	if err != nil {
		return 0, err
	}
	regs.SP = prev.SP + target.Address(spDelta*4)
	regs.FP = regs.SP
	if !fpIsSP {
		fpDelta, err := dec.ReadTinySInt()
		if err != nil {
			return 0, err
		}
		regs.FP = regs.SP + target.Address(fpDelta*4)
	}
	pcDelta, err := dec.ReadSmallMostLikelyEvenSInt()
	if err != nil {
		return 0, err
	}
	regs.PC = prev.PC + target.Address(pcDelta)
	lrDelta, err := dec.ReadSmallMostLikelyEvenSInt()
	if err != nil {
		return 0, err
	}
	regs.LR = prev.LR + target.Address(lrDelta)

	reused, fresh, err := dec.ReadPackedUIntPair()
	if err != nil {
		return 0, err
	}
	if int(reused) > len(d.last.Entries) {
		return 0, fmt.Errorf("%d reused entries, previous sample has %d", reused,
			len(d.last.Entries))
	}

	entries := make([]StackEntry, 0, int(fresh)+int(reused))
	slot := regs.SP
	for range fresh {
		delta, value, fp, err := dec.ReadStackEntryWithRefPoint()
		if err != nil {
			return 0, err
		}
		slot += target.Address(delta * 4)
		entries = append(entries, StackEntry{Slot: slot, Value: value, FramePointer: fp})
	}
	entries = append(entries, d.last.Entries[len(d.last.Entries)-int(reused):]...)

	d.refA, d.refB = dec.RefPoints()
	d.last = Sample{Registers: regs, Entries: entries, Reused: int(reused)}
	d.decoded.Add(1)
	if d.onSample != nil {
		d.onSample(&d.last)
	}
	return dec.Offset(), nil
}
