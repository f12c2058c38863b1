// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package semihosting implements the target side of fast semihosting: a single ring buffer
// in target memory that multiplexes several byte streams and is drained by the debugger
// reading target memory while the target keeps running.
package semihosting // import "go.opentelemetry.io/mcu-profiler/semihosting"

import (
	"errors"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/target"
)

// DefaultBufferSize is the capacity of the ring data area.
const DefaultBufferSize = 4096

// Header word indexes. The layout is read by the debugger and must not be reordered.
const (
	wordReadOffset = iota
	wordWriteOffset
	wordLastKnownSwitchOffset
	headerWords
)

// HeaderSize is the size of the ring header preceding the data area.
const HeaderSize = 4 * headerWords

// Byte offsets of the header fields relative to the ring address.
const (
	ReadOffsetField            = 4 * wordReadOffset
	WriteOffsetField           = 4 * wordWriteOffset
	LastKnownSwitchOffsetField = 4 * wordLastKnownSwitchOffset
)

// ErrInterfaceFault is raised when an all-or-nothing transfer came back short after its
// space check succeeded.
var ErrInterfaceFault = errors.New("fast semihosting interface error")

// Options configures a Ring.
type Options struct {
	// BufferSize is the capacity of the data area. Defaults to DefaultBufferSize.
	BufferSize uint32
	// Blocking makes writers spin until the debugger frees enough space. Otherwise writes
	// into a full ring return 0.
	Blocking bool
	// HoldInterrupts masks interrupts around multi-step channel writes.
	HoldInterrupts bool
	// Interrupts is used when HoldInterrupts is set.
	Interrupts target.InterruptController
	// Spin is called on every iteration of a busy-wait loop. Defaults to runtime.Gosched.
	Spin func()
	// Fault is called when the ring detects an unrecoverable interface error. It is not
	// expected to return. Defaults to logging and panicking with the error.
	Fault func(err error)
}

// Ring is the fast semihosting ring buffer. There is one producer (the target) and one
// consumer (the debugger). The producer only advances the write offset, the consumer only
// advances the read offset. Both offsets grow monotonically and are reduced modulo the
// capacity when indexing; their difference is the number of queued bytes.
type Ring struct {
	block *target.Block
	addr  target.Address
	data  []byte
	size  uint32

	dbg            target.Debugger
	irq            target.InterruptController
	blocking       bool
	holdInterrupts bool
	spin           func()
	fault          func(err error)

	initialized      bool
	lastKnownChannel Channel
	callActive       int
}

// NewRing allocates the ring in the target address space.
func NewRing(space *target.Space, dbg target.Debugger, opts Options) *Ring {
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Interrupts == nil {
		opts.Interrupts = target.NopInterrupts{}
	}
	if opts.Spin == nil {
		opts.Spin = runtime.Gosched
	}
	if opts.Fault == nil {
		opts.Fault = func(err error) {
			log.Errorf("Unrecoverable fast semihosting error: %v", err)
			panic(err)
		}
	}
	block := target.NewBlock(headerWords, int(opts.BufferSize))
	r := &Ring{
		block:          block,
		addr:           space.Map(block),
		data:           block.Data(),
		size:           opts.BufferSize,
		dbg:            dbg,
		irq:            opts.Interrupts,
		blocking:       opts.Blocking,
		holdInterrupts: opts.HoldInterrupts,
		spin:           opts.Spin,
		fault:          opts.Fault,
	}
	log.Debugf("Fast semihosting ring of %d bytes at %v (blocking=%v)",
		r.size, r.addr, r.blocking)
	return r
}

// Address returns the target address of the ring header.
func (r *Ring) Address() target.Address { return r.addr }

// Size returns the capacity of the data area.
func (r *Ring) Size() uint32 { return r.size }

// Attached reports whether a debugger is attached to drain the ring.
func (r *Ring) Attached() bool { return r.dbg.Attached() }

// Blocking reports whether writers wait for free space.
func (r *Ring) Blocking() bool { return r.blocking }

// Offsets returns a snapshot of the header fields.
func (r *Ring) Offsets() (read, write, lastSwitch uint32) {
	return r.readOffset(), r.writeOffset(), r.lastSwitchOffset()
}

func (r *Ring) readOffset() uint32 {
	return r.block.Word(wordReadOffset).Load()
}

func (r *Ring) writeOffset() uint32 {
	return r.block.Word(wordWriteOffset).Load()
}

func (r *Ring) lastSwitchOffset() uint32 {
	return r.block.Word(wordLastKnownSwitchOffset).Load()
}

func (r *Ring) initialize() {
	r.initialized = true
	r.block.Word(wordReadOffset).Store(r.size)
	r.dbg.Semihost(target.ReasonInitializeFastSemihosting, uint32(r.addr))
	r.block.Word(wordReadOffset).Store(0)
	r.block.Word(wordWriteOffset).Store(0)
}

// FreeSpace returns the number of bytes that can be written without waiting.
func (r *Ring) FreeSpace() uint32 {
	used := r.writeOffset() - r.readOffset()
	if used > r.size {
		return 0
	}
	return r.size - used
}

// Availability returns the free space scaled to 1<<exp: 1<<exp when the ring is empty and 0
// when it is full.
func (r *Ring) Availability(exp uint) int {
	return int((uint64(r.FreeSpace()) << exp) / uint64(r.size))
}

// CallActive reports whether a channel write is in progress. Instrumentation hooks use it
// to avoid reporting from within the transport.
func (r *Ring) CallActive() bool {
	return r.callActive > 0
}

// writeRaw copies as much of p as currently fits into the ring and returns the number of
// bytes written. A switch record is written either completely or not at all.
func (r *Ring) writeRaw(p []byte, switchRecord bool) int {
	if !r.dbg.Attached() {
		return len(p)
	}
	if !r.initialized {
		r.initialize()
	}

	minRequired := uint32(1)
	if switchRecord {
		minRequired = uint32(len(p))
	}
	minRequired %= r.size
	for r.writeOffset()-r.readOffset() > r.size-minRequired {
		if !r.blocking {
			return 0
		}
		r.spin()
	}

	readOff := r.readOffset() % r.size
	fullWriteOff := r.writeOffset()
	writeOff := fullWriteOff % r.size

	var todo uint32
	if writeOff < readOff {
		todo = readOff - writeOff
	} else {
		todo = r.size - writeOff
	}
	todo = min(todo, uint32(len(p)))
	copy(r.data[writeOff:], p[:todo])

	if writeOff+todo == r.size && int(todo) != len(p) {
		// Rolling over the end of the buffer. The second half has to be copied before the
		// write offset moves so that a switch record is never visible partially.
		todo2 := min(readOff, uint32(len(p))-todo)
		copy(r.data, p[todo:todo+todo2])
		todo += todo2
	}
	if switchRecord {
		r.block.Word(wordLastKnownSwitchOffset).Store(fullWriteOff + todo)
	}
	r.block.Word(wordWriteOffset).Store(fullWriteOff + todo)
	return int(todo)
}

func (r *Ring) writeSwitchRecord(ch Channel) bool {
	var buf [maxSwitchRecordSize]byte
	delta := r.writeOffset() - r.lastSwitchOffset()
	rec := AppendSwitchRecord(buf[:0], delta, ch)
	if r.writeRaw(rec, true) == 0 {
		return false
	}
	r.lastKnownChannel = ch
	return true
}

func (r *Ring) holdInterruptsIfConfigured() func() {
	if !r.holdInterrupts {
		return func() {}
	}
	wasDisabled := r.irq.Disable()
	return func() { r.irq.Restore(wasDisabled) }
}

// WriteToChannel writes p to a channel, preceded by a switch record when the channel differs
// from the one written last. It returns the number of payload bytes written, which is 0 if
// the switch record did not fit. With writeAll set it keeps writing until all of p is
// queued.
func (r *Ring) WriteToChannel(ch Channel, p []byte, writeAll bool) int {
	if len(p) == 0 {
		return 0
	}
	defer r.holdInterruptsIfConfigured()()

	r.callActive++
	defer func() { r.callActive-- }()

	ch &= 0x7f
	if ch != r.lastKnownChannel && !r.writeSwitchRecord(ch) {
		return 0
	}

	done := 0
	for {
		done += r.writeRaw(p[done:], false)
		if !writeAll || done == len(p) {
			return done
		}
	}
}

// WriteData writes a header and a payload to a channel with all-or-nothing semantics. It
// returns the total number of bytes written, or 0 if they do not fit right now or another
// channel write is in progress. Callers drop or retry the data in that case.
func (r *Ring) WriteData(ch Channel, header, payload []byte) int {
	total := len(header) + len(payload)
	if !r.dbg.Attached() {
		return total
	}
	defer r.holdInterruptsIfConfigured()()

	if r.callActive > 0 {
		return 0
	}
	required := uint32(total)
	if ch&0x7f != r.lastKnownChannel {
		required += uint32(SwitchRecordSize(r.writeOffset() - r.lastSwitchOffset()))
	}
	if required > r.FreeSpace() {
		return 0
	}

	if done := r.WriteToChannel(ch, header, true); done != len(header) {
		r.fault(fmt.Errorf("%w: header %d/%d bytes", ErrInterfaceFault, done, len(header)))
		return 0
	}
	if done := r.WriteToChannel(ch, payload, true); done != len(payload) {
		r.fault(fmt.Errorf("%w: payload %d/%d bytes", ErrInterfaceFault, done, len(payload)))
		return 0
	}
	return total
}

// SuspendPolling asks the debugger to stop polling the ring.
func (r *Ring) SuspendPolling() {
	if r.dbg.Attached() {
		r.dbg.Semihost(target.ReasonControlFastSemihostingPolling, 0)
	}
}

// ResumePolling asks the debugger to resume polling the ring.
func (r *Ring) ResumePolling() {
	if r.dbg.Attached() {
		r.dbg.Semihost(target.ReasonControlFastSemihostingPolling, 1)
	}
}

// Stdio returns a writer for a newlib file descriptor. Like _write it always reports that
// all bytes were written, so non-blocking rings drop what does not fit.
func (r *Ring) Stdio(fd int) *Stdio {
	return &Stdio{ring: r, ch: StdioChannel(fd)}
}

// Stdio is the stdout/stderr driver on top of the ring.
type Stdio struct {
	ring *Ring
	ch   Channel
}

func (s *Stdio) Write(p []byte) (int, error) {
	s.ring.WriteToChannel(s.ch, p, s.ring.blocking)
	return len(p), nil
}
