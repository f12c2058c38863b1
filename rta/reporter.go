// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rta // import "go.opentelemetry.io/mcu-profiler/rta"

import (
	"encoding/binary"
	"math"
	"runtime"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/semihosting"
)

// Transport sends packets to the host with all-or-nothing semantics.
type Transport interface {
	WriteData(ch semihosting.Channel, header, payload []byte) int
	Availability(exp uint) int
	CallActive() bool
}

// Clock is the application clock shared with the instrumenting profiler.
type Clock interface {
	// Now advances the clock by the elapsed performance counter ticks and returns it.
	Now() uint64
	// Base returns the clock without advancing it.
	Base() uint64
}

// Options configures a Reporter.
type Options struct {
	// StopOnOverflow calls Stop whenever a packet did not fit into the ring.
	StopOnOverflow bool
	// Stop defaults to logging a warning.
	Stop func()
	// Spin is called on every iteration of a busy-wait loop. Defaults to runtime.Gosched.
	Spin func()
}

// Reporter writes real-time analysis packets.
type Reporter struct {
	transport Transport
	clock     Clock

	stopOnOverflow atomic.Bool
	stop           func()
	spin           func()

	lastReportedTime uint64

	sent      atomic.Uint64
	dropped   atomic.Uint64
	overflows atomic.Uint64
}

// NewReporter returns a reporter that timestamps packets with clock.
func NewReporter(transport Transport, clock Clock, opts Options) *Reporter {
	if opts.Stop == nil {
		opts.Stop = func() {
			log.Warn("Real-time analysis buffer overflow")
		}
	}
	if opts.Spin == nil {
		opts.Spin = runtime.Gosched
	}
	r := &Reporter{
		transport: transport,
		clock:     clock,
		stop:      opts.Stop,
		spin:      opts.Spin,
	}
	r.stopOnOverflow.Store(opts.StopOnOverflow)
	return r
}

// SetStopOnOverflow changes the overflow policy. The debugger toggles it at run time.
func (r *Reporter) SetStopOnOverflow(stop bool) { r.stopOnOverflow.Store(stop) }

// Stats returns the number of sent and dropped packets and of reported overflows.
func (r *Reporter) Stats() (sent, dropped, overflows uint64) {
	return r.sent.Load(), r.dropped.Load(), r.overflows.Load()
}

func (r *Reporter) relativeTimestamp() uint32 {
	ts := r.clock.Now()
	rel := int32(ts - r.lastReportedTime)
	r.lastReportedTime = ts
	return uint32(rel)
}

func clampTime(t uint64) uint32 {
	if t > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(t)
}

func putWords(dst []byte, words ...uint32) []byte {
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint32(dst, w)
	}
	return dst
}

func (r *Reporter) tryWrite(header, payload []byte) bool {
	if r.transport.WriteData(semihosting.ChannelRealTimeAnalysis, header, payload) == 0 {
		return false
	}
	r.sent.Add(1)
	return true
}

// writeOrSpin retries until the packet fits. A packet produced while another channel
// write is in progress can never fit and is dropped.
func (r *Reporter) writeOrSpin(header, payload []byte) bool {
	for !r.tryWrite(header, payload) {
		if r.transport.CallActive() {
			r.dropped.Add(1)
			return false
		}
		r.spin()
	}
	return true
}

// writeOrReportOverflow retries until the packet fits, reporting an overflow for every
// failed attempt.
func (r *Reporter) writeOrReportOverflow(header, payload []byte) bool {
	for !r.tryWrite(header, payload) {
		if r.transport.CallActive() {
			r.dropped.Add(1)
			return false
		}
		r.reportOverflow()
	}
	return true
}

// reportOverflow waits until the ring is mostly drained and tells the host that events
// were lost around the current clock value.
func (r *Reporter) reportOverflow() {
	r.overflows.Add(1)
	if r.stopOnOverflow.Load() {
		r.stop()
	}
	for r.transport.Availability(4) <= 2 {
		r.spin()
	}
	var rec [8]byte
	binary.LittleEndian.PutUint64(rec[:], r.clock.Base()<<8|uint64(PacketOverflow))
	r.writeOrSpin(rec[:], nil)
}

// Initialization sends the initialization record. It is sent once so that the debugger
// sets up the ring before real data has to be transferred.
func (r *Reporter) Initialization() bool {
	return r.tryWrite([]byte{byte(PacketInitialization)}, nil)
}

// FunctionRunTime reports a function that started at start and ran for runTime ticks.
func (r *Reporter) FunctionRunTime(function uint32, start, runTime uint64) bool {
	var buf [16]byte
	rec := putWords(buf[:0], uint32(PacketFunctionRunTime), function,
		uint32(int32(start-r.lastReportedTime)), clampTime(runTime))
	r.lastReportedTime = start
	return r.writeOrReportOverflow(rec, nil)
}

// OverheadReport reports the measured cost of an empty function without instrumentation,
// with instrumentation, and with instrumentation and reporting.
func (r *Reporter) OverheadReport(base, instrumented, reporting uint32) bool {
	var buf [12]byte
	return r.tryWrite(putWords(buf[:0], base<<8|uint32(PacketOverheadReport), instrumented,
		reporting), nil)
}

// ThreadCreated reports a new thread and its name.
func (r *Reporter) ThreadCreated(handle uint32, name string) bool {
	var buf [8]byte
	hdr := putWords(buf[:0], uint32(len(name))<<8|uint32(PacketThreadCreated), handle)
	return r.writeOrSpin(hdr, []byte(name))
}

// ThreadSwitch reports that handle became the running thread.
func (r *Reporter) ThreadSwitch(handle uint32) bool {
	var buf [8]byte
	payload := putWords(buf[:0], r.relativeTimestamp(), handle)
	return r.writeOrSpin([]byte{byte(PacketThreadSwitch)}, payload)
}

// ResourceTaken reports that owner acquired resource. The tag is truncated to 24 bits.
func (r *Reporter) ResourceTaken(resource, owner, tag uint32) bool {
	return r.resourceEvent(PacketResourceTaken, resource, owner, tag)
}

// ResourceReleased reports that owner released resource.
func (r *Reporter) ResourceReleased(resource, owner, tag uint32) bool {
	return r.resourceEvent(PacketResourceReleased, resource, owner, tag)
}

func (r *Reporter) resourceEvent(t PacketType, resource, owner, tag uint32) bool {
	var buf [16]byte
	msg := putWords(buf[:0], tag<<8|uint32(t), r.relativeTimestamp(), resource, owner)
	return r.writeOrReportOverflow(msg, nil)
}

// IntegralValue reports a new value of an integer watch.
func (r *Reporter) IntegralValue(resource, value uint32, signed bool) bool {
	t := PacketUnsignedValueChanged
	if signed {
		t = PacketSignedValueChanged
	}
	var buf [16]byte
	msg := putWords(buf[:0], uint32(t), r.relativeTimestamp(), resource, value)
	return r.writeOrReportOverflow(msg, nil)
}

// FPValue reports a new value of a floating-point watch.
func (r *Reporter) FPValue(resource uint32, value float64) bool {
	var buf [12]byte
	var arg [8]byte
	msg := putWords(buf[:0], uint32(PacketFPValueChanged), r.relativeTimestamp(), resource)
	binary.LittleEndian.PutUint64(arg[:], math.Float64bits(value))
	return r.writeOrReportOverflow(msg, arg[:])
}

// Event reports a custom text event.
func (r *Reporter) Event(resource uint32, text string) bool {
	var buf [12]byte
	msg := putWords(buf[:0], uint32(len(text))<<8|uint32(PacketCustomEvent),
		r.relativeTimestamp(), resource)
	return r.writeOrReportOverflow(msg, []byte(text))
}

// EventSigned reports a custom event with a signed argument.
func (r *Reporter) EventSigned(resource uint32, arg int32) bool {
	var a [4]byte
	binary.LittleEndian.PutUint32(a[:], uint32(arg))
	return r.eventEx(resource, ArgSignedInt, a[:])
}

// EventUnsigned reports a custom event with an unsigned argument.
func (r *Reporter) EventUnsigned(resource, arg uint32) bool {
	var a [4]byte
	binary.LittleEndian.PutUint32(a[:], arg)
	return r.eventEx(resource, ArgUnsignedInt, a[:])
}

// EventFP reports a custom event with a floating-point argument.
func (r *Reporter) EventFP(resource uint32, arg float64) bool {
	var a [8]byte
	binary.LittleEndian.PutUint64(a[:], math.Float64bits(arg))
	return r.eventEx(resource, ArgFloatingPoint, a[:])
}

func (r *Reporter) eventEx(resource uint32, argType ArgType, arg []byte) bool {
	var buf [12]byte
	msg := putWords(buf[:0], uint32(PacketCustomEventEx)|uint32(argType)<<8,
		r.relativeTimestamp(), resource)
	return r.writeOrReportOverflow(msg, arg)
}

// TicksPerSecond reports the frequency of the performance counter.
func (r *Reporter) TicksPerSecond(tps uint32) bool {
	var buf [8]byte
	return r.writeOrSpin(putWords(buf[:0], uint32(PacketNewTicksPerSecond), tps), nil)
}
