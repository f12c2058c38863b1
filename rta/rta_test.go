// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
)

type fakeTransport struct {
	stream       []byte
	reject       int
	callActive   bool
	availability []int
}

func (f *fakeTransport) WriteData(ch semihosting.Channel, header, payload []byte) int {
	if ch != semihosting.ChannelRealTimeAnalysis {
		panic("unexpected channel " + ch.String())
	}
	if f.callActive {
		return 0
	}
	if f.reject > 0 {
		f.reject--
		return 0
	}
	f.stream = append(f.stream, header...)
	f.stream = append(f.stream, payload...)
	return len(header) + len(payload)
}

func (f *fakeTransport) Availability(uint) int {
	if len(f.availability) == 0 {
		return 16
	}
	a := f.availability[0]
	f.availability = f.availability[1:]
	return a
}

func (f *fakeTransport) CallActive() bool { return f.callActive }

type fakeClock struct{ now uint64 }

func (c *fakeClock) Now() uint64  { return c.now }
func (c *fakeClock) Base() uint64 { return c.now }

func decodeAll(t *testing.T, b []byte) []Packet {
	var packets []Packet
	for len(b) > 0 {
		pkt, n, err := Decode(b)
		require.NoError(t, err)
		packets = append(packets, pkt)
		b = b[n:]
	}
	return packets
}

func TestPacketLayout(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{now: 0x100}
	r := NewReporter(tr, clock, Options{})

	require.True(t, r.ResourceTaken(0x20000010, 0x20000400, 0xabcdef))
	assert.Equal(t, []byte{
		0x07, 0xef, 0xcd, 0xab,
		0x00, 0x01, 0x00, 0x00,
		0x10, 0x00, 0x00, 0x20,
		0x00, 0x04, 0x00, 0x20,
	}, tr.stream)

	tr.stream = nil
	clock.now = 0x180
	require.True(t, r.ThreadSwitch(0x20000400))
	assert.Equal(t, []byte{
		0x05,
		0x80, 0x00, 0x00, 0x00,
		0x00, 0x04, 0x00, 0x20,
	}, tr.stream)

	tr.stream = nil
	require.True(t, r.ThreadCreated(0x20000500, "idle"))
	assert.Equal(t, []byte{
		0x06, 0x04, 0x00, 0x00,
		0x00, 0x05, 0x00, 0x20,
		'i', 'd', 'l', 'e',
	}, tr.stream)
}

func TestRelativeTimestamps(t *testing.T) {
	tr := &fakeTransport{}
	clock := &fakeClock{now: 1000}
	r := NewReporter(tr, clock, Options{})

	r.IntegralValue(1, 0xffffffff, true)
	clock.now = 1100
	r.IntegralValue(1, 7, false)
	r.FunctionRunTime(0x08000101, 1050, 1<<40)
	clock.now = 1200
	r.FPValue(2, 2.5)
	r.Event(3, "boot")
	r.EventSigned(3, -5)
	r.EventUnsigned(3, 5)
	clock.now = 1250
	r.EventFP(3, -0.5)
	r.TicksPerSecond(64000000)
	r.OverheadReport(10, 30, 90)
	r.Initialization()

	assert.Equal(t, []Packet{
		{Type: PacketSignedValueChanged, RelativeTime: 1000, Resource: 1, Value: 0xffffffff},
		{Type: PacketUnsignedValueChanged, RelativeTime: 100, Resource: 1, Value: 7},
		{Type: PacketFunctionRunTime, Resource: 0x08000101, RelativeTime: -50,
			Value: 0xffffffff},
		{Type: PacketFPValueChanged, RelativeTime: 150, Resource: 2, FP: 2.5},
		{Type: PacketCustomEvent, Resource: 3, Text: "boot"},
		{Type: PacketCustomEventEx, Tag: uint32(ArgSignedInt), Resource: 3,
			Value: 0xfffffffb},
		{Type: PacketCustomEventEx, Tag: uint32(ArgUnsignedInt), Resource: 3, Value: 5},
		{Type: PacketCustomEventEx, Tag: uint32(ArgFloatingPoint), RelativeTime: 50,
			Resource: 3, FP: -0.5},
		{Type: PacketNewTicksPerSecond, Value: 64000000},
		{Type: PacketOverheadReport, Base: 10, Value: 30, Reporting: 90},
		{Type: PacketInitialization},
	}, decodeAll(t, tr.stream))

	sent, dropped, overflows := r.Stats()
	assert.Equal(t, uint64(11), sent)
	assert.Zero(t, dropped)
	assert.Zero(t, overflows)
}

func TestOverflow(t *testing.T) {
	tr := &fakeTransport{reject: 1, availability: []int{1, 2, 16}}
	clock := &fakeClock{now: 0x1234}
	stops, spins := 0, 0
	r := NewReporter(tr, clock, Options{
		StopOnOverflow: true,
		Stop:           func() { stops++ },
		Spin:           func() { spins++ },
	})

	require.True(t, r.ResourceReleased(0x40, 0, 0))
	assert.Equal(t, 1, stops)
	assert.Equal(t, 2, spins)
	assert.Equal(t, []Packet{
		{Type: PacketOverflow, Base: 0x1234},
		{Type: PacketResourceReleased, RelativeTime: 0x1234, Resource: 0x40},
	}, decodeAll(t, tr.stream))
	_, _, overflows := r.Stats()
	assert.Equal(t, uint64(1), overflows)

	// Without the stop policy the overflow is only recorded.
	r.SetStopOnOverflow(false)
	tr.reject = 2
	tr.stream = nil
	require.True(t, r.IntegralValue(0x40, 1, false))
	assert.Equal(t, 1, stops)
	packets := decodeAll(t, tr.stream)
	require.Len(t, packets, 2)
	assert.Equal(t, PacketOverflow, packets[0].Type)
}

func TestPacketsDroppedWhileCallActive(t *testing.T) {
	tr := &fakeTransport{callActive: true}
	r := NewReporter(tr, &fakeClock{}, Options{})

	assert.False(t, r.ResourceTaken(1, 2, 3))
	assert.False(t, r.ThreadSwitch(1))
	assert.False(t, r.FunctionRunTime(1, 0, 0))
	assert.Empty(t, tr.stream)
	_, dropped, overflows := r.Stats()
	assert.Equal(t, uint64(3), dropped)
	assert.Zero(t, overflows)
}

func TestWatches(t *testing.T) {
	tr := &fakeTransport{}
	space := target.NewSpace(0x20000000)
	r := NewReporter(tr, &fakeClock{now: 5}, Options{})

	run := r.NewRunTimeWatch(space)
	scalar := r.NewScalarWatch(space)
	events := r.NewEventStreamWatch(space)

	run.Scope()()
	scalar.ReportSigned(-1)
	events.ReportEvent("ignored")
	assert.Empty(t, tr.stream)

	// The debugger enables the watches through target memory.
	mem := target.NewRemoteMemory(space)
	for _, addr := range []target.Address{run.Address(), scalar.Address(), events.Address()} {
		require.NoError(t, mem.PutUint32(addr, 1))
	}
	func() {
		defer run.Scope()()
		scalar.ReportUnsigned(9)
		scalar.ReportFP(1.5)
	}()
	events.ReportEvent("tick")
	events.ReportSigned(-2)
	events.ReportUnsigned(2)
	events.ReportFP(0.25)
	scalar.SetEnabled(false)
	scalar.ReportSigned(3)

	types := []PacketType{}
	for _, pkt := range decodeAll(t, tr.stream) {
		types = append(types, pkt.Type)
	}
	assert.Equal(t, []PacketType{
		PacketResourceTaken,
		PacketUnsignedValueChanged,
		PacketFPValueChanged,
		PacketResourceReleased,
		PacketCustomEvent,
		PacketCustomEventEx,
		PacketCustomEventEx,
		PacketCustomEventEx,
	}, types)
	assert.NotEqual(t, run.Address(), scalar.Address())
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode([]byte{byte(PacketResourceTaken), 0, 0})
	require.ErrorIs(t, err, ErrShortPacket)
	_, _, err = Decode([]byte{0x7f})
	require.ErrorIs(t, err, ErrUnknownPacket)
	_, _, err = Decode([]byte{byte(PacketCustomEventEx), 7, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrUnknownPacket)
}
