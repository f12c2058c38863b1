// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/mcu-profiler/rta"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/smallnum"
	"go.opentelemetry.io/mcu-profiler/target"
)

type fakeTransport struct {
	detached   bool
	callActive bool
	reject     int
	streams    map[semihosting.Channel][]byte
}

func (f *fakeTransport) WriteData(ch semihosting.Channel, header, payload []byte) int {
	total := len(header) + len(payload)
	if f.detached {
		return total
	}
	if f.callActive {
		return 0
	}
	if f.reject > 0 {
		f.reject--
		return 0
	}
	f.streams[ch] = append(f.streams[ch], header...)
	f.streams[ch] = append(f.streams[ch], payload...)
	return total
}

func (f *fakeTransport) Availability(uint) int { return 16 }
func (f *fakeTransport) CallActive() bool      { return f.callActive }
func (f *fakeTransport) Attached() bool        { return !f.detached }

type fakeCounter struct{ pending uint32 }

func (c *fakeCounter) QueryAndReset() uint32 {
	v := c.pending
	c.pending = 0
	return v
}

func (c *fakeCounter) advance(ticks uint32) { c.pending += ticks }

type fixture struct {
	p       *Profiler
	tr      *fakeTransport
	counter *fakeCounter
	faults  []*Fault
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		tr:      &fakeTransport{streams: make(map[semihosting.Channel][]byte)},
		counter: &fakeCounter{},
	}
	if opts.Faults == nil {
		opts.Faults = func(fault *Fault) { f.faults = append(f.faults, fault) }
	}
	clock := NewChronometer(f.counter)
	f.p = New(f.tr, clock, rta.NewReporter(f.tr, clock, rta.Options{}), opts)
	f.p.Initialize()
	return f
}

type report struct {
	thread    uint32
	reported  uint16
	functions []uint32
	interrupt []bool
	runTime   uint32
	folded    uint32
}

func decodeReports(t *testing.T, b []byte) []report {
	t.Helper()
	var reports []report
	var base uint32
	d := smallnum.NewDecoder(b, 0, 0)
	for d.Remaining() > 0 {
		var r report
		reported, unreported, err := d.ReadPackedUIntPair()
		require.NoError(t, err)
		if reported == ThreadIDMarker && unreported == 0 {
			r.thread, err = d.ReadSmallUnsignedInt()
			require.NoError(t, err)
			reported, unreported, err = d.ReadPackedUIntPair()
			require.NoError(t, err)
		}
		r.reported = reported
		for range unreported {
			delta, intr, err := d.ReadSmallSignedIntWithFlag()
			require.NoError(t, err)
			base += uint32(delta)
			r.functions = append(r.functions, base)
			r.interrupt = append(r.interrupt, intr)
		}
		var hasFolded bool
		r.runTime, hasFolded, err = d.ReadSmallUnsignedIntWithFlag()
		require.NoError(t, err)
		if hasFolded {
			r.folded, err = d.ReadSmallUnsignedInt()
			require.NoError(t, err)
		}
		reports = append(reports, r)
	}
	return reports
}

func (f *fixture) reports(t *testing.T) []report {
	return decodeReports(t, f.tr.streams[semihosting.ChannelInstrumentation])
}

func (f *fixture) rtaPackets(t *testing.T) []rta.Packet {
	var packets []rta.Packet
	b := f.tr.streams[semihosting.ChannelRealTimeAnalysis]
	for len(b) > 0 {
		pkt, n, err := rta.Decode(b)
		require.NoError(t, err)
		packets = append(packets, pkt)
		b = b[n:]
	}
	return packets
}

const (
	stackTop = target.Address(0x20000800)
	fnA      = target.Address(0x08000100)
	fnB      = target.Address(0x08000200)
	fnC      = target.Address(0x08000300)
	retAddr  = target.Address(0x08000051)
)

func TestFolding(t *testing.T) {
	f := newFixture(t, Options{FoldingThreshold: 100})
	p := f.p

	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	f.counter.advance(10)
	require.True(t, p.Enter(Entry{Stack: stackTop - 16, Function: fnB, LR: fnA + 5}))
	f.counter.advance(99)
	assert.Equal(t, fnA+5, p.Exit(stackTop-16-8))
	assert.Empty(t, f.tr.streams[semihosting.ChannelInstrumentation])

	require.True(t, p.Enter(Entry{Stack: stackTop - 16, Function: fnC, LR: fnA + 9}))
	f.counter.advance(100)
	assert.Equal(t, fnA+9, p.Exit(stackTop-16-8))
	f.counter.advance(5)
	assert.Equal(t, retAddr, p.Exit(stackTop-8))

	assert.Equal(t, []report{
		{
			functions: []uint32{uint32(fnC), uint32(fnA)},
			interrupt: []bool{false, false},
			runTime:   100,
		},
		{reported: 1, runTime: 214, folded: 99},
	}, f.reports(t))
	reported, folded := p.Stats()
	assert.Equal(t, uint64(2), reported)
	assert.Equal(t, uint64(1), folded)
	assert.Equal(t, p.Pool().Size(), p.Pool().Free())
	assert.Empty(t, f.faults)
}

func TestFoldingThresholdBoundary(t *testing.T) {
	for name, tc := range map[string]struct {
		runTime  uint32
		reported bool
	}{
		"one tick below": {runTime: 49},
		"at threshold":   {runTime: 50, reported: true},
		"above":          {runTime: 51, reported: true},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{FoldingThreshold: 50})
			p := f.p
			require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
			require.True(t, p.Enter(Entry{Stack: stackTop - 8, Function: fnB, LR: fnA}))
			f.counter.advance(tc.runTime)
			p.Exit(stackTop - 16)

			if tc.reported {
				assert.Equal(t, []report{{
					functions: []uint32{uint32(fnB), uint32(fnA)},
					interrupt: []bool{false, false},
					runTime:   tc.runTime,
				}}, f.reports(t))
			} else {
				assert.Empty(t, f.reports(t))
				assert.Equal(t, uint64(tc.runTime), p.Pool().Frame(p.current.top).FoldedTime)
			}
		})
	}
}

func TestCallsDuringChannelWriteAreFolded(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.p
	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	require.True(t, p.Enter(Entry{Stack: stackTop - 8, Function: fnB, LR: fnA}))
	f.counter.advance(1000)
	f.tr.callActive = true
	p.Exit(stackTop - 16)
	f.tr.callActive = false
	p.Exit(stackTop - 8)

	assert.Equal(t, []report{{
		functions: []uint32{uint32(fnA)},
		interrupt: []bool{false},
		runTime:   1000,
		folded:    1000,
	}}, f.reports(t))
}

func TestTailCall(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.p

	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	f.counter.advance(5)
	// B is entered with a higher stack pointer, so A must have returned.
	require.True(t, p.Enter(Entry{Stack: stackTop + 8, Function: fnB, LR: retAddr}))
	assert.Equal(t, 1, p.Depth())
	f.counter.advance(7)
	assert.Equal(t, retAddr, p.Exit(stackTop))

	assert.Equal(t, []report{
		{functions: []uint32{uint32(fnA)}, interrupt: []bool{false}, runTime: 5},
		{functions: []uint32{uint32(fnB)}, interrupt: []bool{false}, runTime: 7},
	}, f.reports(t))

	// Frames on different physical stacks are never treated as tail calls.
	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr,
		ProcessStack: true}))
	require.True(t, p.Enter(Entry{Stack: stackTop + 8, Function: fnC, LR: 0xfffffff9}))
	assert.Equal(t, 2, p.Depth())
	p.Exit(stackTop)
	p.Exit(stackTop - 8)
	reports := f.reports(t)
	require.Len(t, reports, 4)
	assert.Equal(t, []bool{true, false}, reports[2].interrupt)
	assert.Equal(t, p.Pool().Size(), p.Pool().Free())
	assert.Empty(t, f.faults)
}

func TestTailCallReportedBelowFoldingThreshold(t *testing.T) {
	f := newFixture(t, Options{FoldingThreshold: 1000})
	p := f.p

	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	f.counter.advance(5)
	require.True(t, p.Enter(Entry{Stack: stackTop + 8, Function: fnB, LR: retAddr}))
	f.counter.advance(7)
	p.Exit(stackTop)

	assert.Equal(t, []report{
		{functions: []uint32{uint32(fnA)}, interrupt: []bool{false}, runTime: 5},
	}, f.reports(t))
	reported, folded := p.Stats()
	assert.Equal(t, uint64(1), reported)
	assert.Equal(t, uint64(1), folded)
}

func TestFaults(t *testing.T) {
	f := newFixture(t, Options{FramePoolSize: 2})
	p := f.p

	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	require.True(t, p.Enter(Entry{Stack: stackTop - 8, Function: fnB, LR: fnA}))
	assert.False(t, p.Enter(Entry{Stack: stackTop - 16, Function: fnC, LR: fnB}))
	require.Len(t, f.faults, 1)
	assert.Equal(t, &Fault{Code: FrameBufferOverflow, Arg: uint32(fnC)}, f.faults[0])

	p.Exit(stackTop - 8)
	require.Len(t, f.faults, 2)
	assert.Equal(t, &Fault{Code: StackPointerMismatch, Arg: uint32(fnB)}, f.faults[1])

	p.Enter(Entry{Stack: stackTop - 6, Function: fnC, LR: fnA})
	require.Len(t, f.faults, 3)
	assert.Equal(t, StackNotAligned, f.faults[2].Code)
}

func TestDefaultFaultHandlerPanics(t *testing.T) {
	f := newFixture(t, Options{Faults: DefaultFaultHandler})
	fault := &Fault{Code: NoFrames, Arg: uint32(stackTop)}
	assert.PanicsWithError(t, fault.Error(), func() { f.p.Exit(stackTop) })
}

func TestSuppressedUntilInitialized(t *testing.T) {
	tr := &fakeTransport{detached: true, streams: make(map[semihosting.Channel][]byte)}
	clock := NewChronometer(&fakeCounter{})
	p := New(tr, clock, rta.NewReporter(tr, clock, rta.Options{}), Options{})
	assert.False(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	p.Initialize()
	assert.True(t, clock.Suppressed())

	tr.detached = false
	p.Initialize()
	assert.False(t, clock.Suppressed())
	clock.Suppress()
	assert.False(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	clock.Unsuppress()
	assert.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
}

func TestThreads(t *testing.T) {
	f := newFixture(t, Options{
		MaxThreads: 2,
		RTOSFlags:  ProfileFunctionCalls | ReportThreadCreation | ReportThreadTimes,
	})
	p := f.p

	p.ThreadSwitched(0x20001000, "worker", 0x20000000)
	f.counter.advance(3)
	p.ThreadSwitched(0x20001000, "worker", 0x20000000)
	assert.Equal(t, uint32(0x20001000), p.CurrentThread())

	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	f.counter.advance(4)
	p.Exit(stackTop - 8)
	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	p.Exit(stackTop - 8)

	assert.Equal(t, []report{
		{thread: 0x20001000, functions: []uint32{uint32(fnA)}, interrupt: []bool{false},
			runTime: 4},
		{functions: []uint32{uint32(fnA)}, interrupt: []bool{false}},
	}, f.reports(t))

	assert.Equal(t, []rta.Packet{
		{Type: rta.PacketThreadCreated, Resource: 0x20001000, Text: "worker"},
		{Type: rta.PacketThreadSwitch, Resource: 0x20001000},
		{Type: rta.PacketThreadSwitch, Resource: 0x20001000, RelativeTime: 3},
	}, f.rtaPackets(t))

	p.ThreadSwitched(0x20001100, "", 0x20000000)
	p.ThreadSwitched(0x20001200, "", 0x20000000)
	require.Len(t, f.faults, 1)
	assert.Equal(t, &Fault{Code: OutOfThreadSlots, Arg: 0x20001200}, f.faults[0])

	// Deleting a thread frees its slot and its frames.
	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnA, LR: retAddr}))
	p.ThreadDeleted(0x20001100)
	assert.Equal(t, p.Pool().Size(), p.Pool().Free())
	p.ThreadSwitched(0x20001200, "", 0x20000000)
	assert.Len(t, f.faults, 1)
}

func TestDeletingRunningThread(t *testing.T) {
	f := newFixture(t, Options{MaxThreads: 1, RTOSFlags: ProfileFunctionCalls})
	p := f.p
	mainStack := stackTop + 0x400

	require.True(t, p.Enter(Entry{Stack: mainStack, Function: fnA, LR: retAddr}))
	p.ThreadSwitched(0x20001000, "worker", 0x20000000)
	require.True(t, p.Enter(Entry{Stack: stackTop, Function: fnB, LR: retAddr,
		ProcessStack: true}))

	p.ThreadDeleted(0x20001000)
	assert.Zero(t, p.CurrentThread())
	assert.Equal(t, 1, p.Depth())
	assert.Equal(t, p.Pool().Size()-1, p.Pool().Free())

	// Handle 0 is the main thread, not an empty slot.
	p.ThreadDeleted(0)
	assert.Equal(t, 1, p.Depth())
	p.ThreadSwitched(0x20001100, "other", 0x20000000)
	assert.Equal(t, uint32(0x20001100), p.CurrentThread())
	assert.Zero(t, p.Depth())
	p.ThreadSwitched(0, "", 0x20000000)
	assert.Zero(t, p.CurrentThread())
	assert.Equal(t, 1, p.Depth())

	assert.Equal(t, retAddr, p.Exit(mainStack-8))
	assert.Equal(t, p.Pool().Size(), p.Pool().Free())
	assert.Empty(t, f.faults)
}

func TestThreadsIgnoredWithoutRTOSFlags(t *testing.T) {
	f := newFixture(t, Options{})
	f.p.ThreadSwitched(0x20001000, "worker", 0x20000000)
	assert.Zero(t, f.p.CurrentThread())
	assert.Empty(t, f.rtaPackets(t))
}

func TestFramePoolConservation(t *testing.T) {
	f := newFixture(t, Options{RTOSFlags: ProfileFunctionCalls})
	p := f.p
	rng := rand.New(rand.NewPCG(7, 11))

	handles := []uint32{0x20001000, 0x20001100, 0x20001200}
	stackOf := func(thread, depth int) target.Address {
		return 0x20004000 - target.Address(thread*0x1000) - target.Address(16*depth)
	}
	depth := make([]int, len(handles))
	cur := 0
	p.ThreadSwitched(handles[cur], "t0", 0)

	inUse := func() int {
		n := 0
		for _, d := range depth {
			n += d
		}
		return n
	}
	exits := 0
	for range 5000 {
		switch n := rng.IntN(100); {
		case n < 45 && depth[cur] < 20:
			require.True(t, p.Enter(Entry{
				Stack:    stackOf(cur, depth[cur]),
				Function: target.Address(0x08000100 + 4*rng.IntN(64)),
				LR:       retAddr,
			}))
			depth[cur]++
		case n < 90 && depth[cur] > 0:
			depth[cur]--
			p.Exit(stackOf(cur, depth[cur]) - 8)
			exits++
		case n < 97:
			cur = rng.IntN(len(handles))
			p.ThreadSwitched(handles[cur], "", 0)
		default:
			if victim := rng.IntN(len(handles)); victim != cur {
				p.ThreadDeleted(handles[victim])
				depth[victim] = 0
			}
		}
		f.counter.advance(uint32(rng.IntN(50)))
		require.Equal(t, p.Pool().Size()-inUse(), p.Pool().Free())
	}

	for i := range handles {
		p.ThreadSwitched(handles[i], "", 0)
		for depth[i] > 0 {
			depth[i]--
			p.Exit(stackOf(i, depth[i]) - 8)
			exits++
		}
	}
	assert.Equal(t, p.Pool().Size(), p.Pool().Free())
	assert.Empty(t, f.faults)

	reported, folded := p.Stats()
	assert.Equal(t, uint64(exits), reported)
	assert.Zero(t, folded)
	assert.Len(t, f.reports(t), exits)
}

func TestTimingRecorderHook(t *testing.T) {
	hooks := NewHookTable(64)
	hooks.Enable(5)
	f := newFixture(t, Options{Hooks: hooks, FoldingThreshold: 1000})
	p := f.p

	// Initialize cleared the table.
	assert.False(t, p.EnterTimed(Entry{Stack: stackTop, Function: fnA, LR: retAddr}, 5))
	hooks.Enable(33)
	assert.False(t, p.EnterTimed(Entry{Stack: stackTop, Function: fnA, LR: retAddr}, 32))
	f.counter.advance(20)
	require.True(t, p.EnterTimed(Entry{Stack: stackTop, Function: fnA, LR: retAddr}, 33))
	f.counter.advance(30)
	p.Exit(stackTop - 8)
	hooks.Disable(33)
	assert.False(t, hooks.Enabled(33))

	assert.Equal(t, []rta.Packet{
		{Type: rta.PacketInitialization},
		{Type: rta.PacketFunctionRunTime, Resource: uint32(fnA), RelativeTime: 20,
			Value: 30},
	}, f.rtaPackets(t))
	// Below the folding threshold and without a caller, nothing else is sent.
	assert.Empty(t, f.reports(t))
}

func TestVerifyStack(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.p
	p.SetStackLimit(0x20000000)

	assert.True(t, p.VerifyStack(Entry{Stack: 0x20000100, Function: fnA}, 0x100))
	assert.True(t, p.VerifyStack(Entry{Stack: 0x20000100, Function: fnA}, 0xffff0010))
	assert.False(t, p.VerifyStack(Entry{Stack: 0x20000100, Function: fnB}, 0x101))
	assert.Equal(t, []*Fault{{Code: StackOverflow, Arg: uint32(fnB)}}, f.faults)
}

func TestMeasureOverhead(t *testing.T) {
	f := newFixture(t, Options{})
	f.p.MeasureOverhead(
		func() { f.counter.advance(3) },
		func() { f.counter.advance(7) },
		func() { f.counter.advance(20) },
	)
	f.p.ReportTicksPerSecond(16000000)
	assert.Equal(t, []rta.Packet{
		{Type: rta.PacketOverheadReport, Base: 3, Value: 7, Reporting: 20},
		{Type: rta.PacketNewTicksPerSecond, Value: 16000000},
	}, f.rtaPackets(t))
	assert.Zero(t, f.p.Clock().Base())
}

func TestChronometerOverhead(t *testing.T) {
	counter := &fakeCounter{}
	c := NewChronometer(counter)
	c.enable(false)

	counter.advance(10)
	assert.Equal(t, uint64(10), c.Begin())
	counter.advance(4)
	c.End()
	assert.Equal(t, uint64(10), c.Base())
	assert.Equal(t, uint64(4), c.Overhead())

	c.enable(true)
	c.Begin()
	counter.advance(4)
	c.End()
	assert.Equal(t, uint64(14), c.Base())
	assert.Equal(t, uint64(8), c.Overhead())

	counter.advance(6)
	assert.Equal(t, uint64(20), c.Now())
}
