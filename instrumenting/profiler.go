// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrumenting implements the instrumenting profiler. Binary instrumentation calls
// a hook on every function entry; the hook records the call in a per-thread frame stack and
// redirects the return address to a return hook. On return, calls that ran at least
// FoldingThreshold ticks are reported to the host together with the frames the host does
// not know yet; shorter calls are folded into the time of their caller.
package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import (
	"math"
	"runtime"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/rta"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/smallnum"
	"go.opentelemetry.io/mcu-profiler/target"
)

// RTOSFlags selects the RTOS related features. The debugger sets them before the profiler
// is initialized.
type RTOSFlags uint32

const (
	ProfileFunctionCalls RTOSFlags = 1 << iota
	RecordFunctionTiming
	VerifyFunctionStacks
	ReportThreadCreation
	ReportThreadTimes

	// AllRTOSFlags is the union of all flags.
	AllRTOSFlags = ProfileFunctionCalls | RecordFunctionTiming | VerifyFunctionStacks |
		ReportThreadCreation | ReportThreadTimes
)

// DefaultMaxThreads is the size of the thread table.
const DefaultMaxThreads = 16

// ThreadIDMarker in the reported frame count of a report announces a thread ID record.
const ThreadIDMarker = 0x7fff

const (
	scratchSize = 32
	// returnHookStackOffset is the distance between the entry hook stack and the return hook
	// stack for the same frame.
	returnHookStackOffset = 8
)

// Transport sends reports to the host.
type Transport interface {
	WriteData(ch semihosting.Channel, header, payload []byte) int
	CallActive() bool
	Attached() bool
}

// Options configures a Profiler.
type Options struct {
	// FramePoolSize defaults to DefaultFramePoolSize.
	FramePoolSize int
	// MaxThreads defaults to DefaultMaxThreads.
	MaxThreads int
	// FoldingThreshold is the minimum run time of a separately reported call.
	FoldingThreshold uint32
	RTOSFlags        RTOSFlags
	// Hooks enables the timing recorder hook for selected functions.
	Hooks *HookTable
	// Interrupts masks interrupts while the hooks run. Defaults to target.NopInterrupts.
	Interrupts target.InterruptController
	// Faults defaults to DefaultFaultHandler.
	Faults FaultHandler
	// Spin is called while waiting for ring space. Defaults to runtime.Gosched.
	Spin func()
}

// Entry is the register state captured by the entry hook.
type Entry struct {
	// Stack is the hook stack pointer, pointing at the saved return address.
	Stack target.Address
	// Function is the address of the instrumented function.
	Function target.Address
	// LR is the original return address.
	LR target.Address
	// ProcessStack is set when the caller runs on the process stack (PSP).
	ProcessStack bool
}

type thread struct {
	handle uint32
	top    int32
}

// Profiler is the instrumenting profiler context. Its hooks run with interrupts masked and
// must not be called concurrently.
type Profiler struct {
	transport Transport
	clock     *Chronometer
	reporter  *rta.Reporter
	pool      *FramePool
	hooks     *HookTable
	irq       target.InterruptController
	fault     FaultHandler
	spin      func()

	mainThread            thread
	threads               []thread
	current               *thread
	threadIDReportPending bool

	frameAddressBase uint32
	foldingThreshold atomic.Uint32
	flags            RTOSFlags
	stackLimit       target.Address

	scratch [scratchSize]byte

	reportedCalls atomic.Uint64
	foldedCalls   atomic.Uint64
}

// New returns a profiler that measures time with clock and writes real-time analysis
// packets through reporter.
func New(transport Transport, clock *Chronometer, reporter *rta.Reporter,
	opts Options) *Profiler {
	if opts.FramePoolSize <= 0 {
		opts.FramePoolSize = DefaultFramePoolSize
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHookTable(0)
	}
	if opts.Interrupts == nil {
		opts.Interrupts = target.NopInterrupts{}
	}
	if opts.Faults == nil {
		opts.Faults = DefaultFaultHandler
	}
	if opts.Spin == nil {
		opts.Spin = runtime.Gosched
	}
	p := &Profiler{
		transport:  transport,
		clock:      clock,
		reporter:   reporter,
		pool:       NewFramePool(opts.FramePoolSize),
		hooks:      opts.Hooks,
		irq:        opts.Interrupts,
		fault:      opts.Faults,
		spin:       opts.Spin,
		mainThread: thread{top: noFrame},
		threads:    make([]thread, opts.MaxThreads),
		flags:      opts.RTOSFlags,
	}
	for i := range p.threads {
		p.threads[i].top = noFrame
	}
	p.current = &p.mainThread
	p.foldingThreshold.Store(opts.FoldingThreshold)
	log.Debugf("Instrumenting profiler: %d frames, %d threads, folding threshold %d",
		opts.FramePoolSize, opts.MaxThreads, opts.FoldingThreshold)
	return p
}

// Clock returns the profiler chronometer.
func (p *Profiler) Clock() *Chronometer { return p.clock }

// Pool returns the frame pool.
func (p *Profiler) Pool() *FramePool { return p.pool }

// Hooks returns the timing recorder hook table.
func (p *Profiler) Hooks() *HookTable { return p.hooks }

// SetFoldingThreshold changes the minimum run time of separately reported calls.
func (p *Profiler) SetFoldingThreshold(ticks uint32) { p.foldingThreshold.Store(ticks) }

// Stats returns the number of reported and folded calls.
func (p *Profiler) Stats() (reported, folded uint64) {
	return p.reportedCalls.Load(), p.foldedCalls.Load()
}

func (p *Profiler) raise(code FaultCode, arg uint32) {
	p.fault(&Fault{Code: code, Arg: arg})
}

func clampTime(t uint64) uint32 {
	if t > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(t)
}

// Enter is the function entry hook. It returns true if the return address was redirected,
// in which case the caller must invoke Exit when the function returns.
func (p *Profiler) Enter(e Entry) bool {
	if p.clock.Suppressed() {
		return false
	}
	return p.enter(e, false)
}

// EnterTimed is the timing recorder hook. Only functions enabled in the hook table are
// recorded; their run time is also sent to the real-time analysis stream.
func (p *Profiler) EnterTimed(e Entry, tag uint32) bool {
	if !p.hooks.Enabled(tag) || p.clock.Suppressed() {
		return false
	}
	return p.enter(e, true)
}

func (p *Profiler) enter(e Entry, timed bool) bool {
	wasDisabled := p.irq.Disable()
	defer p.irq.Restore(wasDisabled)
	now := p.clock.Begin()
	defer p.clock.End()

	if e.Stack&3 != 0 {
		p.raise(StackNotAligned, uint32(e.Stack))
	}

	var psp uint32
	if e.ProcessStack {
		psp = 1
	}
	stackWithPSPFlag := uint32(e.Stack) | psp

	th := p.current
	// A frame below the new one on the same physical stack cannot be a caller. This is
	// either a tail call or a corrupted stack; it is treated as a tail call, i.e. the old
	// function returned. Such frames are reported regardless of the folding threshold.
	for th.top != noFrame {
		top := p.pool.Frame(th.top)
		if top.SPAndPSP >= stackWithPSPFlag || top.SPAndPSP&1 != psp {
			break
		}
		p.retire(th, now-top.StartTime, true)
	}

	idx, ok := p.pool.Allocate()
	if !ok {
		p.raise(FrameBufferOverflow, uint32(e.Function))
		return false
	}
	*p.pool.Frame(idx) = Frame{
		StartTime: now,
		Function:  uint32(e.Function),
		LR:        e.LR,
		SPAndPSP:  stackWithPSPFlag,
		timed:     timed,
		next:      th.top,
	}
	th.top = idx
	return true
}

// Exit is the return hook. stack is the return hook stack pointer, two words below the
// entry hook stack of the returning frame. It returns the original return address.
func (p *Profiler) Exit(stack target.Address) target.Address {
	wasDisabled := p.irq.Disable()
	defer p.irq.Restore(wasDisabled)
	now := p.clock.Begin()
	defer p.clock.End()

	th := p.current
	if th.top == noFrame {
		p.raise(NoFrames, uint32(stack))
		return 0
	}
	f := p.pool.Frame(th.top)
	if stack != target.Address(f.SPAndPSP&^1)-returnHookStackOffset {
		p.raise(StackPointerMismatch, f.Function&^reportedFlag)
	}
	lr := f.LR
	p.retire(th, now-f.StartTime, false)
	return lr
}

// retire pops the top frame of th. Calls that ran long enough, and all calls when force is
// set, are reported unless a channel write is in progress; the others are folded into their
// caller.
func (p *Profiler) retire(th *thread, runTime uint64, force bool) {
	idx := th.top
	f := p.pool.Frame(idx)
	if f.timed && !p.transport.CallActive() {
		p.reporter.FunctionRunTime(f.Function&^reportedFlag, f.StartTime, runTime)
	}
	report := force || runTime >= uint64(p.foldingThreshold.Load())
	if report && !p.transport.CallActive() {
		p.reportFrames(idx, runTime)
		p.reportedCalls.Add(1)
	} else {
		if f.next != noFrame {
			p.pool.Frame(f.next).FoldedTime += runTime
		}
		p.foldedCalls.Add(1)
	}
	th.top = f.next
	p.pool.Release(idx)
}

func (p *Profiler) flush(coder *smallnum.Coder) {
	for p.transport.WriteData(semihosting.ChannelInstrumentation, nil, coder.Bytes()) == 0 {
		p.spin()
	}
	coder.SetOffset(0)
}

// reportFrames sends the run time of the frame at top, preceded by all frames of the stack
// that were not reported before.
func (p *Profiler) reportFrames(top int32, runTime uint64) {
	coder := smallnum.NewCoder(p.scratch[:], 0, 0)

	if p.threadIDReportPending {
		p.threadIDReportPending = false
		if !coder.WritePackedUIntPair(ThreadIDMarker, 0) ||
			!coder.WriteSmallUnsignedInt(p.current.handle) {
			p.raise(ScratchBufferOverflow, 0)
			return
		}
	}

	total, unreported := 0, -1
	for i := top; i != noFrame; i = p.pool.Frame(i).next {
		if p.pool.Frame(i).IsReported() && unreported < 0 {
			unreported = total
		}
		total++
	}
	if unreported < 0 {
		unreported = total
	}
	if !coder.WritePackedUIntPair(uint16(total-unreported), uint16(unreported)) {
		p.raise(ScratchBufferOverflow, 0)
		return
	}

	for i := top; unreported > 0; unreported-- {
		f := p.pool.Frame(i)
		function := f.Function &^ reportedFlag
		addrDelta := int32(function - p.frameAddressBase)
		p.frameAddressBase = function
		if !coder.WriteSmallSignedIntWithFlag(addrDelta, f.IsInterrupt()) {
			p.raise(ScratchBufferOverflow, function)
			return
		}
		f.Function |= reportedFlag
		if coder.Remaining() < scratchSize/2 {
			p.flush(coder)
		}
		i = f.next
	}

	f := p.pool.Frame(top)
	if !coder.WriteSmallUnsignedIntWithFlag(clampTime(runTime), f.FoldedTime != 0) {
		p.raise(ScratchBufferOverflow, 0)
		return
	}
	if f.FoldedTime != 0 && !coder.WriteSmallUnsignedInt(clampTime(f.FoldedTime)) {
		p.raise(ScratchBufferOverflow, 0)
		return
	}
	p.flush(coder)
}

// Initialize enables the profiler. It clears the hook table, sends the initialization
// record so that the debugger sets up the ring right away, and lifts the initial
// suppression.
func (p *Profiler) Initialize() {
	if !p.transport.Attached() {
		return
	}
	hookTablePresent := p.hooks.Len() > 0
	if hookTablePresent {
		p.hooks.Clear()
		p.reporter.Initialization()
	}
	p.clock.enable(hookTablePresent)
	log.Debugf("Instrumenting profiler initialized (hook table %d words)", p.hooks.Len())
}

// MeasureOverhead times an empty function without instrumentation, with instrumentation,
// and with instrumentation that reports, and sends the result to the host.
func (p *Profiler) MeasureOverhead(nonInstrumented, instrumented,
	instrumentedAndReporting func()) {
	wasDisabled := p.irq.Disable()
	defer p.irq.Restore(wasDisabled)

	measure := func(fn func()) uint32 {
		p.clock.reset()
		p.clock.counter.QueryAndReset()
		fn()
		return uint32(p.clock.base + uint64(p.clock.counter.QueryAndReset()))
	}
	base := measure(nonInstrumented)
	instr := measure(instrumented)
	reporting := measure(instrumentedAndReporting)
	p.reporter.OverheadReport(base, instr, reporting)
	p.clock.reset()
}

// ReportTicksPerSecond sends the performance counter frequency.
func (p *Profiler) ReportTicksPerSecond(tps uint32) {
	p.reporter.TicksPerSecond(tps)
}
