// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/instrumenting"
	"go.opentelemetry.io/mcu-profiler/metrics"
	"go.opentelemetry.io/mcu-profiler/rta"
	"go.opentelemetry.io/mcu-profiler/samplingprofiler"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
	"go.opentelemetry.io/mcu-profiler/times"
	"go.opentelemetry.io/mcu-profiler/trm"
)

const (
	sessionLogName = "session.log"
	summaryName    = "summary.txt"

	// consoleEvery is the number of iterations between two console lines.
	consoleEvery = 1000

	// faultExitCode is the exit code of a run that stopped on a target fault.
	faultExitCode = 3
)

// simulator is the firmware side of a simulation run. Everything except metrics collection
// runs on the goroutine calling run; sampling ticks are delivered between two steps of the
// workload like a timer interrupt would be.
type simulator struct {
	cfg       *Config
	intervals *times.Times
	prog      *program
	threads   []thread

	space  *target.Space
	mem    target.RemoteMemory
	ranges target.Ranges

	ring    *semihosting.Ring
	console io.Writer
	sampler *samplingprofiler.Profiler
	instr   *instrumenting.Profiler
	rt      *rta.Reporter
	files   *trm.Client

	parseTime  *rta.RunTimeWatch
	queueDepth *rta.ScalarWatch
	frames     *rta.EventStreamWatch

	// fault is the first unrecoverable error raised by the target.
	fault error

	nextSample time.Time
	iterations uint64
	received   uint32
	// state is updated by the busy loops.
	state uint32

	// Target counters at the last metrics collection.
	lastDelivered, lastDropped, lastFolded uint64
}

func newSimulator(cfg *Config, space *target.Space, dbg target.Debugger,
	intervals *times.Times) (*simulator, error) {
	s := &simulator{
		cfg:       cfg,
		intervals: intervals,
		prog:      newProgram(),
		space:     space,
		ranges: target.Ranges{
			CodeStart: codeBase,
			CodeEnd:   codeBase + codeSize - 1,
			DataStart: ramBase,
			EndOfRAM:  ramBase + ramSize,
		},
	}
	if err := s.space.MapAt(ramBase, make(target.Bytes, ramSize)); err != nil {
		return nil, fmt.Errorf("failed to map RAM: %w", err)
	}
	s.mem = target.NewRemoteMemory(s.space)
	s.threads = s.prog.threads(cfg.Threads)

	ringOpts := cfg.RingOptions(nil, nil)
	ringOpts.Fault = s.raise
	s.ring = semihosting.NewRing(s.space, dbg, ringOpts)
	s.console = s.ring.Stdio(1)

	clock := instrumenting.NewChronometer(times.NewCounter(uint32(cfg.TicksPerSecond)))
	s.rt = rta.NewReporter(s.ring, clock, cfg.RealTimeOptions(nil))
	opts := cfg.InstrumentingOptions(nil, nil)
	opts.Hooks = instrumenting.NewHookTable(len(s.prog.functions))
	opts.Faults = func(f *instrumenting.Fault) { s.raise(f) }
	s.instr = instrumenting.New(s.ring, clock, s.rt, opts)
	s.instr.SetStackLimit(s.mainStackTop() - threadStackSize)

	s.sampler = samplingprofiler.New(s.ring, s.space, s.ranges,
		cfg.SamplingOptions(s.ranges.EndOfRAM, func(rate int) {
			intervals.SetSamplingRate(rate)
		}))
	if cfg.AutoRate != 0 {
		intervals.SetSamplingRate(cfg.AutoRate)
	}

	s.files = trm.NewClient(s.space, s.ring, dbg, trm.Options{})

	s.parseTime = s.rt.NewRunTimeWatch(s.space)
	s.queueDepth = s.rt.NewScalarWatch(s.space)
	s.frames = s.rt.NewEventStreamWatch(s.space)
	return s, nil
}

// raise records a target fault. The run stops after the current iteration.
func (s *simulator) raise(err error) {
	log.Errorf("Target fault: %v", err)
	if s.fault == nil {
		s.fault = err
	}
}

func (s *simulator) mainStackTop() target.Address {
	return s.ranges.EndOfRAM
}

// start runs the firmware initialization.
func (s *simulator) start() error {
	if err := s.writeSessionLog(); err != nil {
		return err
	}

	s.instr.Initialize()
	if s.fault != nil {
		return s.faultError()
	}
	// The debugger enables the hooks and watches it is interested in after the
	// initialization record.
	for _, fn := range s.prog.functions {
		if fn.timed {
			s.instr.Hooks().Enable(fn.tag)
		}
	}
	s.parseTime.SetEnabled(true)
	s.queueDepth.SetEnabled(true)
	s.frames.SetEnabled(true)

	s.instr.ReportTicksPerSecond(uint32(s.cfg.TicksPerSecond))
	s.measureOverhead()
	s.nextSample = time.Now().Add(s.intervals.SampleInterval())
	return nil
}

// run executes the workload until ctx is canceled.
func (s *simulator) run(ctx context.Context) error {
	if err := s.start(); err != nil {
		return err
	}
	log.Infof("Simulated target running with %d thread(s)", len(s.threads))

	for ctx.Err() == nil && s.fault == nil {
		s.step()
	}

	for _, th := range s.threads {
		s.instr.ThreadDeleted(th.handle)
	}
	if err := s.writeSummary(); err != nil {
		return err
	}
	if s.fault != nil {
		return s.faultError()
	}
	return nil
}

func (s *simulator) faultError() error {
	return NewErrorWithExitCode(fmt.Errorf("target stopped: %w", s.fault), faultExitCode)
}

// step runs one iteration of the main loop, or one time slice of the next thread.
func (s *simulator) step() {
	if len(s.threads) == 0 {
		s.call(s.prog.main, s.mainStackTop()-frameSize, startupReturn, false)
	} else {
		th := &s.threads[s.iterations%uint64(len(s.threads))]
		s.instr.Clock().Suppress()
		s.instr.ThreadSwitched(th.handle, th.name, th.stackLimit)
		s.instr.Clock().Unsuppress()
		s.call(th.root, th.stackTop-frameSize, startupReturn, true)
	}
	s.iterations++
	if s.iterations%consoleEvery == 0 {
		fmt.Fprintf(s.console, "iteration %d, sampling rate %d Hz\n",
			s.iterations, s.sampler.Rate())
	}
}

// call simulates a call of fn. sp is the entry hook stack pointer; the return address and
// the caller frame pointer are stored at sp the way the prologue would.
func (s *simulator) call(fn *function, sp, lr target.Address, processStack bool) {
	if err := s.pushFrame(sp, lr); err != nil {
		s.raise(fmt.Errorf("calling %s: %w", fn.name, err))
		return
	}

	e := instrumenting.Entry{Stack: sp, Function: fn.addr, LR: lr, ProcessStack: processStack}
	if s.cfg.RTOSFlags&instrumenting.VerifyFunctionStacks != 0 &&
		!s.instr.VerifyStack(e, fn.stackUsage()) {
		return
	}
	var redirected bool
	if fn.timed && s.cfg.RTOSFlags&instrumenting.RecordFunctionTiming != 0 {
		redirected = s.instr.EnterTimed(e, fn.tag)
	} else {
		redirected = s.instr.Enter(e)
	}

	s.enterHooks(fn)
	s.work(fn, sp, lr, fn.cost)
	for i, callee := range fn.callees {
		s.call(callee, sp-frameSize, fn.returnAddress(i), processStack)
	}
	s.exitHooks(fn)

	if redirected {
		if ret := s.instr.Exit(sp - 8); ret != lr {
			log.Errorf("Return hook of %s returned %v instead of %v", fn.name, ret, lr)
		}
	}
}

// pushFrame stores the return address and the caller frame pointer at sp.
func (s *simulator) pushFrame(sp, lr target.Address) error {
	if err := s.mem.PutUint32(sp, uint32(lr)); err != nil {
		return err
	}
	return s.mem.PutUint32(sp+4, uint32(sp+frameSize-8))
}

// enterHooks and exitHooks are the application level instrumentation of the workload.
func (s *simulator) enterHooks(fn *function) {
	switch fn.name {
	case "parse_frame":
		s.parseTime.Start()
	case "comm_task":
		s.received++
		s.frames.ReportUnsigned(s.received)
		s.queueDepth.ReportUnsigned(s.received % 8)
	}
}

func (s *simulator) exitHooks(fn *function) {
	if fn.name == "parse_frame" {
		s.parseTime.End()
	}
}

// work burns cost while delivering the sampling ticks that fall into it.
func (s *simulator) work(fn *function, sp, lr target.Address, cost time.Duration) {
	deadline := time.Now().Add(cost)
	for {
		now := time.Now()
		if !now.Before(s.nextSample) {
			s.sample(fn, sp, lr)
			s.nextSample = now.Add(s.intervals.SampleInterval())
		}
		if !now.Before(deadline) {
			return
		}
		for range 64 {
			s.state = s.state*1664525 + 1013904223
		}
	}
}

func (s *simulator) sample(fn *function, sp, lr target.Address) {
	frame := sp - 8
	s.sampler.ProcessSample(target.Registers{
		PC: fn.addr + target.Address(s.state&0x7e),
		SP: frame,
		FP: frame,
		LR: lr,
	})
}

// measureOverhead times a probe call with and without reporting.
func (s *simulator) measureOverhead() {
	probe := s.prog.functions[len(s.prog.functions)-1]
	sp := s.mainStackTop() - frameSize
	instrumented := func() {
		if s.instr.Enter(instrumenting.Entry{Stack: sp, Function: probe.addr,
			LR: startupReturn}) {
			s.instr.Exit(sp - 8)
		}
	}

	s.instr.SetFoldingThreshold(math.MaxUint32)
	s.instr.MeasureOverhead(func() {}, instrumented, func() {
		s.instr.SetFoldingThreshold(0)
		instrumented()
	})
	s.instr.SetFoldingThreshold(s.cfg.FunctionFoldingThreshold)
}

// writeSessionLog writes the session start through a write burst and reads it back through
// a read burst.
func (s *simulator) writeSessionLog() error {
	f, err := s.files.CreateFile(sessionLogName, trm.CreateOrTruncateReadWrite)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", sessionLogName, err)
	}
	defer f.Close()

	line := fmt.Sprintf("session started at %s\n",
		s.files.HostSystemTime().Format(time.RFC3339Nano))
	wb, err := f.BeginWriteBurst()
	if err != nil {
		return fmt.Errorf("failed to start write burst: %w", err)
	}
	if _, err = io.WriteString(wb, line); err != nil {
		return fmt.Errorf("failed to write %s: %w", sessionLogName, err)
	}
	if err = wb.End(); err != nil {
		return fmt.Errorf("failed to end write burst: %w", err)
	}

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", sessionLogName, err)
	}
	rb, err := f.BeginReadBurst(4 * trm.MinReadBurstBufferSize)
	if err != nil {
		return fmt.Errorf("failed to start read burst: %w", err)
	}
	readBack, err := io.ReadAll(rb)
	if endErr := rb.End(); err == nil {
		err = endErr
	}
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", sessionLogName, err)
	}
	if !s.ring.Attached() {
		return nil
	}
	if string(readBack) != line {
		return fmt.Errorf("%s read back %q, wrote %q", sessionLogName, readBack, line)
	}
	return nil
}

// writeSummary stores the target counters in the resource directory.
func (s *simulator) writeSummary() error {
	f, err := s.files.CreateFile(summaryName, trm.CreateOrTruncateWriteOnly)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", summaryName, err)
	}
	delivered, dropped := s.sampler.Stats()
	reported, folded := s.instr.Stats()
	sent, rtDropped, overflows := s.rt.Stats()
	_, err = fmt.Fprintf(f, "iterations %d\nsamples %d delivered %d dropped\n"+
		"calls %d reported %d folded\nreal-time packets %d sent %d dropped %d overflows\n",
		s.iterations, delivered, dropped, reported, folded, sent, rtDropped, overflows)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", summaryName, err)
	}
	return nil
}

// collectMetrics reports the target counters. The counters are atomics, so it may run on
// any goroutine, but not concurrently with itself.
func (s *simulator) collectMetrics() {
	delivered, dropped := s.sampler.Stats()
	_, folded := s.instr.Stats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDSamplesDelivered, Value: metrics.MetricValue(delivered - s.lastDelivered)},
		{ID: metrics.IDSamplesDropped, Value: metrics.MetricValue(dropped - s.lastDropped)},
		{ID: metrics.IDSamplingRate, Value: metrics.MetricValue(s.sampler.Rate())},
		{ID: metrics.IDCallsFolded, Value: metrics.MetricValue(folded - s.lastFolded)},
	})
	s.lastDelivered, s.lastDropped, s.lastFolded = delivered, dropped, folded
}
