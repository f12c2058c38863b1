// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/mcu-profiler/instrumenting"
	"go.opentelemetry.io/mcu-profiler/smallnum"
	"go.opentelemetry.io/mcu-profiler/target"
)

// CallFrame is a function on a reconstructed call stack.
type CallFrame struct {
	Function target.Address
	// Interrupt is set for frames entered from an exception handler.
	Interrupt bool
}

// CallReport is a function call that ran at least the folding threshold.
type CallReport struct {
	// Thread is the RTOS thread handle, 0 for the main thread.
	Thread uint32
	// Stack is the call stack at the time of the call; Stack[0] is the reported function.
	Stack []CallFrame
	// RunTime is the duration of the call in performance counter ticks.
	RunTime uint32
	// FoldedTime is the time of callees that were too short to be reported separately.
	FoldedTime uint32
	// SelfTime is RunTime minus the run time of the separately reported callees.
	SelfTime uint64
}

// knownStack holds the frames of a thread that the target considers reported, with the run
// time of their reported callees.
type knownStack struct {
	frames []CallFrame
	callee []uint64
}

// CallDecoder reconstructs call reports from the instrumentation channel. It keeps the
// frames the target considers reported for every thread.
type CallDecoder struct {
	onReport func(*CallReport)

	pending     []byte
	thread      uint32
	stacks      map[uint32]knownStack
	addressBase uint32

	reports atomic.Uint64
}

// NewCallDecoder calls onReport for every decoded report. The report must not be retained
// after onReport returns.
func NewCallDecoder(onReport func(*CallReport)) *CallDecoder {
	return &CallDecoder{
		onReport: onReport,
		stacks:   make(map[uint32]knownStack),
	}
}

// Reports returns the number of decoded reports.
func (d *CallDecoder) Reports() uint64 {
	return d.reports.Load()
}

// Write consumes channel bytes. A report may be split across several writes.
func (d *CallDecoder) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	consumed := 0
	for consumed < len(d.pending) {
		n, err := d.decode(d.pending[consumed:])
		if errors.Is(err, smallnum.ErrTruncated) {
			break
		}
		if err != nil {
			d.pending = d.pending[:0]
			return len(p), fmt.Errorf("decoding call report: %w", err)
		}
		consumed += n
	}
	d.pending = append(d.pending[:0], d.pending[consumed:]...)
	return len(p), nil
}

// decode decodes a thread record or a call report. State is only updated once the whole
// record was available.
func (d *CallDecoder) decode(buf []byte) (int, error) {
	dec := smallnum.NewDecoder(buf, 0, 0)
	reported, fresh, err := dec.ReadPackedUIntPair()
	if err != nil {
		return 0, err
	}
	if reported == instrumenting.ThreadIDMarker && fresh == 0 {
		handle, err := dec.ReadSmallUnsignedInt()
		if err != nil {
			return 0, err
		}
		d.thread = handle
		return dec.Offset(), nil
	}

	known := d.stacks[d.thread]
	if int(reported) > len(known.frames) {
		return 0, fmt.Errorf("thread %d: %d reported frames, %d known", d.thread, reported,
			len(known.frames))
	}
	if int(reported)+int(fresh) == 0 {
		return 0, errors.New("report without frames")
	}

	stack := make([]CallFrame, 0, int(fresh)+int(reported))
	base := d.addressBase
	for range fresh {
		delta, interrupt, err := dec.ReadSmallSignedIntWithFlag()
		if err != nil {
			return 0, err
		}
		base += uint32(delta)
		stack = append(stack, CallFrame{Function: target.Address(base), Interrupt: interrupt})
	}
	kept := len(known.frames) - int(reported)
	stack = append(stack, known.frames[kept:]...)
	callee := make([]uint64, int(fresh), len(stack))
	callee = append(callee, known.callee[kept:]...)

	runTime, hasFolded, err := dec.ReadSmallUnsignedIntWithFlag()
	if err != nil {
		return 0, err
	}
	var folded uint32
	if hasFolded {
		if folded, err = dec.ReadSmallUnsignedInt(); err != nil {
			return 0, err
		}
	}

	d.addressBase = base
	selfTime := uint64(runTime) - min(callee[0], uint64(runTime))
	// The reported call returned; its callers stay known to the target.
	callee = callee[1:]
	if len(callee) > 0 {
		callee[0] += uint64(runTime)
	}
	d.stacks[d.thread] = knownStack{frames: stack[1:], callee: callee}
	d.reports.Add(1)
	if d.onReport != nil {
		d.onReport(&CallReport{
			Thread:     d.thread,
			Stack:      stack,
			RunTime:    runTime,
			FoldedTime: folded,
			SelfTime:   selfTime,
		})
	}
	return dec.Offset(), nil
}

// ForgetThread drops the frames known for a deleted thread.
func (d *CallDecoder) ForgetThread(handle uint32) {
	delete(d.stacks, handle)
}
