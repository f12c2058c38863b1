// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import "go.opentelemetry.io/mcu-profiler/target"

// DefaultFramePoolSize is the number of frames shared by all threads.
const DefaultFramePoolSize = 128

// noFrame terminates frame lists.
const noFrame int32 = -1

// reportedFlag marks frames whose function was already sent to the host.
const reportedFlag = 1 << 31

// Frame is an instrumented function call that has not returned yet.
type Frame struct {
	StartTime  uint64
	FoldedTime uint64
	// Function is the function address; the top bit is set once the frame was reported.
	Function uint32
	// LR is the original return address.
	LR target.Address
	// SPAndPSP is the entry hook stack pointer with the process stack flag in bit 0.
	SPAndPSP uint32
	// timed frames also report their run time to the real-time analysis stream.
	timed bool
	next  int32
}

// IsInterrupt reports whether the function was entered from an exception (EXC_RETURN in LR).
func (f *Frame) IsInterrupt() bool { return int32(f.LR) < 0 }

// IsReported reports whether the host already knows about this frame.
func (f *Frame) IsReported() bool { return f.Function&reportedFlag != 0 }

// FramePool is a fixed arena of frames. Free frames are chained through their next index.
type FramePool struct {
	frames    []Frame
	free      int32
	available int
}

// NewFramePool returns a pool of size frames.
func NewFramePool(size int) *FramePool {
	p := &FramePool{frames: make([]Frame, size), free: noFrame}
	for i := size - 1; i >= 0; i-- {
		p.Release(int32(i))
	}
	return p
}

// Allocate takes a frame from the pool. It returns false if the pool is exhausted.
func (p *FramePool) Allocate() (int32, bool) {
	if p.free == noFrame {
		return noFrame, false
	}
	i := p.free
	p.free = p.frames[i].next
	p.available--
	return i, true
}

// Release returns a frame to the pool.
func (p *FramePool) Release(i int32) {
	p.frames[i].next = p.free
	p.free = i
	p.available++
}

// Frame returns the frame at index i.
func (p *FramePool) Frame(i int32) *Frame {
	return &p.frames[i]
}

// Free returns the number of frames available for allocation.
func (p *FramePool) Free() int { return p.available }

// Size returns the capacity of the pool.
func (p *FramePool) Size() int { return len(p.frames) }
