// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import "sync/atomic"

// PerformanceCounter is the hardware cycle counter (DWT_CYCCNT or a timer).
type PerformanceCounter interface {
	// QueryAndReset returns the ticks elapsed since the previous call.
	QueryAndReset() uint32
}

// Chronometer keeps the application clock. Time spent inside the profiler is accumulated
// separately and, unless configured otherwise, hidden from the application clock.
//
// The suppression counter doubles as the profiler region depth: the profiler is suppressed
// until Initialize and while any hook, RTOS scheduler code or other profiler code runs.
type Chronometer struct {
	counter PerformanceCounter

	base            uint64
	overhead        uint64
	includeOverhead bool

	suppress atomic.Int32
}

// NewChronometer returns a chronometer that starts in the suppressed state.
func NewChronometer(counter PerformanceCounter) *Chronometer {
	c := &Chronometer{counter: counter}
	c.suppress.Store(1)
	return c
}

// Begin enters a profiler region and returns the application time at its start.
func (c *Chronometer) Begin() uint64 {
	if c.suppress.Add(1) == 1 {
		c.base += uint64(c.counter.QueryAndReset())
	}
	return c.base
}

// End leaves a profiler region started with Begin.
func (c *Chronometer) End() {
	if c.suppress.Load() == 1 {
		overhead := uint64(c.counter.QueryAndReset())
		c.overhead += overhead
		if c.includeOverhead {
			c.base += overhead
		}
	}
	c.suppress.Add(-1)
}

// Now advances the application clock and returns it.
func (c *Chronometer) Now() uint64 {
	c.base += uint64(c.counter.QueryAndReset())
	return c.base
}

// Base returns the application clock without advancing it.
func (c *Chronometer) Base() uint64 { return c.base }

// Overhead returns the time spent inside profiler regions.
func (c *Chronometer) Overhead() uint64 { return c.overhead }

// Suppress disables the instrumentation hooks until the matching Unsuppress. RTOS hooks
// wrap the scheduler with it.
func (c *Chronometer) Suppress() { c.suppress.Add(1) }

// Unsuppress undoes Suppress.
func (c *Chronometer) Unsuppress() { c.suppress.Add(-1) }

// Suppressed reports whether hooks currently skip instrumentation.
func (c *Chronometer) Suppressed() bool { return c.suppress.Load() != 0 }

func (c *Chronometer) enable(includeOverhead bool) {
	c.includeOverhead = includeOverhead
	c.suppress.Store(0)
}

func (c *Chronometer) reset() {
	c.base = 0
	c.overhead = 0
}
