// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times // import "go.opentelemetry.io/mcu-profiler/times"

import (
	"time"
	_ "unsafe" // required to use //go:linkname for runtime.nanotime
)

// KTime stores a time value, retrieved from a monotonic clock, in nanoseconds
type KTime int64

// GetKTime gets the current monotonic time in nanoseconds. It relies on runtime.nanotime,
// which reads the clock through the vDSO without a syscall.
//
//go:noescape
//go:linkname GetKTime runtime.nanotime
func GetKTime() KTime

// Counter is a performance counter running at a fixed tick rate, derived from the host
// monotonic clock. It stands in for the cycle counter of a simulated target.
type Counter struct {
	ticksPerSecond int64
	last           KTime
	// carry is the part of the elapsed time that did not make up a full tick yet.
	carry int64
}

// NewCounter returns a counter that starts counting now.
func NewCounter(ticksPerSecond uint32) *Counter {
	return &Counter{ticksPerSecond: int64(ticksPerSecond), last: GetKTime()}
}

// TicksPerSecond returns the tick rate of the counter.
func (c *Counter) TicksPerSecond() uint32 {
	return uint32(c.ticksPerSecond)
}

// QueryAndReset returns the number of ticks since the previous call.
func (c *Counter) QueryAndReset() uint32 {
	now := GetKTime()
	elapsed := int64(now-c.last) + c.carry
	c.last = now
	ticks := elapsed * c.ticksPerSecond / int64(time.Second)
	c.carry = elapsed - ticks*int64(time.Second)/c.ticksPerSecond
	return uint32(ticks)
}
