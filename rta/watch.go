// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rta // import "go.opentelemetry.io/mcu-profiler/rta"

import (
	"go.opentelemetry.io/mcu-profiler/target"
)

// watch is a word in target memory holding the Enabled flag. The debugger sets it through
// memory; the watch address identifies the watch in every packet.
type watch struct {
	r     *Reporter
	block *target.Block
	addr  target.Address
}

func newWatch(r *Reporter, space *target.Space) watch {
	block := target.NewBlock(1, 0)
	return watch{r: r, block: block, addr: space.Map(block)}
}

// Address returns the target address of the watch.
func (w watch) Address() target.Address { return w.addr }

// Enabled reports whether the debugger enabled the watch.
func (w watch) Enabled() bool { return w.block.Word(0).Load() != 0 }

// SetEnabled changes the flag from the target side.
func (w watch) SetEnabled(enabled bool) {
	var v uint32
	if enabled {
		v = 1
	}
	w.block.Word(0).Store(v)
}

// RunTimeWatch reports the duration of a code region as a resource taken and released.
type RunTimeWatch struct{ watch }

// NewRunTimeWatch maps a new, disabled watch into space.
func (r *Reporter) NewRunTimeWatch(space *target.Space) *RunTimeWatch {
	return &RunTimeWatch{newWatch(r, space)}
}

// Start reports the start of the region.
func (w *RunTimeWatch) Start() {
	if w.Enabled() {
		w.r.ResourceTaken(uint32(w.addr), 0, 0)
	}
}

// End reports the end of the region.
func (w *RunTimeWatch) End() {
	if w.Enabled() {
		w.r.ResourceReleased(uint32(w.addr), 0, 0)
	}
}

// Scope reports the start of the region and returns a function reporting its end:
//
//	defer w.Scope()()
func (w *RunTimeWatch) Scope() func() {
	w.Start()
	return w.End
}

// ScalarWatch reports the changing value of a variable.
type ScalarWatch struct{ watch }

// NewScalarWatch maps a new, disabled watch into space.
func (r *Reporter) NewScalarWatch(space *target.Space) *ScalarWatch {
	return &ScalarWatch{newWatch(r, space)}
}

func (w *ScalarWatch) ReportSigned(v int32) {
	if w.Enabled() {
		w.r.IntegralValue(uint32(w.addr), uint32(v), true)
	}
}

func (w *ScalarWatch) ReportUnsigned(v uint32) {
	if w.Enabled() {
		w.r.IntegralValue(uint32(w.addr), v, false)
	}
}

func (w *ScalarWatch) ReportFP(v float64) {
	if w.Enabled() {
		w.r.FPValue(uint32(w.addr), v)
	}
}

// EventStreamWatch reports application defined events.
type EventStreamWatch struct{ watch }

// NewEventStreamWatch maps a new, disabled watch into space.
func (r *Reporter) NewEventStreamWatch(space *target.Space) *EventStreamWatch {
	return &EventStreamWatch{newWatch(r, space)}
}

func (w *EventStreamWatch) ReportEvent(text string) {
	if w.Enabled() {
		w.r.Event(uint32(w.addr), text)
	}
}

func (w *EventStreamWatch) ReportSigned(arg int32) {
	if w.Enabled() {
		w.r.EventSigned(uint32(w.addr), arg)
	}
}

func (w *EventStreamWatch) ReportUnsigned(arg uint32) {
	if w.Enabled() {
		w.r.EventUnsigned(uint32(w.addr), arg)
	}
}

func (w *EventStreamWatch) ReportFP(arg float64) {
	if w.Enabled() {
		w.r.EventFP(uint32(w.addr), arg)
	}
}
