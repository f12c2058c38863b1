// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/target"
)

// Debugger answers the semihosting traps of the target. The target is considered halted
// for the duration of Semihost.
type Debugger struct {
	poller *Poller
	files  *FileService

	attached atomic.Bool
	traps    atomic.Uint64
}

var _ target.Debugger = (*Debugger)(nil)

// NewDebugger returns an attached debugger. files may be nil if blocking requests are not
// served.
func NewDebugger(poller *Poller, files *FileService) *Debugger {
	d := &Debugger{poller: poller, files: files}
	d.attached.Store(true)
	return d
}

// Attached implements target.Debugger.
func (d *Debugger) Attached() bool {
	return d.attached.Load()
}

// Attach makes semihosting calls available to the target.
func (d *Debugger) Attach() {
	d.attached.Store(true)
}

// Detach simulates running the target without a debugger.
func (d *Debugger) Detach() {
	d.attached.Store(false)
}

// Traps returns the number of handled semihosting traps.
func (d *Debugger) Traps() uint64 {
	return d.traps.Load()
}

// Semihost implements target.Debugger.
func (d *Debugger) Semihost(reason, arg uint32) {
	d.traps.Add(1)
	switch reason {
	case target.ReasonInitializeFastSemihosting:
		if err := d.poller.Attach(target.Address(arg)); err != nil {
			log.Errorf("Failed to set up fast semihosting: %v", err)
		}
	case target.ReasonControlFastSemihostingPolling:
		d.poller.SetSuspended(arg == 0)
	case target.ReasonRequestBlockingProcessing:
		// Data queued before the request is processed first, e.g. the rest of a write burst.
		if _, err := d.poller.Poll(); err != nil && !errors.Is(err, ErrNotAttached) {
			log.Errorf("Failed to drain the ring before a blocking request: %v", err)
		}
		if d.files == nil {
			log.Warnf("Ignoring blocking request at %v", target.Address(arg))
			return
		}
		if err := d.files.Execute(target.Address(arg)); err != nil {
			log.Errorf("Failed to execute blocking request: %v", err)
		}
	default:
		log.Warnf("Unknown semihosting reason 0x%08x", reason)
	}
}
