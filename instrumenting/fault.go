// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// FaultCode identifies an unrecoverable profiler error. The values are shown to the user by
// the debugger and must not change.
type FaultCode uint32

const (
	NoFault FaultCode = iota
	FrameBufferOverflow
	StackPointerMismatch
	NoFrames
	ScratchBufferOverflow
	InterfaceError
	OutOfThreadSlots
	StackNotAligned
	StackOverflow
)

func (c FaultCode) String() string {
	switch c {
	case NoFault:
		return "no error"
	case FrameBufferOverflow:
		return "frame pool exhausted"
	case StackPointerMismatch:
		return "stack pointer mismatch on function exit"
	case NoFrames:
		return "function exit without frames"
	case ScratchBufferOverflow:
		return "scratch buffer overflow"
	case InterfaceError:
		return "interface error"
	case OutOfThreadSlots:
		return "thread table exhausted"
	case StackNotAligned:
		return "stack not aligned"
	case StackOverflow:
		return "stack limit exceeded"
	default:
		return fmt.Sprintf("fault %d", uint32(c))
	}
}

// Fault is an unrecoverable profiler error with the argument the firmware passes in r1.
type Fault struct {
	Code FaultCode
	Arg  uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("instrumenting profiler: %v (arg 0x%x)", f.Code, f.Arg)
}

// FaultHandler is called for unrecoverable errors. It stands in for the debug breakpoint and
// normally does not return. If it does, the interrupted operation is abandoned.
type FaultHandler func(f *Fault)

// DefaultFaultHandler logs the fault and panics with it.
func DefaultFaultHandler(f *Fault) {
	log.Errorf("Unrecoverable profiler error: %v", f)
	panic(f)
}
