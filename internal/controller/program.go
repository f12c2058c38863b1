// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import (
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/mcu-profiler/target"
)

// Memory map of the simulated target.
const (
	codeBase = target.Address(0x08000000)
	codeSize = 0x10000

	ramBase = target.Address(0x20000000)
	ramSize = 0x4000
	// sharedMemoryBase is where the ring, the command block and the watches are mapped.
	sharedMemoryBase = target.Address(0x20010000)

	functionSize    = 0x100
	frameSize       = 16
	threadStackSize = 0x800

	// The main stack takes the topmost slice of RAM.
	maxSimulatedThreads = ramSize/threadStackSize - 1

	// startupReturn is the return address of the outermost frame.
	startupReturn = codeBase + 0x41
)

// function is a simulated firmware function. It burns cost, then calls its callees in order.
type function struct {
	name    string
	addr    target.Address
	tag     uint32
	cost    time.Duration
	callees []*function
	// timed functions use the timing recorder hook.
	timed bool
}

// stackUsage returns the stack needed by fn and everything it calls.
func (fn *function) stackUsage() uint32 {
	var deepest uint32
	for _, c := range fn.callees {
		deepest = max(deepest, c.stackUsage())
	}
	return frameSize + deepest
}

// returnAddress returns the Thumb return address of the call to the callee at index i.
func (fn *function) returnAddress(i int) target.Address {
	return (fn.addr + target.Address(8+8*i)) | 1
}

// program is the call graph of the simulated firmware.
type program struct {
	functions []*function
	main      *function
	// tasks are the thread entry points when running on an RTOS.
	tasks []*function
}

func newProgram() *program {
	crc := &function{name: "crc32_update", cost: 15 * time.Microsecond}
	parse := &function{name: "parse_frame", cost: 40 * time.Microsecond,
		callees: []*function{crc}, timed: true}
	send := &function{name: "uart_send", cost: 25 * time.Microsecond,
		callees: []*function{crc}}
	adc := &function{name: "adc_read", cost: 10 * time.Microsecond}
	fir := &function{name: "fir_step", cost: 30 * time.Microsecond}
	filter := &function{name: "filter_samples", cost: 5 * time.Microsecond,
		callees: []*function{fir, fir}}
	idle := &function{name: "idle_hook"}
	sensor := &function{name: "sensor_task", cost: 5 * time.Microsecond,
		callees: []*function{adc, filter}}
	comm := &function{name: "comm_task", cost: 5 * time.Microsecond,
		callees: []*function{parse, send}}
	mainLoop := &function{name: "main_loop", cost: 2 * time.Microsecond,
		callees: []*function{sensor, comm, idle}}

	p := &program{
		functions: []*function{mainLoop, sensor, comm, idle, adc, filter, fir, parse, send, crc},
		main:      mainLoop,
		tasks:     []*function{sensor, comm},
	}
	for i, fn := range p.functions {
		fn.tag = uint32(i)
		fn.addr = codeBase + target.Address(functionSize*(i+1))
	}
	return p
}

// symbolize names the function containing addr.
func (p *program) symbolize(addr target.Address) string {
	addr &^= 1
	i, found := slices.BinarySearchFunc(p.functions, addr,
		func(fn *function, a target.Address) int {
			switch {
			case a < fn.addr:
				return 1
			case a >= fn.addr+functionSize:
				return -1
			}
			return 0
		})
	if !found {
		if addr >= codeBase && addr < codeBase+functionSize {
			return "Reset_Handler"
		}
		return ""
	}
	return p.functions[i].name
}

// thread is a simulated RTOS thread with its own stack.
type thread struct {
	handle     uint32
	name       string
	root       *function
	stackTop   target.Address
	stackLimit target.Address
}

func (p *program) threads(n int) []thread {
	threads := make([]thread, n)
	for i := range threads {
		top := ramBase + ramSize - target.Address((i+1)*threadStackSize)
		root := p.tasks[i%len(p.tasks)]
		threads[i] = thread{
			handle:     uint32(i + 1),
			name:       fmt.Sprintf("%s%d", root.name, i+1),
			root:       root,
			stackTop:   top,
			stackLimit: top - threadStackSize,
		}
	}
	return threads
}
