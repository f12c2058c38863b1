// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import "go.opentelemetry.io/mcu-profiler/target"

// ThreadSwitched is called by the RTOS hooks after a context switch. Unknown threads get a
// slot in the thread table. The next report is prefixed with the thread handle. Handle 0
// is the main thread.
func (p *Profiler) ThreadSwitched(handle uint32, name string, stackLimit target.Address) {
	if p.flags&AllRTOSFlags == 0 {
		return
	}
	p.stackLimit = stackLimit

	if handle == 0 {
		p.current = &p.mainThread
		p.threadIDReportPending = true
		p.reportThreadSwitch(handle)
		return
	}

	for i := range p.threads {
		if p.threads[i].handle == handle {
			p.current = &p.threads[i]
			p.threadIDReportPending = true
			p.reportThreadSwitch(handle)
			return
		}
	}

	for i := range p.threads {
		if p.threads[i].handle == 0 {
			p.threads[i] = thread{handle: handle, top: noFrame}
			p.current = &p.threads[i]
			p.threadIDReportPending = true
			if p.flags&ReportThreadCreation != 0 {
				p.reporter.ThreadCreated(handle, name)
			}
			p.reportThreadSwitch(handle)
			return
		}
	}

	p.raise(OutOfThreadSlots, handle)
}

func (p *Profiler) reportThreadSwitch(handle uint32) {
	if p.flags&ReportThreadTimes != 0 {
		p.reporter.ThreadSwitch(handle)
	}
}

// ThreadDeleted frees the slot of a deleted thread and returns its frames to the pool. If
// the running thread is deleted, the main thread becomes current.
func (p *Profiler) ThreadDeleted(handle uint32) {
	if handle == 0 {
		return
	}
	for i := range p.threads {
		th := &p.threads[i]
		if th.handle != handle {
			continue
		}
		th.handle = 0
		for idx := th.top; idx != noFrame; {
			next := p.pool.Frame(idx).next
			p.pool.Release(idx)
			idx = next
		}
		th.top = noFrame
		if p.current == th {
			p.current = &p.mainThread
			p.threadIDReportPending = true
		}
	}
}

// CurrentThread returns the handle of the running thread, 0 for the main thread.
func (p *Profiler) CurrentThread() uint32 { return p.current.handle }

// Depth returns the number of frames of the running thread.
func (p *Profiler) Depth() int {
	n := 0
	for idx := p.current.top; idx != noFrame; idx = p.pool.Frame(idx).next {
		n++
	}
	return n
}
