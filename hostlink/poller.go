// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostlink is the debugger side of fast semihosting. It drains the ring from target
// memory, splits the bytes per channel, answers semihosting traps and blocking Test Resource
// Manager requests, and decodes the profiler streams into profiles.
package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/metrics"
	"go.opentelemetry.io/mcu-profiler/periodiccaller"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
)

// ErrNotAttached is returned when polling before the target announced its ring.
var ErrNotAttached = errors.New("fast semihosting ring not initialized")

// maxOffsetAttempts bounds the wait for a consistent pair of write and last switch offsets.
const maxOffsetAttempts = 1000

// Poller drains the fast semihosting ring through target memory. It is safe for concurrent
// use; polls are serialized.
type Poller struct {
	mem target.RemoteMemory

	mu        sync.Mutex
	addr      target.Address
	size      uint32
	attached  bool
	suspended bool
	demux     semihosting.Demux
	routes    map[semihosting.Channel]io.Writer
	taps      []func(semihosting.Segment)
	hooks     []func()
	window    []byte

	trigger chan bool

	polls        atomic.Uint64
	drained      atomic.Uint64
	segments     atomic.Uint64
	decodeErrors atomic.Uint64
	occupancy    atomic.Uint32
}

// NewPoller returns a poller that accesses target memory through mem.
func NewPoller(mem target.RemoteMemory) *Poller {
	return &Poller{
		mem:     mem,
		routes:  make(map[semihosting.Channel]io.Writer),
		trigger: make(chan bool, 1),
	}
}

// Route delivers the bytes of ch to w, in order. Write errors are logged and the data of
// the failing write is dropped.
func (p *Poller) Route(ch semihosting.Channel, w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[ch] = w
}

// Tap calls fn for every segment of every channel before it is routed.
func (p *Poller) Tap(fn func(semihosting.Segment)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taps = append(p.taps, fn)
}

// AfterPoll calls fn at the end of every poll, with the poll lock held.
func (p *Poller) AfterPoll(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Attach starts draining the ring at addr. It is called while the target is halted in the
// initialization trap, when the read offset field still holds the ring capacity.
func (p *Poller) Attach(addr target.Address) error {
	size, err := p.mem.Uint32Checked(addr + semihosting.ReadOffsetField)
	if err != nil {
		return fmt.Errorf("reading ring size at %v: %w", addr, err)
	}
	if size == 0 {
		return fmt.Errorf("ring at %v reports zero capacity", addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.addr = addr
	p.size = size
	p.attached = true
	p.demux = semihosting.Demux{}
	p.window = make([]byte, 0, size)
	log.Infof("Fast semihosting ring of %d bytes at %v", size, addr)
	return nil
}

// SetSuspended stops or resumes the periodic polling. Explicit polls still drain the ring.
func (p *Poller) SetSuspended(suspended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = suspended
}

// Trigger requests an immediate poll from the goroutine started by Run.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- true:
	default:
	}
}

// offsets loads the write offset before the last switch offset. A switch record is
// committed by storing the last switch offset first, so a last switch offset ahead of the
// write offset means the writer was caught in between.
func (p *Poller) offsets() (write, lastSwitch uint32, err error) {
	for range maxOffsetAttempts {
		write = p.mem.Uint32(p.addr + semihosting.WriteOffsetField)
		lastSwitch = p.mem.Uint32(p.addr + semihosting.LastKnownSwitchOffsetField)
		if int32(write-lastSwitch) >= 0 {
			return write, lastSwitch, nil
		}
		runtime.Gosched()
	}
	return 0, 0, fmt.Errorf("last switch offset %d stays ahead of write offset %d",
		lastSwitch, write)
}

// Poll drains everything queued in the ring and returns the number of bytes drained.
func (p *Poller) Poll() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.attached {
		return 0, ErrNotAttached
	}
	defer func() {
		for _, fn := range p.hooks {
			fn()
		}
	}()

	write, lastSwitch, err := p.offsets()
	if err != nil {
		p.decodeErrors.Add(1)
		return 0, err
	}
	read := p.mem.Uint32(p.addr + semihosting.ReadOffsetField)
	queued := write - read
	if queued > p.size {
		// The target is between announcing the ring and resetting its offsets.
		return 0, nil
	}
	p.polls.Add(1)
	p.occupancy.Store(queued)
	if queued == 0 {
		return 0, nil
	}

	window := p.window[:queued]
	data := p.addr + semihosting.HeaderSize
	first := min(queued, p.size-read%p.size)
	if err := p.mem.Read(data+target.Address(read%p.size), window[:first]); err != nil {
		return 0, fmt.Errorf("reading ring data: %w", err)
	}
	if first < queued {
		if err := p.mem.Read(data, window[first:]); err != nil {
			return 0, fmt.Errorf("reading wrapped ring data: %w", err)
		}
	}

	segments, err := p.demux.Split(window, read, lastSwitch)
	if err != nil {
		// The window is dropped so that the target does not wait for space forever.
		p.decodeErrors.Add(1)
		p.demux.Reset()
		log.Warnf("Dropping %d bytes of ring data: %v", queued, err)
		if putErr := p.mem.PutUint32(p.addr+semihosting.ReadOffsetField, write); putErr != nil {
			return 0, fmt.Errorf("advancing read offset: %w", putErr)
		}
		return 0, fmt.Errorf("splitting ring data: %w", err)
	}
	for _, seg := range segments {
		p.dispatch(seg)
	}
	p.drained.Add(uint64(queued))
	p.segments.Add(uint64(len(segments)))

	if err := p.mem.PutUint32(p.addr+semihosting.ReadOffsetField, write); err != nil {
		return 0, fmt.Errorf("advancing read offset: %w", err)
	}
	return int(queued), nil
}

func (p *Poller) dispatch(seg semihosting.Segment) {
	for _, tap := range p.taps {
		tap(seg)
	}
	w, ok := p.routes[seg.Channel]
	if !ok {
		log.Debugf("Dropping %d bytes of unrouted channel %v", len(seg.Data), seg.Channel)
		return
	}
	if _, err := w.Write(seg.Data); err != nil {
		p.decodeErrors.Add(1)
		log.Warnf("Channel %v: %v", seg.Channel, err)
	}
}

// collectMetrics adds the poller counters to s.
func (p *Poller) collectMetrics(s metrics.Summary) {
	s.Add(metrics.IDRingPolls, metrics.MetricValue(p.polls.Swap(0)))
	s.Add(metrics.IDRingBytesDrained, metrics.MetricValue(p.drained.Swap(0)))
	s.Add(metrics.IDRingSegments, metrics.MetricValue(p.segments.Swap(0)))
	s.Add(metrics.IDDecodeErrors, metrics.MetricValue(p.decodeErrors.Swap(0)))
	s.Add(metrics.IDRingOccupancy, metrics.MetricValue(p.occupancy.Load()))
}

// Run polls every interval and whenever Trigger is called, until ctx is canceled or the
// returned function is called.
func (p *Poller) Run(ctx context.Context, interval time.Duration) func() {
	return periodiccaller.StartWithManualTrigger(ctx, interval, p.trigger,
		func(manualTrigger bool) {
			p.mu.Lock()
			skip := !p.attached || (p.suspended && !manualTrigger)
			p.mu.Unlock()
			if skip {
				return
			}
			if _, err := p.Poll(); err != nil {
				log.Errorf("Failed to poll the fast semihosting ring: %v", err)
			}
		})
}
