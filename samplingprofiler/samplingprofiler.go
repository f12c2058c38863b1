// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package samplingprofiler turns register snapshots taken by a periodic timer interrupt into
// compact stack samples. Every stack slot that looks like a code address or a saved frame
// pointer is reported; unwinding happens on the host. Consecutive samples are compared so
// that the unchanged outer part of the stack is only reported as a count.
package samplingprofiler // import "go.opentelemetry.io/mcu-profiler/samplingprofiler"

import (
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/smallnum"
	"go.opentelemetry.io/mcu-profiler/successfailurecounter"
	"go.opentelemetry.io/mcu-profiler/target"
)

const (
	// MaxStackSnapshotSize is the size of each encoded report buffer.
	MaxStackSnapshotSize = 256
	// MaxStackFrameSize stops the stack scan after this many bytes without a candidate.
	MaxStackFrameSize = 256
	// MaxEntriesPerStackSnapshot limits the number of reported stack entries.
	MaxEntriesPerStackSnapshot = 128
	// SamplesPerAutorateCycle is the number of samples between sampling rate adjustments.
	SamplesPerAutorateCycle = 1024
	// CommBufferUsageExp scales ring availability to 1<<CommBufferUsageExp.
	CommBufferUsageExp = 4

	// The automatic rate is only changed to values strictly between these bounds.
	MinAutoRate = 100
	MaxAutoRate = 100000
)

// Transport sends packets to the host with all-or-nothing semantics.
type Transport interface {
	WriteData(ch semihosting.Channel, header, payload []byte) int
	Availability(exp uint) int
}

// Options configures a Profiler.
type Options struct {
	// EndOfRAM is the first address past the stack (_estack).
	EndOfRAM target.Address
	// CompareFrames enables reporting the unchanged part of the stack as a count.
	CompareFrames bool
	// Rate is the initial sampling rate in samples per second.
	Rate int
	// AutoRate enables automatic rate control starting at the given rate. Zero disables it.
	AutoRate int
	// OnRateChange is called from ProcessSample when the automatic rate control picked a
	// new rate. The platform driver reprograms its timer there.
	OnRateChange func(rate int)
}

// summary describes the last delivered sample.
type summary struct {
	sp, fp, pc, lr target.Address
	refA, refB     uint32
	// Reference points at the start of the sample, used to decode its report buffer.
	startRefA, startRefB uint32
	entryCount           int
}

// Profiler is the sampling profiler state. ProcessSample must not be called concurrently;
// the remaining methods may be called from any goroutine.
type Profiler struct {
	transport     Transport
	mem           target.RemoteMemory
	validator     target.AddressValidator
	endOfRAM      target.Address
	compareFrames bool
	onRateChange  func(rate int)

	paused       atomic.Bool
	rate         atomic.Int32
	autoRate     atomic.Int32
	droppedRatio atomic.Int32

	lastUsedBuffer int
	last           summary
	buffers        [2][MaxStackSnapshotSize]byte

	packetsDropped  int
	packetsInCycle  int
	availabilitySum int

	samples successfailurecounter.Counters
}

// New returns a profiler that reads stack memory from mem and classifies slots with
// validator.
func New(transport Transport, mem io.ReaderAt, validator target.AddressValidator,
	opts Options) *Profiler {
	p := &Profiler{
		transport:     transport,
		mem:           target.RemoteMemory{ReaderAt: mem},
		validator:     validator,
		endOfRAM:      opts.EndOfRAM,
		compareFrames: opts.CompareFrames,
		onRateChange:  opts.OnRateChange,
	}
	p.rate.Store(int32(opts.Rate))
	p.autoRate.Store(int32(opts.AutoRate))
	log.Debugf("Sampling profiler: rate %d, autorate %d, compare frames %v",
		opts.Rate, opts.AutoRate, opts.CompareFrames)
	return p
}

// Pause makes ProcessSample return immediately until Resume is called.
func (p *Profiler) Pause() { p.paused.Store(true) }

// Resume undoes Pause.
func (p *Profiler) Resume() { p.paused.Store(false) }

// Rate returns the current sampling rate.
func (p *Profiler) Rate() int { return int(p.rate.Load()) }

// SetAutoRate enables automatic rate control starting at rate, or disables it if rate is 0.
func (p *Profiler) SetAutoRate(rate int) {
	p.autoRate.Store(int32(rate))
	if rate != 0 {
		p.rate.Store(int32(rate))
	}
}

// DroppedPacketRatio returns the number of samples dropped during the last autorate cycle,
// out of SamplesPerAutorateCycle.
func (p *Profiler) DroppedPacketRatio() int { return int(p.droppedRatio.Load()) }

// Stats returns the number of delivered and dropped samples.
func (p *Profiler) Stats() (delivered, dropped uint64) {
	return p.samples.Load()
}

func (p *Profiler) isPotentialSavedFPSlot(slot target.Address, value uint32) bool {
	if !p.validator.IsValidStackAddress(slot) {
		return false
	}
	fp := target.Address(value)
	return fp < p.endOfRAM && fp > slot
}

// ProcessSample records one sample. It is called from the sampling timer interrupt with the
// registers of the interrupted code.
func (p *Profiler) ProcessSample(regs target.Registers) {
	if p.paused.Load() {
		return
	}
	sfc := p.samples.Start()
	defer sfc.DefaultToFailure()

	bufIdx := 0
	if p.compareFrames {
		bufIdx = 1 - p.lastUsedBuffer
	}
	coder := smallnum.NewCoder(p.buffers[bufIdx][:], p.last.refA, p.last.refB)
	startRefA, startRefB := p.last.refA, p.last.refB

	var decoder *smallnum.Decoder
	if p.compareFrames {
		decoder = smallnum.NewDecoder(p.buffers[p.lastUsedBuffer][:],
			p.last.startRefA, p.last.startRefB)
	}
	readBase := p.last.sp
	var readValue uint32
	readEntries := 0
	firstMatching, firstMatchingOffset := -1, -1
	var endRefA, endRefB uint32

	// 1. Compress stack entries
	entries := 0
	lastSaved := regs.SP
	for slot := regs.SP; slot < p.endOfRAM && slot-lastSaved < MaxStackFrameSize; slot += 4 {
		entryStart := coder.Offset()
		value, err := p.mem.Uint32Checked(slot)
		if err != nil {
			break
		}
		var useRefPointB bool
		switch {
		case p.isPotentialSavedFPSlot(slot, value):
			useRefPointB = true
		case p.validator.IsValidStackAddress(slot) &&
			p.validator.IsValidCodeAddress(target.Address(value)):
			useRefPointB = false
		default:
			continue
		}

		indexDelta := int32(slot-lastSaved) / 4
		lastSaved = slot

		if decoder != nil {
			stepReads := 0
			for readEntries < p.last.entryCount && (readEntries == 0 || readBase < slot) {
				idx, v, err := decoder.ReadStackEntry()
				if err != nil {
					log.Debugf("Previous sample is not decodable: %v", err)
					decoder = nil
					break
				}
				readBase += target.Address(idx * 4)
				readValue = v
				readEntries++
				stepReads++
			}
			// A matching run has to consume the previous entries one by one so that it
			// corresponds to a contiguous run of the previous sample.
			if decoder != nil && readEntries > 0 && readBase == slot && readValue == value &&
				(firstMatching == -1 || stepReads == 1) {
				if firstMatching == -1 {
					firstMatching = entries
					firstMatchingOffset = entryStart
					endRefA, endRefB = coder.RefPoints()
				}
			} else {
				firstMatching, firstMatchingOffset = -1, -1
			}
		}

		if !coder.WriteStackEntry(indexDelta, value, useRefPointB) {
			return
		}
		entries++
		if entries >= MaxEntriesPerStackSnapshot {
			break
		}
	}

	endOfStackEntries := coder.Offset()
	matchingEntries := 0
	// The reused entries are the tail of the previous sample.
	if firstMatching != -1 && decoder != nil && readEntries == p.last.entryCount {
		matchingEntries = entries - firstMatching
		entries = firstMatching
		endOfStackEntries = firstMatchingOffset
	} else {
		endRefA, endRefB = coder.RefPoints()
	}
	headerStart := coder.Offset()

	// 2. Compress register values
	if !coder.WriteTinySIntWithFlag(int32(regs.SP-p.last.sp)/4, regs.FP == regs.SP) {
		return
	}
	if regs.FP != regs.SP {
		if !coder.WriteTinySInt(int32(regs.FP-regs.SP) / 4) {
			return
		}
	}
	if !coder.WriteSmallMostLikelyEvenSInt(int32(regs.PC - p.last.pc)) {
		return
	}
	if !coder.WriteSmallMostLikelyEvenSInt(int32(regs.LR - p.last.lr)) {
		return
	}

	// 3. Write stack entry count
	if !coder.WritePackedUIntPair(uint16(matchingEntries), uint16(entries)) {
		return
	}

	p.updateAutoRate()

	buf := p.buffers[bufIdx][:]
	if p.transport.WriteData(semihosting.ChannelSampling, buf[headerStart:coder.Offset()],
		buf[:endOfStackEntries]) == 0 {
		p.packetsDropped++
		return
	}
	p.availabilitySum += p.transport.Availability(CommBufferUsageExp)

	p.last = summary{
		sp:         regs.SP,
		fp:         regs.FP,
		pc:         regs.PC,
		lr:         regs.LR,
		refA:       endRefA,
		refB:       endRefB,
		startRefA:  startRefA,
		startRefB:  startRefB,
		entryCount: entries + matchingEntries,
	}
	if p.compareFrames {
		p.lastUsedBuffer = bufIdx
	}
	sfc.ReportSuccess()
}

// updateAutoRate counts the sample and adjusts the automatic rate once per cycle: it backs
// off proportionally to the drop ratio, or speeds up while the ring stays mostly empty.
func (p *Profiler) updateAutoRate() {
	p.packetsInCycle++
	if p.packetsInCycle < SamplesPerAutorateCycle {
		return
	}
	p.droppedRatio.Store(int32(p.packetsDropped))

	if autoRate := int(p.autoRate.Load()); autoRate != 0 {
		const unit = 1 << CommBufferUsageExp
		avgAvailability := p.availabilitySum / SamplesPerAutorateCycle
		newRate := 0
		switch {
		case p.packetsDropped != 0:
			newRate = autoRate * (SamplesPerAutorateCycle - p.packetsDropped) /
				SamplesPerAutorateCycle
		case avgAvailability > unit*7/8:
			newRate = autoRate * 4
		case avgAvailability > unit*3/4:
			newRate = autoRate * 2
		case avgAvailability > unit*1/4:
			newRate = autoRate + 200
		}

		if newRate > MinAutoRate && newRate < MaxAutoRate {
			log.Debugf("Sampling rate %d -> %d (%d/%d dropped, availability %d/%d)",
				autoRate, newRate, p.packetsDropped, SamplesPerAutorateCycle,
				avgAvailability, unit)
			p.autoRate.Store(int32(newRate))
			p.rate.Store(int32(newRate))
			if p.onRateChange != nil {
				p.onRateChange(newRate)
			}
		}
	}
	p.packetsDropped = 0
	p.packetsInCycle = 0
	p.availabilitySum = 0
}
