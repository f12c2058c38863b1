// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/mcu-profiler/metrics"
	"go.opentelemetry.io/mcu-profiler/periodiccaller"
	"go.opentelemetry.io/mcu-profiler/rta"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
)

// Options configures a Host.
type Options struct {
	// ResourceDir is the directory served to the Test Resource Manager. Blocking requests
	// are ignored if it is empty.
	ResourceDir string
	// StackCacheSize defaults to DefaultStackCacheSize.
	StackCacheSize uint32
	// Console receives the stdio channels of the target. Defaults to io.Discard.
	Console io.Writer
	// TestReports receives the test report channel. Defaults to io.Discard.
	TestReports io.Writer
	// OnEvent is called for every real-time analysis event.
	OnEvent func(Event)
}

// Host is the complete debugger side: ring poller, semihosting trap handler, request
// executor and profile decoders.
type Host struct {
	Poller   *Poller
	Debugger *Debugger
	Files    *FileService
	Samples  *SampleDecoder
	Calls    *CallDecoder
	RealTime *RealTimeDecoder
	Profile  *ProfileBuilder

	onEvent func(Event)
	// Decoder counts at the last metrics collection.
	reportedSamples, reportedCalls, reportedPackets, reportedOverflows uint64
}

// NewHost wires a host that accesses target memory through mem.
func NewHost(mem target.RemoteMemory, opts Options) (*Host, error) {
	if opts.StackCacheSize == 0 {
		opts.StackCacheSize = DefaultStackCacheSize
	}
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	if opts.TestReports == nil {
		opts.TestReports = io.Discard
	}

	prof, err := NewProfileBuilder(opts.StackCacheSize)
	if err != nil {
		return nil, err
	}
	h := &Host{
		Poller:  NewPoller(mem),
		Profile: prof,
		onEvent: opts.OnEvent,
	}
	if opts.ResourceDir != "" {
		if h.Files, err = NewFileService(mem, opts.ResourceDir); err != nil {
			return nil, err
		}
		h.Poller.Route(semihosting.ChannelResourceManagement, h.Files)
		h.Poller.AfterPoll(h.Files.PumpReadBursts)
	}
	h.Debugger = NewDebugger(h.Poller, h.Files)
	h.Samples = NewSampleDecoder(prof.AddSample)
	h.Calls = NewCallDecoder(prof.AddCall)
	h.RealTime = NewRealTimeDecoder(h.handleEvent)

	h.Poller.Route(semihosting.ChannelSampling, h.Samples)
	h.Poller.Route(semihosting.ChannelInstrumentation, h.Calls)
	h.Poller.Route(semihosting.ChannelRealTimeAnalysis, h.RealTime)
	h.Poller.Route(semihosting.ChannelTestReport, opts.TestReports)
	for fd := range 0x10 {
		h.Poller.Route(semihosting.StdioChannel(fd), opts.Console)
	}
	return h, nil
}

func (h *Host) handleEvent(ev Event) {
	if ev.Type == rta.PacketThreadCreated {
		// A new thread starts without frames, even if its handle was used before.
		h.Calls.ForgetThread(ev.Resource)
	}
	if h.onEvent != nil {
		h.onEvent(ev)
	}
}

// Record writes every drained segment to c.
func (h *Host) Record(c *Capture) {
	h.Poller.Tap(c.Record)
}

// Run polls the ring every pollInterval and reports metrics every metricsInterval until ctx
// is canceled or the returned function is called.
func (h *Host) Run(ctx context.Context, pollInterval, metricsInterval time.Duration) func() {
	stopPolling := h.Poller.Run(ctx, pollInterval)
	stopMetrics := periodiccaller.Start(ctx, metricsInterval, h.ReportMetrics)
	return func() {
		stopPolling()
		stopMetrics()
	}
}

// ReportMetrics publishes the counters accumulated since the last call.
func (h *Host) ReportMetrics() {
	sum := make(metrics.Summary)
	h.Poller.collectMetrics(sum)
	if h.Files != nil {
		h.Files.collectMetrics(sum)
	}

	samples := h.Samples.Decoded()
	calls := h.Calls.Reports()
	packets, overflows := h.RealTime.Stats()
	sum.Add(metrics.IDSamplesDecoded, metrics.MetricValue(samples-h.reportedSamples))
	sum.Add(metrics.IDInstrumentationReports, metrics.MetricValue(calls-h.reportedCalls))
	sum.Add(metrics.IDRealTimePackets, metrics.MetricValue(packets-h.reportedPackets))
	sum.Add(metrics.IDRealTimeOverflows,
		metrics.MetricValue(overflows-h.reportedOverflows))
	h.reportedSamples, h.reportedCalls = samples, calls
	h.reportedPackets, h.reportedOverflows = packets, overflows

	metrics.AddSlice(sum.Slice())
}

// Close releases the files opened on behalf of the target.
func (h *Host) Close() error {
	if h.Files == nil {
		return nil
	}
	return h.Files.Close()
}
