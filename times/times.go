// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the intervals of a profiling session and the host clock that drives
// the simulated performance counter.
package times // import "go.opentelemetry.io/mcu-profiler/times"

import (
	"sync/atomic"
	"time"
)

// DefaultMetricsInterval is the interval at which the host publishes its metrics.
const DefaultMetricsInterval = 5 * time.Second

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// Times hold all the intervals that are used across the simulator in a central place
// and comes with Getters to read them.
type Times struct {
	pollInterval    time.Duration
	metricsInterval time.Duration
	runDuration     time.Duration
	sampleInterval  atomic.Int64
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// PollInterval defines the interval at which the host drains the ring.
	PollInterval() time.Duration
	// MetricsInterval defines the interval at which metrics are published.
	MetricsInterval() time.Duration
	// RunDuration defines how long the simulated workload runs. Zero runs until canceled.
	RunDuration() time.Duration
	// SampleInterval defines the period of the sampling timer. It follows the rate
	// chosen by the automatic rate control.
	SampleInterval() time.Duration
}

func (t *Times) PollInterval() time.Duration { return t.pollInterval }

func (t *Times) MetricsInterval() time.Duration { return t.metricsInterval }

func (t *Times) RunDuration() time.Duration { return t.runDuration }

func (t *Times) SampleInterval() time.Duration { return time.Duration(t.sampleInterval.Load()) }

// SetSamplingRate reprograms the sampling timer to rate samples per second. Rates that are
// not positive are ignored.
func (t *Times) SetSamplingRate(rate int) {
	if rate <= 0 {
		return
	}
	t.sampleInterval.Store(int64(time.Second) / int64(rate))
}

// New returns a new Times instance.
func New(pollInterval, metricsInterval, runDuration time.Duration, samplingRate int) *Times {
	t := &Times{
		pollInterval:    pollInterval,
		metricsInterval: metricsInterval,
		runDuration:     runDuration,
	}
	t.SetSamplingRate(samplingRate)
	return t
}
