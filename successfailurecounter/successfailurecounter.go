// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter accounts units of work, such as profiler samples or host
// requests, exactly once as either a success or a failure.
//
// A SuccessFailureCounter is meant to live for a single unit of work on a single goroutine.
// The Counters it updates may be shared and read from anywhere.
package successfailurecounter // import "go.opentelemetry.io/mcu-profiler/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Counters is a pair of totals updated by SuccessFailureCounters.
type Counters struct {
	success atomic.Uint64
	failure atomic.Uint64
}

// Start returns a counter for one unit of work.
func (c *Counters) Start() SuccessFailureCounter {
	return SuccessFailureCounter{counters: c}
}

// Load returns the totals.
func (c *Counters) Load() (success, failure uint64) {
	return c.success.Load(), c.failure.Load()
}

// FailureRatio returns the share of failures scaled to scale, or 0 if nothing was counted.
func (c *Counters) FailureRatio(scale uint64) uint64 {
	success, failure := c.Load()
	if success+failure == 0 {
		return 0
	}
	return failure * scale / (success + failure)
}

// SuccessFailureCounter records the outcome of one unit of work. The first reported outcome
// wins; later reports are logged and ignored.
type SuccessFailureCounter struct {
	counters *Counters
	sealed   bool
}

func (sfc *SuccessFailureCounter) seal(outcome string) bool {
	if sfc.sealed {
		log.Errorf("Attempted to report %s after the outcome was recorded", outcome)
		return false
	}
	sfc.sealed = true
	return true
}

// ReportSuccess counts the unit of work as a success.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	if sfc.seal("success") {
		sfc.counters.success.Add(1)
	}
}

// ReportFailure counts the unit of work as a failure.
func (sfc *SuccessFailureCounter) ReportFailure() {
	if sfc.seal("failure") {
		sfc.counters.failure.Add(1)
	}
}

// DefaultToSuccess counts a success unless an outcome was already recorded. It is meant to
// be deferred.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		sfc.sealed = true
		sfc.counters.success.Add(1)
	}
}

// DefaultToFailure counts a failure unless an outcome was already recorded. It is meant to
// be deferred so that every early return counts as a failure.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.sealed = true
		sfc.counters.failure.Add(1)
	}
}

// Sealed reports whether an outcome was recorded.
func (sfc *SuccessFailureCounter) Sealed() bool {
	return sfc.sealed
}
