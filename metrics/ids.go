// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/mcu-profiler/metrics"

// To add a new metric append an entry to metrics.json and a constant below. ONLY APPEND !

// Below are the different metric IDs that we currently implement.
const (

	// Leave out the 0 value. It's an indication of not explicitly initialized variables.
	IDInvalid = 0

	// Number of times the host drained the fast semihosting ring
	IDRingPolls = 1

	// Bytes drained from the fast semihosting ring
	IDRingBytesDrained = 2

	// Bytes queued in the ring when it was last polled
	IDRingOccupancy = 3

	// Per-channel segments split from the drained bytes
	IDRingSegments = 4

	// Sampling profiler packets decoded by the host
	IDSamplesDecoded = 5

	// Samples the target queued in the ring
	IDSamplesDelivered = 6

	// Samples the target dropped because the ring was full
	IDSamplesDropped = 7

	// Current sampling rate of the target
	IDSamplingRate = 8

	// Instrumenting profiler reports decoded by the host
	IDInstrumentationReports = 9

	// Calls folded into their caller by the target
	IDCallsFolded = 10

	// Real-time analysis packets decoded by the host
	IDRealTimePackets = 11

	// Real-time analysis overflow records received
	IDRealTimeOverflows = 12

	// Test resource manager requests served
	IDTRMRequests = 13

	// Test resource manager requests that failed
	IDTRMRequestErrors = 14

	// Bytes written to host files through write bursts
	IDWriteBurstBytes = 15

	// Channel streams that could not be decoded
	IDDecodeErrors = 16

	// Number of goroutines of the host process
	IDHostGoRoutines = 17

	// Allocated heap objects of the host process
	IDHostHeapAlloc = 18

	// User CPU time of the host process since the previous check
	IDHostUTime = 19

	// System CPU time of the host process since the previous check
	IDHostSTime = 20

	// max number of ID values, keep this as *last entry*
	IDMax = 21
)
