// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package semihosting // import "go.opentelemetry.io/mcu-profiler/semihosting"

import "fmt"

// Channel identifies a logical stream multiplexed over the ring. Only the low 7 bits are
// transmitted.
type Channel uint8

const (
	// ChannelSampling carries sampling profiler packets.
	ChannelSampling Channel = 0x41
	// ChannelInstrumentationDeprecated is the old instrumentation protocol without
	// RTOS extensions. Nothing in this module produces it.
	ChannelInstrumentationDeprecated Channel = 0x42
	// ChannelTestReport carries unit test reports.
	ChannelTestReport Channel = 0x43
	// ChannelRealTimeAnalysis carries real-time analysis packets.
	ChannelRealTimeAnalysis Channel = 0x44
	// ChannelInstrumentation carries instrumenting profiler reports.
	ChannelInstrumentation Channel = 0x45
	// ChannelResourceManagement carries non-blocking test resource manager requests.
	ChannelResourceManagement Channel = 0x46
)

// StdioChannel returns the channel used for a newlib file descriptor.
func StdioChannel(fd int) Channel {
	return Channel(fd & 0x0f)
}

func (c Channel) String() string {
	switch c {
	case ChannelSampling:
		return "sampling"
	case ChannelInstrumentationDeprecated:
		return "instrumentation-deprecated"
	case ChannelTestReport:
		return "test-report"
	case ChannelRealTimeAnalysis:
		return "real-time-analysis"
	case ChannelInstrumentation:
		return "instrumentation"
	case ChannelResourceManagement:
		return "resource-management"
	}
	if c < 0x10 {
		return fmt.Sprintf("stdio-%d", uint8(c))
	}
	return fmt.Sprintf("channel-0x%02x", uint8(c))
}
