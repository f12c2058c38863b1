// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the build-time knobs of the firmware side and the host intervals,
// and converts them into the options of the individual packages.
package config // import "go.opentelemetry.io/mcu-profiler/config"

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/mcu-profiler/instrumenting"
	"go.opentelemetry.io/mcu-profiler/rta"
	"go.opentelemetry.io/mcu-profiler/samplingprofiler"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
)

const (
	// minBufferSize leaves room for a switch record and a sampling packet header.
	minBufferSize = 64
	// maxBufferSize keeps ring offsets clear of the read burst flag bits.
	maxBufferSize = 1 << 24

	DefaultBufferSize    = semihosting.DefaultBufferSize
	DefaultSamplingRate  = 100
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultFramePoolSize = instrumenting.DefaultFramePoolSize
	DefaultMaxThreads    = instrumenting.DefaultMaxThreads
)

// Config is the configuration of a simulated target and its host.
type Config struct {
	// BufferSize is the capacity of the fast semihosting ring.
	BufferSize uint32
	// BlockingMode makes the target wait for the debugger instead of dropping data.
	BlockingMode bool
	// HoldInterrupts masks interrupts around multi-step channel writes.
	HoldInterrupts bool

	FramePoolSize int
	MaxThreads    int
	// FunctionFoldingThreshold is the minimum run time, in ticks, of a reported call.
	FunctionFoldingThreshold uint32
	RTOSFlags                instrumenting.RTOSFlags

	// SamplingRate is the initial rate of the sampling timer in Hz.
	SamplingRate int
	// AutoRate enables automatic rate control starting at this rate. Zero disables it.
	AutoRate      int
	CompareFrames bool

	StopOnRealTimeOverflow bool

	// PollInterval is the interval at which the host drains the ring.
	PollInterval time.Duration
}

// Default returns the firmware defaults.
func Default() Config {
	return Config{
		BufferSize:    DefaultBufferSize,
		BlockingMode:  true,
		FramePoolSize: DefaultFramePoolSize,
		MaxThreads:    DefaultMaxThreads,
		SamplingRate:  DefaultSamplingRate,
		CompareFrames: true,
		PollInterval:  DefaultPollInterval,
	}
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (c *Config) Validate() error {
	if c.BufferSize < minBufferSize || c.BufferSize > maxBufferSize {
		return fmt.Errorf("invalid ring buffer size %d (need %d..%d)",
			c.BufferSize, minBufferSize, maxBufferSize)
	}
	if c.FramePoolSize <= 0 || c.FramePoolSize > 1<<15 {
		return fmt.Errorf("invalid frame pool size %d", c.FramePoolSize)
	}
	if c.MaxThreads <= 0 {
		return fmt.Errorf("invalid thread table size %d", c.MaxThreads)
	}
	if c.SamplingRate <= 0 {
		return errors.New("sampling rate must be positive")
	}
	if c.AutoRate != 0 &&
		(c.AutoRate <= samplingprofiler.MinAutoRate || c.AutoRate >= samplingprofiler.MaxAutoRate) {
		return fmt.Errorf("invalid automatic sampling rate %d (need %d < rate < %d)",
			c.AutoRate, samplingprofiler.MinAutoRate, samplingprofiler.MaxAutoRate)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.RTOSFlags&^instrumenting.AllRTOSFlags != 0 {
		return fmt.Errorf("unknown RTOS flags 0x%x", uint32(c.RTOSFlags&^instrumenting.AllRTOSFlags))
	}
	return nil
}

// RingOptions returns the ring configuration. spin is called while the ring is full.
func (c *Config) RingOptions(irq target.InterruptController, spin func()) semihosting.Options {
	return semihosting.Options{
		BufferSize:     c.BufferSize,
		Blocking:       c.BlockingMode,
		HoldInterrupts: c.HoldInterrupts,
		Interrupts:     irq,
		Spin:           spin,
	}
}

// SamplingOptions returns the sampling profiler configuration for a stack ending at
// endOfRAM.
func (c *Config) SamplingOptions(endOfRAM target.Address,
	onRateChange func(rate int)) samplingprofiler.Options {
	return samplingprofiler.Options{
		EndOfRAM:      endOfRAM,
		CompareFrames: c.CompareFrames,
		Rate:          c.SamplingRate,
		AutoRate:      c.AutoRate,
		OnRateChange:  onRateChange,
	}
}

// InstrumentingOptions returns the instrumenting profiler configuration.
func (c *Config) InstrumentingOptions(irq target.InterruptController,
	spin func()) instrumenting.Options {
	return instrumenting.Options{
		FramePoolSize:    c.FramePoolSize,
		MaxThreads:       c.MaxThreads,
		FoldingThreshold: c.FunctionFoldingThreshold,
		RTOSFlags:        c.RTOSFlags,
		Interrupts:       irq,
		Spin:             spin,
	}
}

// RealTimeOptions returns the real-time analysis reporter configuration.
func (c *Config) RealTimeOptions(spin func()) rta.Options {
	return rta.Options{
		StopOnOverflow: c.StopOnRealTimeOverflow,
		Spin:           spin,
	}
}
