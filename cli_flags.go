// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/mcu-profiler/config"
	"go.opentelemetry.io/mcu-profiler/instrumenting"
	"go.opentelemetry.io/mcu-profiler/internal/controller"
	"go.opentelemetry.io/mcu-profiler/samplingprofiler"
	"go.opentelemetry.io/mcu-profiler/times"
)

const (
	// Default values for CLI flags
	defaultArgDuration        = 10 * time.Second
	defaultArgMetricsInterval = times.DefaultMetricsInterval
	defaultArgTicksPerSecond  = 48000000
	defaultArgResourceDir     = "."
	defaultArgProfileFile     = "mcu-profile.pb.gz"
	defaultArgRTOSFlags       = "none"
)

// Help strings for command line arguments
var (
	autoRateHelp = fmt.Sprintf("Enable automatic sampling rate control starting at this rate. "+
		"Valid values are between %d and %d (exclusive), 0 disables it.",
		samplingprofiler.MinAutoRate, samplingprofiler.MaxAutoRate)
	blockingHelp      = "Make the target wait for the host when the ring is full instead of dropping data."
	bufferSizeHelp    = "Size of the fast semihosting ring buffer in bytes."
	captureFileHelp   = "Write every drained channel segment to this file. Empty disables the capture."
	compareFramesHelp = "Report the unchanged outer part of consecutive samples as a count."
	configHelp        = "Plain configuration file with one flag per line (name value)."
	copyrightHelp     = "Show copyright and short license text."
	durationHelp      = "Run the simulated workload for this long. Zero runs until interrupted."
	foldingHelp       = "Fold calls shorter than this many performance counter ticks into their caller."
	framePoolHelp     = "Number of call frames the instrumenting profiler can track."
	holdIRQHelp       = "Mask interrupts around multi-step channel writes."
	maxThreadsHelp    = "Size of the RTOS thread table."
	metricsHelp       = "Interval at which metrics are collected."
	pollIntervalHelp  = "Interval at which the host drains the ring buffer."
	profileFileHelp   = "Write the aggregated profile in pprof format to this file. Empty disables it."
	resourceDirHelp   = "Directory served to the test resource manager of the target."
	rtaStopHelp       = "Stop the target when a real-time analysis packet overflows the ring."
	rtosFlagsHelp     = "Comma-separated list of RTOS features to enable " +
		"(calls, timing, stacks, creation, times, all or none)."
	samplingRateHelp = "Initial sampling rate in Hz."
	threadsHelp      = "Number of simulated RTOS threads. Zero runs the main loop without an RTOS."
	ticksHelp        = "Frequency of the simulated performance counter in Hz."
	verboseModeHelp  = "Enable verbose logging and debugging capabilities."
	versionHelp      = "Show version."
)

func parseArgs(args []string) (*controller.Config, error) {
	cfg := controller.Config{Config: config.Default()}
	var (
		bufferSize       uint
		foldingThreshold uint
		rtosFlags        string
	)

	fs := flag.NewFlagSet("mcu-profiler", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.IntVar(&cfg.AutoRate, "auto-rate", 0, autoRateHelp)

	fs.BoolVar(&cfg.BlockingMode, "blocking", cfg.BlockingMode, blockingHelp)
	fs.UintVar(&bufferSize, "buffer-size", uint(cfg.BufferSize), bufferSizeHelp)

	fs.StringVar(&cfg.CaptureFile, "capture", "", captureFileHelp)
	fs.BoolVar(&cfg.CompareFrames, "compare-frames", cfg.CompareFrames, compareFramesHelp)
	fs.String("config", "", configHelp)
	fs.BoolVar(&cfg.Copyright, "copyright", false, copyrightHelp)

	fs.DurationVar(&cfg.Duration, "duration", defaultArgDuration, durationHelp)

	fs.UintVar(&foldingThreshold, "folding-threshold", 0, foldingHelp)
	fs.IntVar(&cfg.FramePoolSize, "frame-pool-size", cfg.FramePoolSize, framePoolHelp)

	fs.BoolVar(&cfg.HoldInterrupts, "hold-interrupts", false, holdIRQHelp)

	fs.IntVar(&cfg.MaxThreads, "max-threads", cfg.MaxThreads, maxThreadsHelp)
	fs.DurationVar(&cfg.MetricsInterval, "metrics-interval", defaultArgMetricsInterval,
		metricsHelp)

	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, pollIntervalHelp)
	fs.StringVar(&cfg.ProfileFile, "profile", defaultArgProfileFile, profileFileHelp)

	fs.StringVar(&cfg.ResourceDir, "resource-dir", defaultArgResourceDir, resourceDirHelp)
	fs.BoolVar(&cfg.StopOnRealTimeOverflow, "rta-stop-on-overflow", false, rtaStopHelp)
	fs.StringVar(&rtosFlags, "rtos-flags", defaultArgRTOSFlags, rtosFlagsHelp)

	fs.IntVar(&cfg.SamplingRate, "sampling-rate", cfg.SamplingRate, samplingRateHelp)

	fs.IntVar(&cfg.Threads, "threads", 0, threadsHelp)
	fs.Int64Var(&cfg.TicksPerSecond, "ticks-per-second", defaultArgTicksPerSecond, ticksHelp)

	fs.BoolVar(&cfg.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&cfg.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("MCU_PROFILER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current version
		// does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
	if err != nil {
		return &cfg, err
	}

	if bufferSize > math.MaxUint32 || foldingThreshold > math.MaxUint32 {
		return &cfg, errors.New("buffer size and folding threshold must fit 32 bits")
	}
	cfg.BufferSize = uint32(bufferSize)
	cfg.FunctionFoldingThreshold = uint32(foldingThreshold)
	cfg.RTOSFlags, err = instrumenting.ParseRTOSFlags(rtosFlags)
	return &cfg, err
}
