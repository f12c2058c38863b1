// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/config"
)

// Config is the configuration of a simulation run.
type Config struct {
	config.Config

	// Duration is the time the simulated workload runs. Zero runs until canceled.
	Duration        time.Duration
	MetricsInterval time.Duration
	// TicksPerSecond is the frequency of the simulated performance counter.
	TicksPerSecond int64
	// Threads is the number of simulated RTOS threads. Zero runs on the main stack only.
	Threads int

	// ResourceDir is the directory served to the Test Resource Manager.
	ResourceDir string
	// ProfileFile receives the aggregated pprof profile. Empty disables it.
	ProfileFile string
	// CaptureFile receives the raw channel capture. Empty disables it.
	CaptureFile string

	Copyright   bool
	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Duration < 0 {
		return errors.New("duration must not be negative")
	}
	if cfg.MetricsInterval <= 0 {
		return errors.New("metrics interval must be positive")
	}
	if cfg.TicksPerSecond < 1000 || cfg.TicksPerSecond > 1<<32-1 {
		return fmt.Errorf("invalid performance counter frequency %d", cfg.TicksPerSecond)
	}
	if cfg.Threads < 0 || cfg.Threads > maxSimulatedThreads {
		return fmt.Errorf("invalid number of threads %d (max %d)",
			cfg.Threads, maxSimulatedThreads)
	}
	if cfg.Threads > cfg.MaxThreads {
		return fmt.Errorf("%d threads do not fit a thread table of %d",
			cfg.Threads, cfg.MaxThreads)
	}
	if cfg.ResourceDir == "" {
		return errors.New("resource directory must be set")
	}
	return cfg.Config.Validate()
}
