// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller runs a simulated target against the in-process host and stores the
// results.
package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/mcu-profiler/hostlink"
	"go.opentelemetry.io/mcu-profiler/metrics"
	"go.opentelemetry.io/mcu-profiler/metrics/hostmetrics"
	"go.opentelemetry.io/mcu-profiler/periodiccaller"
	"go.opentelemetry.io/mcu-profiler/target"
	"go.opentelemetry.io/mcu-profiler/times"
)

// Controller is an instance that runs, manages and stops a simulation.
type Controller struct {
	config *Config
	stdin  io.Reader

	host        *hostlink.Host
	sim         *simulator
	capture     *hostlink.Capture
	captureFile *os.File
	console     *io.PipeWriter

	group       *errgroup.Group
	stopHost    context.CancelFunc
	stopMetrics []func()
}

// New creates a new controller.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{config: cfg}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Start sets up host and target and starts the workload.
// The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	cfg := c.config
	if cfg.VerboseMode {
		ml, err := newMetricsLogger()
		if err != nil {
			return err
		}
		metrics.SetReporter(ml)
	}
	intervals := times.New(cfg.PollInterval, cfg.MetricsInterval, cfg.Duration,
		cfg.SamplingRate)

	space := target.NewSpace(sharedMemoryBase)
	c.console = log.StandardLogger().WriterLevel(log.InfoLevel)
	host, err := hostlink.NewHost(target.NewRemoteMemory(space), hostlink.Options{
		ResourceDir:    cfg.ResourceDir,
		StackCacheSize: StackCacheSize(intervals.PollInterval(), cfg.SamplingRate),
		Console:        c.console,
		OnEvent:        logEvent,
	})
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	c.host = host
	if c.stdin != nil {
		host.Files.SetStdin(c.stdin)
	}

	if cfg.CaptureFile != "" {
		if err = c.openCapture(cfg.CaptureFile); err != nil {
			return err
		}
	}

	c.sim, err = newSimulator(cfg, space, host.Debugger, intervals)
	if err != nil {
		return fmt.Errorf("failed to create simulated target: %w", err)
	}
	host.Profile.SetSymbolizer(c.sim.prog.symbolize)

	// The host outlives the workload so that the target never waits for a consumer that
	// is gone.
	hostCtx, stopHost := context.WithCancel(context.Background())
	c.stopHost = stopHost
	c.stopMetrics = append(c.stopMetrics,
		host.Run(hostCtx, intervals.PollInterval(), intervals.MetricsInterval()),
		periodiccaller.Start(hostCtx, intervals.MetricsInterval(), c.sim.collectMetrics))
	stopHostMetrics, err := hostmetrics.Start(hostCtx, intervals.MetricsInterval())
	if err != nil {
		log.Warnf("Host process metrics are not available: %v", err)
	}
	c.stopMetrics = append(c.stopMetrics, stopHostMetrics)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := intervals.RunDuration(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	}
	c.group, runCtx = errgroup.WithContext(runCtx)
	c.group.Go(func() error {
		defer cancel()
		return c.sim.run(runCtx)
	})
	log.Infof("Simulation started (ring %d bytes, %d Hz sampling, poll interval %v)",
		cfg.BufferSize, cfg.SamplingRate, intervals.PollInterval())
	return nil
}

// Wait blocks until the workload ended.
func (c *Controller) Wait() error {
	if c.group == nil {
		return errors.New("controller not started")
	}
	return c.group.Wait()
}

// Shutdown stops the host and writes the results. It drains the ring one last time.
func (c *Controller) Shutdown() error {
	log.Info("Stop processing ...")
	if c.stopHost != nil {
		c.stopHost()
	}
	for _, stop := range c.stopMetrics {
		stop()
	}
	if c.host == nil {
		return nil
	}

	if _, err := c.host.Poller.Poll(); err != nil && !errors.Is(err, hostlink.ErrNotAttached) {
		log.Errorf("Final poll failed: %v", err)
	}
	c.host.ReportMetrics()
	if c.sim != nil {
		c.sim.collectMetrics()
	}
	metrics.Flush()

	errs := []error{c.writeProfile(), c.closeCapture(), c.host.Close()}
	if c.console != nil {
		errs = append(errs, c.console.Close())
	}
	return errors.Join(errs...)
}

func logEvent(ev hostlink.Event) {
	log.Debugf("Real-time event %v at %d: resource 0x%x value %d %s",
		ev.Type, ev.Time, ev.Resource, ev.Value, ev.Text)
}
