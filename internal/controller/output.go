// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/hostlink"
	"go.opentelemetry.io/mcu-profiler/metrics"
)

// openCapture records every channel segment drained by the host to path.
func (c *Controller) openCapture(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}
	capture, err := hostlink.NewCapture(f)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to start capture: %w", err), f.Close())
	}
	c.captureFile, c.capture = f, capture
	c.host.Record(capture)
	log.Infof("Recording session %s to %s", capture.Session(), path)
	return nil
}

func (c *Controller) closeCapture() error {
	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	if closeErr := c.captureFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to finish capture: %w", err)
	}
	log.Infof("Captured %d segments", c.capture.Records())
	return nil
}

// writeProfile stores the aggregated profile in pprof format.
func (c *Controller) writeProfile() error {
	path := c.config.ProfileFile
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	err = c.host.Profile.WriteProfile(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	log.Infof("Wrote %d stacks to %s", c.host.Profile.Stacks(), path)
	return nil
}

// metricsLogger logs every metrics batch at debug level.
type metricsLogger struct {
	names map[uint32]string
}

func newMetricsLogger() (*metricsLogger, error) {
	defs, err := metrics.GetDefinitions()
	if err != nil {
		return nil, err
	}
	names := make(map[uint32]string, len(defs))
	for _, d := range defs {
		names[uint32(d.ID)] = d.Field
	}
	return &metricsLogger{names: names}, nil
}

func (l *metricsLogger) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	fields := make(log.Fields, len(ids))
	for i, id := range ids {
		fields[l.names[id]] = values[i]
	}
	log.WithFields(fields).Debugf("Metrics at %d", timestamp)
}
