// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostmetrics reports resource usage of the host process that drains the target.
package hostmetrics // import "go.opentelemetry.io/mcu-profiler/metrics/hostmetrics"

import (
	"context"
	"fmt"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/mcu-profiler/metrics"
	"go.opentelemetry.io/mcu-profiler/periodiccaller"
)

// cpuTimes holds the CPU times of the previous check.
type cpuTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta calculates the difference between two time values in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return int64(secDelta) + int64(usecDelta)
}

// collect gathers the current values and advances c to them.
func (c *cpuTimes) collect() ([]metrics.Metric, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return nil, fmt.Errorf("getrusage: %w", err)
	}
	deltaUtime := timeDelta(rusage.Utime, c.utime)
	deltaStime := timeDelta(rusage.Stime, c.stime)
	c.utime, c.stime = rusage.Utime, rusage.Stime

	return []metrics.Metric{
		{ID: metrics.IDHostGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDHostHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
		{ID: metrics.IDHostUTime, Value: metrics.MetricValue(deltaUtime)},
		{ID: metrics.IDHostSTime, Value: metrics.MetricValue(deltaStime)},
	}, nil
}

// Start reports the host process metrics every interval until ctx is canceled or the
// returned function is called.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, fmt.Errorf("getrusage: %w", err)
	}
	prev := cpuTimes{utime: rusage.Utime, stime: rusage.Stime}

	return periodiccaller.Start(ctx, interval, func() {
		m, err := prev.collect()
		if err != nil {
			log.Errorf("Failed to collect host metrics: %v", err)
			return
		}
		metrics.AddSlice(m)
	}), nil
}
