// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimes(t *testing.T) {
	tm := New(10*time.Millisecond, DefaultMetricsInterval, time.Minute, 100)
	assert.Equal(t, 10*time.Millisecond, tm.PollInterval())
	assert.Equal(t, DefaultMetricsInterval, tm.MetricsInterval())
	assert.Equal(t, time.Minute, tm.RunDuration())
	assert.Equal(t, 10*time.Millisecond, tm.SampleInterval())

	tm.SetSamplingRate(4000)
	assert.Equal(t, 250*time.Microsecond, tm.SampleInterval())
	tm.SetSamplingRate(0)
	assert.Equal(t, 250*time.Microsecond, tm.SampleInterval())
}

func TestCounter(t *testing.T) {
	c := NewCounter(1_000_000)
	assert.Equal(t, uint32(1_000_000), c.TicksPerSecond())

	start := GetKTime()
	time.Sleep(20 * time.Millisecond)
	var total uint64
	total += uint64(c.QueryAndReset())
	elapsed := time.Duration(GetKTime() - start)
	// The counter started before start, so it may only be slightly ahead.
	assert.GreaterOrEqual(t, total, uint64(19_000))
	assert.LessOrEqual(t, total, uint64(elapsed.Microseconds())+1000)

	// Ticks are not lost when querying faster than the tick rate.
	slow := NewCounter(10)
	var ticks uint32
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		ticks += slow.QueryAndReset()
	}
	assert.GreaterOrEqual(t, ticks, uint32(2))
}
