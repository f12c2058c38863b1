// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	timestamps []uint32
	batches    [][]Metric
}

func (f *fakeReporter) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	batch := make([]Metric, len(ids))
	for j := range ids {
		batch[j].ID = MetricID(ids[j])
		batch[j].Value = MetricValue(values[j])
	}
	f.timestamps = append(f.timestamps, timestamp)
	f.batches = append(f.batches, batch)
}

func TestMetrics(t *testing.T) {
	Flush()
	reporter := &fakeReporter{}
	SetReporter(reporter)
	defer SetReporter(nil)

	second := uint32(1000)
	savedNow := now
	now = func() uint32 { return second }
	defer func() { now = savedNow }()

	inputMetrics := []Metric{
		{IDRingPolls, 33},
		{IDRingBytesDrained, 55},
		{IDRingOccupancy, 66},
		{IDHostGoRoutines, 20},
		{IDTRMRequests, 0},
	}

	AddSlice(inputMetrics[0:2])                    // 33, 55
	Add(inputMetrics[1].ID, inputMetrics[1].Value) // 55, dropped
	Add(inputMetrics[2].ID, inputMetrics[2].Value) // 66
	AddSlice(inputMetrics[3:4])                    // 20
	Add(inputMetrics[0].ID, inputMetrics[0].Value) // 33, dropped
	AddSlice(inputMetrics[1:3])                    // 55, 66 dropped
	AddSlice(inputMetrics[2:5])                    // 66 dropped, 20 dropped, 0 dropped
	assert.Empty(t, reporter.batches)

	// The next second reports the buffered metrics.
	second++
	AddSlice(nil)
	require.Len(t, reporter.batches, 1)
	assert.Equal(t, []uint32{1000}, reporter.timestamps)
	assert.Equal(t, inputMetrics[:4], reporter.batches[0])

	Add(IDRingPolls, 1)
	Flush()
	require.Len(t, reporter.batches, 2)
	assert.Equal(t, []Metric{{IDRingPolls, 1}}, reporter.batches[1])
}

func TestInvalidIDs(t *testing.T) {
	Flush()
	reporter := &fakeReporter{}
	SetReporter(reporter)
	defer SetReporter(nil)

	AddSlice([]Metric{{IDInvalid, 1}, {IDMax, 1}})
	Flush()
	assert.Empty(t, reporter.batches)
}

func TestGetDefinitions(t *testing.T) {
	defs, err := GetDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, IDMax-1)
	for i, md := range defs {
		assert.Equal(t, MetricID(i+1), md.ID, md.Name)
		assert.Contains(t, []MetricType{MetricTypeCounter, MetricTypeGauge}, md.Type)
		assert.NotEmpty(t, md.Field)
	}
}

func TestSummary(t *testing.T) {
	s := Summary{}
	s.Add(IDSamplesDropped, 2)
	s.Add(IDRingPolls, 1)
	s.Add(IDSamplesDropped, 3)
	assert.Equal(t, []Metric{{IDRingPolls, 1}, {IDSamplesDropped, 5}}, s.Slice())
}
