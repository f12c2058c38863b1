// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/mcu-profiler/metrics"

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// MetricType distinguishes monotonic counters from gauges.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// MetricDefinition is one entry of metrics.json.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	// Name is the suffix of the Go constant holding the ID.
	Name string `json:"name"`
	// Field is the name of the OTel instrument.
	Field    string   `json:"field"`
	Unit     string   `json:"unit"`
	ID       MetricID `json:"id"`
	Obsolete bool     `json:"obsolete"`
}

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// Summary helps summarizing metrics of the same ID from different sources before
// processing it further.
type Summary map[MetricID]MetricValue

// Add accumulates value for id.
func (s Summary) Add(id MetricID, value MetricValue) {
	s[id] += value
}

// Slice returns the summary in ID order.
func (s Summary) Slice() []Metric {
	out := make([]Metric, 0, len(s))
	for id := MetricID(IDInvalid + 1); id < IDMax; id++ {
		if v, ok := s[id]; ok {
			out = append(out, Metric{ID: id, Value: v})
		}
	}
	return out
}
