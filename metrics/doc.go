// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics collects the counters and gauges of the host side: ring throughput, decoded
profiler data, test resource manager requests and the host process itself.

Metric IDs are fixed and defined in metrics.json. Producers hand in values with Add or
AddSlice; the values are buffered for the current second and then forwarded to OTel
instruments and, if set, to a Reporter.

	metrics
	├── hostmetrics/    // goroutines, heap and CPU time of the host process
	├── doc.go          // this file
	├── ids.go          // metric IDs, in sync with metrics.json
	├── metrics.go      // Add(), AddSlice() and the OTel instruments
	├── metrics.json    // metric definitions
	└── types.go        // Metric, MetricID, MetricValue and MetricDefinition
*/
package metrics // import "go.opentelemetry.io/mcu-profiler/metrics"
