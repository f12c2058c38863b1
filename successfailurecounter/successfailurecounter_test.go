// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package successfailurecounter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// process reports success for even n, failure for multiples of three and nothing
// otherwise, leaving the outcome to the deferred default.
func process(counters *Counters, n int, deferred func(*SuccessFailureCounter)) {
	sfc := counters.Start()
	defer deferred(&sfc)

	if n%2 == 0 {
		sfc.ReportSuccess()
	} else if n%3 == 0 {
		sfc.ReportFailure()
	}
}

func TestSuccessFailureCounter(t *testing.T) {
	toSuccess := (*SuccessFailureCounter).DefaultToSuccess
	toFailure := (*SuccessFailureCounter).DefaultToFailure

	tests := map[string]struct {
		deferred        func(*SuccessFailureCounter)
		input           int
		expectedSuccess uint64
		expectedFailure uint64
	}{
		"default success - no report": {
			deferred:        toSuccess,
			input:           1,
			expectedSuccess: 1,
		},
		"default success - report success": {
			deferred:        toSuccess,
			input:           2,
			expectedSuccess: 1,
		},
		"default success - report failure": {
			deferred:        toSuccess,
			input:           3,
			expectedFailure: 1,
		},
		"default failure - no report": {
			deferred:        toFailure,
			input:           1,
			expectedFailure: 1,
		},
		"default failure - report success": {
			deferred:        toFailure,
			input:           2,
			expectedSuccess: 1,
		},
		"default failure - report failure": {
			deferred:        toFailure,
			input:           3,
			expectedFailure: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var counters Counters
			process(&counters, test.input, test.deferred)
			success, failure := counters.Load()
			assert.Equal(t, test.expectedSuccess, success)
			assert.Equal(t, test.expectedFailure, failure)
		})
	}
}

func TestReportOnlyOnce(t *testing.T) {
	var counters Counters
	sfc := counters.Start()
	assert.False(t, sfc.Sealed())
	sfc.ReportFailure()
	sfc.ReportSuccess()
	sfc.DefaultToSuccess()
	assert.True(t, sfc.Sealed())

	success, failure := counters.Load()
	assert.Equal(t, uint64(0), success)
	assert.Equal(t, uint64(1), failure)
}

func TestFailureRatio(t *testing.T) {
	var counters Counters
	assert.Equal(t, uint64(0), counters.FailureRatio(1024))

	for i := range 8 {
		sfc := counters.Start()
		if i < 2 {
			sfc.ReportFailure()
		} else {
			sfc.ReportSuccess()
		}
	}
	assert.Equal(t, uint64(256), counters.FailureRatio(1024))
}
