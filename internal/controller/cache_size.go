// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import (
	"math/bits"
	"time"
)

// StackCacheSize defines the maximum number of distinct stacks the profile builder keeps.
// The simulated firmware has a small, fixed call graph but samples taken at arbitrary
// instructions produce many distinct PCs, so the size follows the number of samples taken
// in a few poll intervals. A minimum size is used for short intervals.
func StackCacheSize(pollInterval time.Duration, samplingRate int) uint32 {
	const (
		stackCacheIntervals = 64
		stackCacheMinSize   = 4096
		stackCacheMaxSize   = 1 << 20
	)

	perInterval := uint64(max(samplingRate, 1)) * uint64(pollInterval) / uint64(time.Second)
	size := min(max(perInterval*stackCacheIntervals, stackCacheMinSize), stackCacheMaxSize)
	return nextPowerOfTwo(uint32(size))
}

func nextPowerOfTwo(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}
