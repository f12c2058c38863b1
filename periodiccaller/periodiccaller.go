// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller runs callbacks periodically on a dedicated goroutine. The host uses
// it to poll target memory and to sample its own process metrics.
package periodiccaller // import "go.opentelemetry.io/mcu-profiler/periodiccaller"

import (
	"context"
	"sync"
	"time"
)

// Start calls callback every interval until ctx is canceled or the returned function is
// called. The returned function waits for a running callback to finish.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	return StartWithManualTrigger(ctx, interval, nil, func(bool) { callback() })
}

// StartWithManualTrigger is like Start, but the callback is also run whenever a value is
// received from trigger. The callback argument tells the two apart. A nil trigger never
// fires.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
