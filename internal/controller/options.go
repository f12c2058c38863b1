// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/mcu-profiler/internal/controller"

import "io"

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithStdin sets the reader that serves the stdin requests of the target.
// Without it, the target reads from stdin fail.
func WithStdin(r io.Reader) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.stdin = r
		return c
	})
}
