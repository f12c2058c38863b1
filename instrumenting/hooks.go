// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import (
	"sync/atomic"

	"go.opentelemetry.io/mcu-profiler/target"
)

// HookTable is the bitmap of functions whose timing recorder hook is active. Each
// instrumented function carries a tag that indexes a bit. The debugger sets bits while the
// target runs.
type HookTable struct {
	words []atomic.Uint32
}

// NewHookTable returns a table for the given number of tags.
func NewHookTable(tags int) *HookTable {
	return &HookTable{words: make([]atomic.Uint32, (tags+31)/32)}
}

// Len returns the number of words in the table.
func (h *HookTable) Len() int { return len(h.words) }

// Enabled tests the bit of tag.
func (h *HookTable) Enabled(tag uint32) bool {
	i := int(tag >> 5)
	if i >= len(h.words) {
		return false
	}
	return h.words[i].Load()&(1<<(tag&31)) != 0
}

// Enable sets the bit of tag.
func (h *HookTable) Enable(tag uint32) {
	if i := int(tag >> 5); i < len(h.words) {
		h.words[i].Or(1 << (tag & 31))
	}
}

// Disable clears the bit of tag.
func (h *HookTable) Disable(tag uint32) {
	if i := int(tag >> 5); i < len(h.words) {
		h.words[i].And(^uint32(1 << (tag & 31)))
	}
}

// Clear disables all hooks.
func (h *HookTable) Clear() {
	for i := range h.words {
		h.words[i].Store(0)
	}
}

// VerifyStack is the stack verifier hook. The low 16 bits of tag hold the stack usage of
// the function; entering it with less room above the thread stack limit is a fault.
func (p *Profiler) VerifyStack(e Entry, tag uint32) bool {
	if p.stackLimit+target.Address(tag&0xffff) > e.Stack {
		p.raise(StackOverflow, uint32(e.Function))
		return false
	}
	return true
}

// SetStackLimit sets the lowest valid stack address of the running thread. Without an RTOS
// it is set once for the main stack.
func (p *Profiler) SetStackLimit(limit target.Address) { p.stackLimit = limit }
