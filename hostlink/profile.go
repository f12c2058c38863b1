// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/google/pprof/profile"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/mcu-profiler/target"
)

// Sample value indexes of the generated profile.
const (
	valueSamples = iota
	valueCalls
	valueTicks
	valueCount
)

// DefaultStackCacheSize is the number of distinct stacks aggregated in memory.
const DefaultStackCacheSize = 4096

type stackKey uint64

func hashStackKey(k stackKey) uint32 {
	return uint32(k)
}

type stackEntry struct {
	frames []CallFrame
	values [valueCount]int64
}

// ProfileBuilder aggregates sampled and instrumented stacks into a pprof profile. It is
// safe for concurrent use.
type ProfileBuilder struct {
	mu      sync.Mutex
	stacks  *lru.LRU[stackKey, *stackEntry]
	retired []*stackEntry
	keyBuf  []byte
	start   time.Time
	// names optionally resolves function addresses to symbols.
	names func(target.Address) string
}

// NewProfileBuilder returns a builder that keeps up to capacity distinct stacks in memory.
// Stacks pushed out of the cache keep their counts but are no longer merged.
func NewProfileBuilder(capacity uint32) (*ProfileBuilder, error) {
	stacks, err := lru.New[stackKey, *stackEntry](capacity, hashStackKey)
	if err != nil {
		return nil, fmt.Errorf("creating stack cache: %w", err)
	}
	b := &ProfileBuilder{
		stacks: stacks,
		start:  time.Now(),
	}
	stacks.SetOnEvict(func(_ stackKey, e *stackEntry) {
		b.retired = append(b.retired, e)
	})
	return b, nil
}

// SetSymbolizer installs a function that names code addresses.
func (b *ProfileBuilder) SetSymbolizer(names func(target.Address) string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = names
}

func (b *ProfileBuilder) key(frames []CallFrame) stackKey {
	b.keyBuf = b.keyBuf[:0]
	for _, f := range frames {
		b.keyBuf = binary.LittleEndian.AppendUint32(b.keyBuf, uint32(f.Function))
		if f.Interrupt {
			b.keyBuf = append(b.keyBuf, 1)
		} else {
			b.keyBuf = append(b.keyBuf, 0)
		}
	}
	return stackKey(xxh3.Hash(b.keyBuf))
}

// add accounts values to a stack. Callers must hold b.mu.
func (b *ProfileBuilder) add(frames []CallFrame, values [valueCount]int64) {
	normalized := make([]CallFrame, len(frames))
	for i, f := range frames {
		// Thumb code addresses have the lowest bit set.
		normalized[i] = CallFrame{Function: f.Function &^ 1, Interrupt: f.Interrupt}
	}
	k := b.key(normalized)
	e, ok := b.stacks.Get(k)
	if !ok {
		e = &stackEntry{frames: normalized}
		b.stacks.Add(k, e)
	}
	for i, v := range values {
		e.values[i] += v
	}
}

// AddSample counts a stack sample.
func (b *ProfileBuilder) AddSample(s *Sample) {
	addrs := s.CodeAddresses()
	frames := make([]CallFrame, len(addrs))
	for i, a := range addrs {
		frames[i] = CallFrame{Function: a}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var values [valueCount]int64
	values[valueSamples] = 1
	b.add(frames, values)
}

// AddCall accounts a reported call with its self time. The time of folded callees is part
// of the self time.
func (b *ProfileBuilder) AddCall(r *CallReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var values [valueCount]int64
	values[valueCalls] = 1
	values[valueTicks] = int64(r.SelfTime)
	b.add(r.Stack, values)
}

// Stacks returns the number of distinct stacks seen so far.
func (b *ProfileBuilder) Stacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stacks.Len() + len(b.retired)
}

// Profile returns the aggregated profile.
func (b *ProfileBuilder) Profile() *profile.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "calls", Unit: "count"},
			{Type: "time", Unit: "ticks"},
		},
		TimeNanos:     b.start.UnixNano(),
		DurationNanos: now.Sub(b.start).Nanoseconds(),
	}

	locations := make(map[CallFrame]*profile.Location)
	functions := make(map[string]*profile.Function)
	location := func(f CallFrame) *profile.Location {
		if loc, ok := locations[f]; ok {
			return loc
		}
		name := fmt.Sprintf("%v", f.Function)
		if b.names != nil {
			if n := b.names(f.Function); n != "" {
				name = n
			}
		}
		if f.Interrupt {
			name += " [interrupt]"
		}
		fn, ok := functions[name]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(prof.Function) + 1),
				Name:       name,
				SystemName: name,
			}
			functions[name] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &profile.Location{
			ID:      uint64(len(prof.Location) + 1),
			Address: uint64(f.Function),
			Line:    []profile.Line{{Function: fn}},
		}
		locations[f] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	emit := func(e *stackEntry) {
		s := &profile.Sample{Value: slices.Clone(e.values[:])}
		for _, f := range e.frames {
			s.Location = append(s.Location, location(f))
		}
		prof.Sample = append(prof.Sample, s)
	}
	for _, e := range b.retired {
		emit(e)
	}
	for _, k := range b.stacks.Keys() {
		if e, ok := b.stacks.Peek(k); ok {
			emit(e)
		}
	}
	return prof
}

// WriteProfile writes the gzip compressed pprof encoding of the profile to w.
func (b *ProfileBuilder) WriteProfile(w io.Writer) error {
	prof := b.Profile()
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return prof.Write(w)
}
