// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package semihosting // import "go.opentelemetry.io/mcu-profiler/semihosting"

import "fmt"

// Segment is a run of bytes that belongs to one channel.
type Segment struct {
	Channel Channel
	Data    []byte
}

// Demux splits the bytes drained from the ring by the consumer into per-channel segments.
// It remembers the channel that was active at the end of the previous window.
type Demux struct {
	channel Channel
	// lost is set after a window was dropped. The channel of the bytes preceding the next
	// switch record is unknown until then.
	lost bool
}

// Reset forgets the active channel after the consumer dropped a window. Bytes are discarded
// until the next switch record.
func (d *Demux) Reset() {
	d.channel = 0
	d.lost = true
}

// Channel returns the channel active at the end of the last split window.
func (d *Demux) Channel() Channel {
	return d.channel
}

type switchRecord struct {
	start, end int
	channel    Channel
}

// Split splits window, the bytes between readOffset and the current write offset, using the
// switch record chain that ends at lastSwitch. The whole window is consumed.
func (d *Demux) Split(window []byte, readOffset, lastSwitch uint32) ([]Segment, error) {
	var records []switchRecord
	for end := lastSwitch; int32(end-readOffset) > 0; {
		rel := int(end - readOffset)
		if rel > len(window) {
			return nil, fmt.Errorf("switch record end %d beyond window of %d bytes",
				rel, len(window))
		}
		size, delta, ch, err := DecodeSwitchRecordBackward(window, rel)
		if err != nil {
			return nil, fmt.Errorf("at offset %d: %w", end, err)
		}
		records = append(records, switchRecord{start: rel - size, end: rel, channel: ch})
		end = end - uint32(size) - delta
	}

	segments := make([]Segment, 0, len(records)+1)
	pos := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.start > pos && !d.lost {
			segments = append(segments, Segment{Channel: d.channel, Data: window[pos:rec.start]})
		}
		d.channel = rec.channel
		d.lost = false
		pos = rec.end
	}
	if pos < len(window) && !d.lost {
		segments = append(segments, Segment{Channel: d.channel, Data: window[pos:]})
	}
	return segments, nil
}
