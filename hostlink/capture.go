// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"go.opentelemetry.io/mcu-profiler/semihosting"
)

// captureMagic starts every capture file. It is followed by the session UUID and a zstd
// stream of records: channel (1 byte), data length (4 bytes, little endian) and data.
var captureMagic = []byte("MCUPCAP1")

const (
	recordHeaderSize = 5
	// maxRecordSize bounds a single record; segments never exceed the ring capacity.
	maxRecordSize = 1 << 24
)

// ErrNotACapture is returned when reading a file that does not start with the capture magic.
var ErrNotACapture = errors.New("not a channel capture")

// Capture records the channel segments drained from the ring.
type Capture struct {
	mu      sync.Mutex
	session uuid.UUID
	enc     *zstd.Encoder
	err     error
	records uint64
}

// NewCapture writes the capture header to w and returns a capture for a new session.
func NewCapture(w io.Writer) (*Capture, error) {
	session, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("creating session ID: %w", err)
	}
	if _, err := w.Write(captureMagic); err != nil {
		return nil, err
	}
	if _, err := w.Write(session[:]); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &Capture{session: session, enc: enc}, nil
}

// Session returns the session ID stored in the header.
func (c *Capture) Session() uuid.UUID {
	return c.session
}

// Records returns the number of recorded segments.
func (c *Capture) Records() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records
}

// Record appends a segment. The first write error is kept and returned by Close.
func (c *Capture) Record(seg semihosting.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil || len(seg.Data) == 0 {
		return
	}
	var hdr [recordHeaderSize]byte
	hdr[0] = byte(seg.Channel)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(seg.Data)))
	if _, err := c.enc.Write(hdr[:]); err != nil {
		c.err = err
		return
	}
	if _, err := c.enc.Write(seg.Data); err != nil {
		c.err = err
		return
	}
	c.records++
}

// Close flushes the compressed stream. It does not close the underlying writer.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Close(); err != nil && c.err == nil {
		c.err = err
	}
	return c.err
}

// ReadCapture replays a capture, calling fn for every recorded segment in order. It returns
// the session ID.
func ReadCapture(r io.Reader, fn func(semihosting.Segment) error) (uuid.UUID, error) {
	var session uuid.UUID
	br := bufio.NewReader(r)
	hdr := make([]byte, len(captureMagic)+len(session))
	if _, err := io.ReadFull(br, hdr); err != nil {
		return session, fmt.Errorf("reading capture header: %w", err)
	}
	if !bytes.Equal(hdr[:len(captureMagic)], captureMagic) {
		return session, ErrNotACapture
	}
	copy(session[:], hdr[len(captureMagic):])

	dec, err := zstd.NewReader(br)
	if err != nil {
		return session, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	var rec [recordHeaderSize]byte
	var data []byte
	for {
		if _, err := io.ReadFull(dec, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return session, nil
			}
			return session, fmt.Errorf("reading record header: %w", err)
		}
		size := binary.LittleEndian.Uint32(rec[1:])
		if size > maxRecordSize {
			return session, fmt.Errorf("record of %d bytes exceeds %d", size, maxRecordSize)
		}
		data = slices.Grow(data[:0], int(size))[:size]
		if _, err := io.ReadFull(dec, data); err != nil {
			return session, fmt.Errorf("reading record of %d bytes: %w", size, err)
		}
		if err := fn(semihosting.Segment{
			Channel: semihosting.Channel(rec[0]),
			Data:    data,
		}); err != nil {
			return session, err
		}
	}
}
