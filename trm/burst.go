// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trm // import "go.opentelemetry.io/mcu-profiler/trm"

import (
	"fmt"
	"io"

	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
)

// MinReadBurstBufferSize is the smallest data area accepted by BeginReadBurst.
const MinReadBurstBufferSize = 5

// ReadBurst is an active background prefetch of a file into a work area in target memory.
// While it is active, the regular Read and Seek calls of the file fail on the host.
type ReadBurst struct {
	c    *Client
	file *File
	area *target.Block
	addr target.Address
	data []byte
}

// BeginReadBurst starts prefetching the file into a work area with bufferSize data bytes.
func (f *File) BeginReadBurst(bufferSize int) (*ReadBurst, error) {
	if bufferSize < MinReadBurstBufferSize || bufferSize > BurstOffsetMask {
		return nil, fmt.Errorf("read burst of %d bytes: %w", bufferSize, InvalidArgument)
	}
	area := target.NewBlock(BurstHeaderWords, bufferSize)
	area.Word(BurstBufferSizeWord).Store(uint32(bufferSize))
	b := &ReadBurst{
		c:    f.c,
		file: f,
		area: area,
		addr: f.c.space.Map(area),
		data: area.Data(),
	}
	res, ok := f.c.call(CommandBeginCachedRead, f.handle, uint32(b.addr))
	if !ok {
		// Nothing will ever be prefetched; report end of file right away.
		area.Word(BurstWriteOffsetWord).Store(BurstEOFFlag)
		return b, nil
	}
	if res[0] != 0 {
		f.c.space.Unmap(b.addr)
		return nil, fmt.Errorf("read burst of %q: %w", f.name, UnknownError)
	}
	return b, nil
}

// Handle returns the burst handle, the address of the work area.
func (b *ReadBurst) Handle() target.Address {
	return b.addr
}

// Next returns the next contiguous chunk of prefetched data without copying it. It returns
// nil at the end of the file, or when wait is false and the host has not caught up yet.
// Every non-empty chunk has to be handed back with Release.
func (b *ReadBurst) Next(wait bool) []byte {
	readWithGeneration := b.area.Word(BurstReadOffsetWord).Load() &^ BurstEOFFlag
	for {
		written := b.area.Word(BurstWriteOffsetWord).Load()
		if written&^BurstEOFFlag != readWithGeneration {
			break
		}
		if written&BurstEOFFlag != 0 || !wait {
			return nil
		}
		b.c.spin()
	}

	readOffset := readWithGeneration & BurstOffsetMask
	writeOffset := b.area.Word(BurstWriteOffsetWord).Load() & BurstOffsetMask
	var available uint32
	if writeOffset > readOffset {
		available = writeOffset - readOffset
	} else {
		available = uint32(len(b.data)) - readOffset
	}
	return b.data[readOffset : readOffset+available]
}

// Release hands a prefix of the chunk returned by Next back to the host.
func (b *ReadBurst) Release(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	readWithGeneration := b.area.Word(BurstReadOffsetWord).Load()
	readOffset := readWithGeneration & BurstOffsetMask
	if readOffset >= uint32(len(b.data)) || &chunk[0] != &b.data[readOffset] {
		return InvalidArgument
	}

	readOffset += uint32(len(chunk))
	size := uint32(len(b.data))
	if readOffset >= size {
		readOffset -= size
		readWithGeneration ^= BurstGenerationFlag
	}
	if readOffset > size {
		return InvalidArgument
	}
	b.area.Word(BurstReadOffsetWord).Store(
		readWithGeneration&BurstGenerationFlag | readOffset&^BurstGenerationFlag)
	return nil
}

// Read copies prefetched data into p until p is full or the file is exhausted.
func (b *ReadBurst) Read(p []byte) (int, error) {
	done := 0
	for done < len(p) {
		chunk := b.Next(true)
		if len(chunk) == 0 {
			break
		}
		chunk = chunk[:min(len(chunk), len(p)-done)]
		copy(p[done:], chunk)
		if err := b.Release(chunk); err != nil {
			return done, err
		}
		done += len(chunk)
	}
	if done == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return done, nil
}

// End stops the prefetch and releases the work area.
func (b *ReadBurst) End() error {
	defer b.c.space.Unmap(b.addr)
	res, ok := b.c.call(CommandEndCachedRead, uint32(b.addr))
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}

// WriteBurst queues file writes in the ring so that the target does not halt for each one.
type WriteBurst struct {
	c      *Client
	file   *File
	handle uint32
}

// BeginWriteBurst starts a write burst. Only one burst may be active per file.
func (f *File) BeginWriteBurst() (*WriteBurst, error) {
	res, ok := f.c.call(CommandBeginCachedWrite, f.handle)
	if !ok {
		return &WriteBurst{c: f.c, file: f}, nil
	}
	if res[0] == 0 {
		return nil, fmt.Errorf("write burst of %q: %w", f.name, UnknownError)
	}
	return &WriteBurst{c: f.c, file: f, handle: res[0]}, nil
}

// Handle returns the host handle of the burst.
func (b *WriteBurst) Handle() uint32 {
	return b.handle
}

// Write queues p. The host writes it to the file in the background.
func (b *WriteBurst) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	hdr := putWords(uint32(RequestWriteBurstData), b.handle, uint32(len(p)))
	if b.c.transport.WriteToChannel(semihosting.ChannelResourceManagement, hdr,
		true) != len(hdr) {
		return 0, io.ErrShortWrite
	}
	n := b.c.transport.WriteToChannel(semihosting.ChannelResourceManagement, p, true)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// End waits until the host processed all queued data and closes the burst.
func (b *WriteBurst) End() error {
	res, ok := b.c.call(CommandEndCachedWrite, b.handle)
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}
