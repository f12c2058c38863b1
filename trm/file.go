// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trm // import "go.opentelemetry.io/mcu-profiler/trm"

import (
	"encoding/binary"
	"fmt"
	"io"
)

// File is a file opened on the host. It is not safe for concurrent use.
type File struct {
	c      *Client
	handle uint32
	name   string
}

var (
	_ io.Reader = (*File)(nil)
	_ io.Writer = (*File)(nil)
	_ io.Seeker = (*File)(nil)
	_ io.Closer = (*File)(nil)
)

// CreateFile opens or creates a file below the host's resource directory. Absolute paths
// and paths leaving the directory are rejected by the host. Without a debugger the returned
// file discards writes and reads as empty.
func (c *Client) CreateFile(name string, mode FileMode) (*File, error) {
	res, ok := c.callWithBytes(CommandCreateFile, []byte(name), uint32(mode))
	if !ok {
		return &File{c: c, name: name}, nil
	}
	if res[0] == 0 {
		return nil, fmt.Errorf("create %q: %w", name, UnknownError)
	}
	return &File{c: c, handle: res[0], name: name}, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Handle returns the host handle of the file.
func (f *File) Handle() uint32 {
	return f.handle
}

// Read reads up to len(p) bytes. It returns io.EOF once the file position reached the end.
func (f *File) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	addr, unmap := f.c.space.MapBytes(p)
	defer unmap()
	res, ok := f.c.call(CommandReadFile, f.handle, uint32(addr), uint32(len(p)))
	if !ok {
		return 0, io.EOF
	}
	switch n := int32(res[0]); {
	case n < 0:
		return 0, fmt.Errorf("read %q: %w", f.name, UnknownError)
	case n == 0:
		return 0, io.EOF
	default:
		return int(n), nil
	}
}

// Write writes p at the current file position. The host has received the data when Write
// returns.
func (f *File) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	addr, unmap := f.c.space.MapBytes(p)
	defer unmap()
	res, ok := f.c.call(CommandWriteFile, f.handle, uint32(addr), uint32(len(p)))
	if !ok {
		return len(p), nil
	}
	n := int32(res[0])
	if n <= 0 {
		return 0, fmt.Errorf("write %q: %w", f.name, UnknownError)
	}
	if int(n) < len(p) {
		return int(n), io.ErrShortWrite
	}
	return int(n), nil
}

// Seek moves the file position. The distance is passed by reference because it does not fit
// into an argument word.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart && whence != io.SeekCurrent && whence != io.SeekEnd {
		return 0, fmt.Errorf("seek %q: whence %d: %w", f.name, whence, InvalidArgument)
	}
	var distance [8]byte
	binary.LittleEndian.PutUint64(distance[:], uint64(offset))
	addr, unmap := f.c.space.MapBytes(distance[:])
	defer unmap()
	res, ok := f.c.call(CommandSeekFile, f.handle, uint32(whence), uint32(addr))
	if !ok {
		return 0, nil
	}
	pos := int64(wide(res))
	if pos < 0 {
		return 0, fmt.Errorf("seek %q: %w", f.name, UnknownError)
	}
	return pos, nil
}

// Size returns the current size of the file.
func (f *File) Size() (int64, error) {
	res, ok := f.c.call(CommandGetFileSize, f.handle)
	if !ok {
		return 0, nil
	}
	return int64(wide(res)), nil
}

// Truncate sets the end of the file to the current file position.
func (f *File) Truncate() error {
	res, ok := f.c.call(CommandTruncateFile, f.handle)
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}

// Close closes the host handle. The handle is released even if the host reports an error.
func (f *File) Close() error {
	res, ok := f.c.call(CommandCloseFile, f.handle)
	f.handle = 0
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}
