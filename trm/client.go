// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package trm is the target side of the Test Resource Manager: file and directory access on
// the debugging host, tunnelled through fast semihosting.
//
// Blocking requests are placed in a command block in target memory and handed to the host
// with a semihosting trap. The host performs the request while the target is halted and
// stores the results in the argument words of the same block. Write bursts avoid halting the
// target by queueing the data on the resource management channel instead.
package trm // import "go.opentelemetry.io/mcu-profiler/trm"

import (
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
)

// Transport queues non-blocking requests for the host.
type Transport interface {
	WriteData(ch semihosting.Channel, header, payload []byte) int
	WriteToChannel(ch semihosting.Channel, p []byte, writeAll bool) int
}

// Options configures a Client.
type Options struct {
	// Spin is called on every iteration of a busy-wait loop. Defaults to runtime.Gosched.
	Spin func()
}

// Client issues Test Resource Manager requests. Requests are serialized; there is never
// more than one outstanding blocking request.
type Client struct {
	space     *target.Space
	transport Transport
	dbg       target.Debugger
	spin      func()

	mu        sync.Mutex
	flag      *target.Block
	flagAddr  target.Address
	block     *target.Block
	blockAddr target.Address
}

// NewClient maps the command block and the init flag into the target address space.
func NewClient(space *target.Space, transport Transport, dbg target.Debugger,
	opts Options) *Client {
	if opts.Spin == nil {
		opts.Spin = runtime.Gosched
	}
	c := &Client{
		space:     space,
		transport: transport,
		dbg:       dbg,
		spin:      opts.Spin,
		flag:      target.NewBlock(1, 0),
		block:     target.NewBlock(BlockWords, 0),
	}
	c.flagAddr = space.Map(c.flag)
	c.blockAddr = space.Map(c.block)
	log.Debugf("TRM command block at %v, init flag at %v", c.blockAddr, c.flagAddr)
	return c
}

// CommandBlock returns the address of the command block.
func (c *Client) CommandBlock() target.Address {
	return c.blockAddr
}

func putWords(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

// initialize announces the command block to the host and waits for the acknowledgement.
func (c *Client) initialize() {
	if c.flag.Word(0).Load() != 0 {
		return
	}
	req := putWords(uint32(RequestInitialize), uint32(c.flagAddr), uint32(c.blockAddr))
	for c.transport.WriteData(semihosting.ChannelResourceManagement, req, nil) == 0 {
		c.spin()
	}
	for c.flag.Word(0).Load() == 0 {
		c.spin()
	}
	log.Debug("TRM initialized")
}

// call runs a blocking request and returns the argument words as left by the host. It
// reports false if no debugger is attached.
func (c *Client) call(cmd Command, args ...uint32) ([ArgumentWords]uint32, bool) {
	var res [ArgumentWords]uint32
	if !c.dbg.Attached() {
		return res, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialize()
	c.block.Word(CommandWord).Store(uint32(cmd))
	for i := range ArgumentWords {
		var arg uint32
		if i < len(args) {
			arg = args[i]
		}
		c.block.Word(CommandWord + 1 + i).Store(arg)
	}
	c.dbg.Semihost(target.ReasonRequestBlockingProcessing, uint32(c.blockAddr))
	for i := range res {
		res[i] = c.block.Word(CommandWord + 1 + i).Load()
	}
	return res, true
}

func (c *Client) callWithBytes(cmd Command, p []byte, args ...uint32) ([ArgumentWords]uint32,
	bool) {
	var addr target.Address
	if len(p) > 0 {
		var unmap func()
		addr, unmap = c.space.MapBytes(p)
		defer unmap()
	}
	return c.call(cmd, append([]uint32{uint32(addr), uint32(len(p))}, args...)...)
}

func wide(res [ArgumentWords]uint32) uint64 {
	return uint64(res[1])<<32 | uint64(res[0])
}

// HostSystemTime returns the wall clock time of the host. It returns the zero time if no
// debugger is attached.
func (c *Client) HostSystemTime() time.Time {
	res, ok := c.call(CommandGetSystemTime)
	if !ok {
		return time.Time{}
	}
	return FileTimeToTime(wide(res))
}

// FileTimeToTime converts a count of 100ns intervals since 1601-01-01 UTC.
func FileTimeToTime(ft uint64) time.Time {
	return time.Unix(0, int64(ft-FileTimeEpochOffset)*100).UTC()
}

// TimeToFileTime is the inverse of FileTimeToTime.
func TimeToFileTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + FileTimeEpochOffset
}

// DeleteFile deletes a file below the host's resource directory.
func (c *Client) DeleteFile(name string) error {
	res, ok := c.callWithBytes(CommandDeleteFile, []byte(name))
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}

// CreateDirectory creates a directory below the host's resource directory.
func (c *Client) CreateDirectory(name string) error {
	res, ok := c.callWithBytes(CommandCreateDirectory, []byte(name))
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}

// DeleteDirectory deletes a directory. Unless recursive is set the directory must be empty.
func (c *Client) DeleteDirectory(name string, recursive bool) error {
	var flag uint32
	if recursive {
		flag = 1
	}
	res, ok := c.callWithBytes(CommandDeleteDirectory, []byte(name), flag)
	if !ok {
		return nil
	}
	return ErrorCode(int32(res[0])).Err()
}

// ReadStdin reads user input typed into the host console. With blocking set it waits for
// at least one byte.
func (c *Client) ReadStdin(p []byte, blocking bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var flag uint32
	if blocking {
		flag = 1
	}
	addr, unmap := c.space.MapBytes(p)
	defer unmap()
	res, ok := c.call(CommandReadStdin, flag, uint32(addr), uint32(len(p)))
	if !ok {
		return 0, nil
	}
	n := int32(res[0])
	if n < 0 {
		return 0, UnknownError
	}
	return int(n), nil
}
