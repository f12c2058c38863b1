// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink // import "go.opentelemetry.io/mcu-profiler/hostlink"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/mcu-profiler/metrics"
	"go.opentelemetry.io/mcu-profiler/nopanicslicereader"
	"go.opentelemetry.io/mcu-profiler/successfailurecounter"
	"go.opentelemetry.io/mcu-profiler/target"
	"go.opentelemetry.io/mcu-profiler/trm"
)

const (
	// requestSize is the size of a request record on the resource management channel.
	requestSize = 12
	// maxNameLength bounds the path names read from target memory.
	maxNameLength = 4096
	// maxTransfer bounds the bytes moved by a single read or write request.
	maxTransfer = 1 << 20
)

// positionError is returned for failed seek and size requests.
const positionError = ^uint64(0)

var errBurstActive = errors.New("file has an active burst")

type hostFile struct {
	f    *os.File
	name string
	// readBurst is the work area address of an active read burst, or 0.
	readBurst target.Address
	// writeBurst is the handle of an active write burst, or 0.
	writeBurst uint32
}

type readBurst struct {
	file *hostFile
	area target.Address
	eof  bool
}

// FileService executes Test Resource Manager requests against a host directory. Paths sent
// by the target are resolved below that directory; absolute paths and paths leaving it are
// rejected.
type FileService struct {
	mem  target.RemoteMemory
	root *os.Root
	now  func() time.Time

	mu          sync.Mutex
	initialized bool
	blockAddr   target.Address
	nextHandle  uint32
	files       map[uint32]*hostFile
	readBursts  map[target.Address]*readBurst
	writeBursts map[uint32]*hostFile

	// pending holds request bytes that do not form a complete record yet.
	pending     []byte
	burstTarget uint32
	burstLeft   int
	scratch     []byte

	stdin *stdinBuffer

	requests   successfailurecounter.Counters
	burstBytes atomic.Uint64
	// Request counts at the last metrics collection.
	reportedOK, reportedFailed uint64
}

// NewFileService serves the files below dir.
func NewFileService(mem target.RemoteMemory, dir string) (*FileService, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening resource directory: %w", err)
	}
	return &FileService{
		mem:         mem,
		root:        root,
		now:         time.Now,
		nextHandle:  1,
		files:       make(map[uint32]*hostFile),
		readBursts:  make(map[target.Address]*readBurst),
		writeBursts: make(map[uint32]*hostFile),
		scratch:     make([]byte, 64*1024),
	}, nil
}

// SetStdin makes r the source of ReadStdin requests. Reading r starts right away.
func (s *FileService) SetStdin(r io.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdin = newStdinBuffer(r)
}

// Close closes all open files and the resource directory.
func (s *FileService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, hf := range s.files {
		hf.f.Close()
		delete(s.files, h)
	}
	return s.root.Close()
}

// Initialized reports whether the target announced its command block.
func (s *FileService) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Write consumes the bytes of the resource management channel. Records may be split
// across calls.
func (s *FileService) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	consumed := 0
	var err error
	for err == nil {
		buf := s.pending[consumed:]
		if s.burstLeft > 0 {
			n := min(s.burstLeft, len(buf))
			if n == 0 {
				break
			}
			s.writeBurstData(buf[:n])
			s.burstLeft -= n
			consumed += n
			continue
		}
		if len(buf) < requestSize {
			break
		}
		consumed += requestSize
		switch req := trm.Request(nopanicslicereader.Uint32(buf, 0)); req {
		case trm.RequestInitialize:
			err = s.initialize(target.Address(nopanicslicereader.Uint32(buf, 4)),
				target.Address(nopanicslicereader.Uint32(buf, 8)))
		case trm.RequestWriteBurstData:
			s.burstTarget = nopanicslicereader.Uint32(buf, 4)
			s.burstLeft = int(nopanicslicereader.Uint32(buf, 8))
		default:
			err = fmt.Errorf("unknown resource management request %d", uint32(req))
			consumed = len(s.pending)
		}
	}
	s.pending = append(s.pending[:0], s.pending[consumed:]...)
	return len(p), err
}

func (s *FileService) initialize(flag, block target.Address) error {
	s.blockAddr = block
	s.initialized = true
	if err := s.mem.PutUint32(flag, 1); err != nil {
		return fmt.Errorf("acknowledging TRM initialization: %w", err)
	}
	log.Debugf("TRM command block at %v", block)
	return nil
}

func (s *FileService) writeBurstData(p []byte) {
	hf, ok := s.writeBursts[s.burstTarget]
	if !ok {
		log.Warnf("Dropping %d bytes for unknown write burst %d", len(p), s.burstTarget)
		return
	}
	if _, err := hf.f.Write(p); err != nil {
		log.Errorf("Write burst to %q: %v", hf.name, err)
		return
	}
	s.burstBytes.Add(uint64(len(p)))
}

// Execute runs the blocking request in the command block at addr and stores the results in
// its argument words.
func (s *FileService) Execute(addr target.Address) error {
	var words [trm.BlockWords]uint32
	for i := range words {
		v, err := s.mem.Uint32Checked(addr + target.Address(4*i))
		if err != nil {
			return fmt.Errorf("reading TRM command block: %w", err)
		}
		words[i] = v
	}
	cmd := trm.Command(words[trm.CommandWord])
	var args [trm.ArgumentWords]uint32
	copy(args[:], words[trm.CommandWord+1:])

	sfc := s.requests.Start()
	defer sfc.DefaultToFailure()

	var res [trm.ArgumentWords]uint32
	var err error
	if cmd == trm.CommandReadStdin {
		// Waiting for console input must not block the other requests.
		res, err = s.readStdin(args)
	} else {
		s.mu.Lock()
		res, err = s.execute(cmd, args)
		s.mu.Unlock()
	}
	if err != nil {
		log.Debugf("TRM %v%v: %v", cmd, args, err)
	} else {
		sfc.ReportSuccess()
	}

	for i, v := range res {
		argAddr := addr + target.Address(4*(trm.CommandWord+1+i))
		if werr := s.mem.PutUint32(argAddr, v); werr != nil {
			return fmt.Errorf("storing TRM results: %w", werr)
		}
	}
	return nil
}

func status(code trm.ErrorCode) [trm.ArgumentWords]uint32 {
	return [trm.ArgumentWords]uint32{uint32(int32(code))}
}

func wideResult(v uint64) [trm.ArgumentWords]uint32 {
	return [trm.ArgumentWords]uint32{uint32(v), uint32(v >> 32)}
}

func (s *FileService) execute(cmd trm.Command, args [trm.ArgumentWords]uint32) (
	[trm.ArgumentWords]uint32, error) {
	switch cmd {
	case trm.CommandGetSystemTime:
		return wideResult(trm.TimeToFileTime(s.now())), nil
	case trm.CommandCreateFile:
		return s.createFile(args)
	case trm.CommandCloseFile:
		if err := s.closeFile(args[0]); err != nil {
			if errors.Is(err, trm.InvalidArgument) {
				return status(trm.InvalidArgument), err
			}
			return status(trm.UnknownError), err
		}
		return status(trm.Success), nil
	case trm.CommandReadFile:
		return s.readFile(args)
	case trm.CommandWriteFile:
		return s.writeFile(args)
	case trm.CommandGetFileSize:
		return s.fileSize(args[0])
	case trm.CommandSeekFile:
		return s.seekFile(args)
	case trm.CommandTruncateFile:
		return s.truncateFile(args[0])
	case trm.CommandDeleteFile:
		return s.pathRequest(args, s.deleteFile)
	case trm.CommandCreateDirectory:
		return s.pathRequest(args, func(name string) error {
			return s.root.Mkdir(name, 0o755)
		})
	case trm.CommandDeleteDirectory:
		recursive := args[2] != 0
		return s.pathRequest(args, func(name string) error {
			return s.deleteDirectory(name, recursive)
		})
	case trm.CommandBeginCachedRead:
		return s.beginReadBurst(args[0], target.Address(args[1]))
	case trm.CommandEndCachedRead:
		return s.endReadBurst(target.Address(args[0]))
	case trm.CommandBeginCachedWrite:
		return s.beginWriteBurst(args[0])
	case trm.CommandEndCachedWrite:
		return s.endWriteBurst(args[0])
	}
	return status(trm.InvalidArgument), fmt.Errorf("unsupported command %v", cmd)
}

// readName reads a path name and checks that it stays below the resource directory.
func (s *FileService) readName(addr, length uint32) (string, error) {
	if length == 0 || length > maxNameLength {
		return "", fmt.Errorf("name of %d bytes: %w", length, trm.InvalidArgument)
	}
	buf := make([]byte, length)
	if err := s.mem.Read(target.Address(addr), buf); err != nil {
		return "", fmt.Errorf("reading name: %w", err)
	}
	name := filepath.FromSlash(strings.ReplaceAll(string(buf), `\`, "/"))
	if filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%q leaves the resource directory: %w", name, trm.InvalidArgument)
	}
	return name, nil
}

func (s *FileService) pathRequest(args [trm.ArgumentWords]uint32, fn func(string) error) (
	[trm.ArgumentWords]uint32, error) {
	name, err := s.readName(args[0], args[1])
	if err != nil {
		return status(trm.InvalidArgument), err
	}
	if err := fn(name); err != nil {
		return status(trm.UnknownError), err
	}
	return status(trm.Success), nil
}

func openFlags(mode trm.FileMode) (int, error) {
	switch mode {
	case trm.CreateOrTruncateWriteOnly:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case trm.CreateOrAppendWriteOnly:
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case trm.OpenReadOnly:
		return os.O_RDONLY, nil
	case trm.CreateOrOpenReadWrite:
		return os.O_RDWR | os.O_CREATE, nil
	case trm.CreateOrTruncateReadWrite:
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	}
	return 0, fmt.Errorf("file mode %d: %w", uint32(mode), trm.InvalidArgument)
}

func (s *FileService) createFile(args [trm.ArgumentWords]uint32) ([trm.ArgumentWords]uint32,
	error) {
	name, err := s.readName(args[0], args[1])
	if err != nil {
		return [trm.ArgumentWords]uint32{}, err
	}
	flags, err := openFlags(trm.FileMode(args[2]))
	if err != nil {
		return [trm.ArgumentWords]uint32{}, err
	}
	f, err := s.root.OpenFile(name, flags, 0o644)
	if err != nil {
		return [trm.ArgumentWords]uint32{}, err
	}
	h := s.nextHandle
	s.nextHandle++
	s.files[h] = &hostFile{f: f, name: name}
	log.Debugf("TRM opened %q as %d", name, h)
	return [trm.ArgumentWords]uint32{h}, nil
}

func (s *FileService) file(h uint32) (*hostFile, error) {
	hf, ok := s.files[h]
	if !ok {
		return nil, fmt.Errorf("file handle %d: %w", h, trm.InvalidArgument)
	}
	return hf, nil
}

// regularFile is like file but refuses files with an active burst.
func (s *FileService) regularFile(h uint32) (*hostFile, error) {
	hf, err := s.file(h)
	if err != nil {
		return nil, err
	}
	if hf.readBurst != 0 || hf.writeBurst != 0 {
		return nil, fmt.Errorf("%q: %w", hf.name, errBurstActive)
	}
	return hf, nil
}

func (s *FileService) closeFile(h uint32) error {
	hf, err := s.file(h)
	if err != nil {
		return err
	}
	if hf.readBurst != 0 {
		delete(s.readBursts, hf.readBurst)
	}
	if hf.writeBurst != 0 {
		delete(s.writeBursts, hf.writeBurst)
	}
	delete(s.files, h)
	return hf.f.Close()
}

func (s *FileService) readFile(args [trm.ArgumentWords]uint32) ([trm.ArgumentWords]uint32,
	error) {
	hf, err := s.regularFile(args[0])
	if err != nil {
		return status(trm.UnknownError), err
	}
	if args[2] > maxTransfer {
		return status(trm.UnknownError), fmt.Errorf("read of %d bytes: %w", args[2],
			trm.InvalidArgument)
	}
	buf := make([]byte, args[2])
	n, err := io.ReadFull(hf.f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return status(trm.UnknownError), err
	}
	if err := s.mem.Write(target.Address(args[1]), buf[:n]); err != nil {
		return status(trm.UnknownError), err
	}
	return [trm.ArgumentWords]uint32{uint32(n)}, nil
}

func (s *FileService) writeFile(args [trm.ArgumentWords]uint32) ([trm.ArgumentWords]uint32,
	error) {
	hf, err := s.regularFile(args[0])
	if err != nil {
		return status(trm.UnknownError), err
	}
	if args[2] > maxTransfer {
		return status(trm.UnknownError), fmt.Errorf("write of %d bytes: %w", args[2],
			trm.InvalidArgument)
	}
	buf := make([]byte, args[2])
	if err := s.mem.Read(target.Address(args[1]), buf); err != nil {
		return status(trm.UnknownError), err
	}
	n, err := hf.f.Write(buf)
	if n == 0 && err != nil {
		return status(trm.UnknownError), err
	}
	return [trm.ArgumentWords]uint32{uint32(n)}, nil
}

func (s *FileService) fileSize(h uint32) ([trm.ArgumentWords]uint32, error) {
	hf, err := s.file(h)
	if err != nil {
		return wideResult(positionError), err
	}
	fi, err := hf.f.Stat()
	if err != nil {
		return wideResult(positionError), err
	}
	return wideResult(uint64(fi.Size())), nil
}

func (s *FileService) seekFile(args [trm.ArgumentWords]uint32) ([trm.ArgumentWords]uint32,
	error) {
	hf, err := s.regularFile(args[0])
	if err != nil {
		return wideResult(positionError), err
	}
	distance := s.mem.Int64(target.Address(args[2]))
	pos, err := hf.f.Seek(distance, int(args[1]))
	if err != nil {
		return wideResult(positionError), err
	}
	return wideResult(uint64(pos)), nil
}

func (s *FileService) truncateFile(h uint32) ([trm.ArgumentWords]uint32, error) {
	hf, err := s.regularFile(h)
	if err != nil {
		return status(trm.UnknownError), err
	}
	pos, err := hf.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return status(trm.UnknownError), err
	}
	if err := hf.f.Truncate(pos); err != nil {
		return status(trm.UnknownError), err
	}
	return status(trm.Success), nil
}

func (s *FileService) deleteFile(name string) error {
	fi, err := s.root.Lstat(name)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%q is a directory", name)
	}
	return s.root.Remove(name)
}

func (s *FileService) deleteDirectory(name string, recursive bool) error {
	fi, err := s.root.Lstat(name)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%q is not a directory", name)
	}
	if recursive {
		return s.root.RemoveAll(name)
	}
	return s.root.Remove(name)
}

func (s *FileService) beginReadBurst(h uint32, area target.Address) ([trm.ArgumentWords]uint32,
	error) {
	hf, err := s.regularFile(h)
	if err != nil {
		return status(trm.UnknownError), err
	}
	size := s.mem.Uint32(area + 4*trm.BurstBufferSizeWord)
	if size < trm.MinReadBurstBufferSize || size > trm.BurstOffsetMask {
		return status(trm.InvalidArgument), fmt.Errorf("read burst buffer of %d bytes: %w",
			size, trm.InvalidArgument)
	}
	b := &readBurst{file: hf, area: area}
	hf.readBurst = area
	s.readBursts[area] = b
	s.fill(b)
	return status(trm.Success), nil
}

func (s *FileService) endReadBurst(area target.Address) ([trm.ArgumentWords]uint32, error) {
	b, ok := s.readBursts[area]
	if !ok {
		return status(trm.InvalidArgument), fmt.Errorf("read burst %v: %w", area,
			trm.InvalidArgument)
	}
	delete(s.readBursts, area)
	b.file.readBurst = 0
	return status(trm.Success), nil
}

func (s *FileService) beginWriteBurst(h uint32) ([trm.ArgumentWords]uint32, error) {
	hf, err := s.regularFile(h)
	if err != nil {
		return [trm.ArgumentWords]uint32{}, err
	}
	hf.writeBurst = h
	s.writeBursts[h] = hf
	return [trm.ArgumentWords]uint32{h}, nil
}

// endWriteBurst is executed after the ring was drained, so all queued data was written.
func (s *FileService) endWriteBurst(h uint32) ([trm.ArgumentWords]uint32, error) {
	hf, ok := s.writeBursts[h]
	if !ok {
		return status(trm.InvalidArgument), fmt.Errorf("write burst %d: %w", h,
			trm.InvalidArgument)
	}
	delete(s.writeBursts, h)
	hf.writeBurst = 0
	return status(trm.Success), nil
}

// PumpReadBursts refills the work areas of all active read bursts.
func (s *FileService) PumpReadBursts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.readBursts {
		s.fill(b)
	}
}

// fill copies file data into the free part of a read burst work area. Free space ends at
// the end of the buffer while both offsets are in the same generation, and at the read
// offset once the write offset wrapped around.
func (s *FileService) fill(b *readBurst) {
	if b.eof {
		return
	}
	readAddr := b.area + 4*trm.BurstReadOffsetWord
	writeAddr := b.area + 4*trm.BurstWriteOffsetWord
	data := b.area + 4*trm.BurstHeaderWords
	size := s.mem.Uint32(b.area + 4*trm.BurstBufferSizeWord)

	for {
		read := s.mem.Uint32(readAddr)
		write := s.mem.Uint32(writeAddr)
		readOff := read & trm.BurstOffsetMask
		writeOff := write & trm.BurstOffsetMask
		generation := write & trm.BurstGenerationFlag

		var free uint32
		if (read^write)&trm.BurstGenerationFlag == 0 {
			free = size - writeOff
		} else {
			free = readOff - writeOff
		}
		if free == 0 {
			return
		}

		buf := s.scratch[:min(free, uint32(len(s.scratch)))]
		n, err := b.file.f.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			log.Errorf("Read burst from %q: %v", b.file.name, err)
		}
		if n > 0 {
			if werr := s.mem.Write(data+target.Address(writeOff), buf[:n]); werr != nil {
				log.Errorf("Filling read burst at %v: %v", b.area, werr)
				return
			}
		}
		writeOff += uint32(n)
		if writeOff == size {
			writeOff = 0
			generation ^= trm.BurstGenerationFlag
		}
		flags := generation
		if n == 0 {
			flags |= trm.BurstEOFFlag
			b.eof = true
		}
		if werr := s.mem.PutUint32(writeAddr, flags|writeOff); werr != nil {
			log.Errorf("Advancing read burst at %v: %v", b.area, werr)
			return
		}
		s.burstBytes.Add(uint64(n))
		if b.eof {
			return
		}
	}
}

func (s *FileService) readStdin(args [trm.ArgumentWords]uint32) ([trm.ArgumentWords]uint32,
	error) {
	s.mu.Lock()
	in := s.stdin
	s.mu.Unlock()
	if in == nil {
		return status(trm.UnknownError), errors.New("no console input")
	}
	if args[2] > maxTransfer {
		return status(trm.UnknownError), trm.InvalidArgument
	}
	buf := make([]byte, args[2])
	n, err := in.read(buf, args[0] != 0)
	if err != nil && n == 0 {
		return status(trm.UnknownError), err
	}
	if err := s.mem.Write(target.Address(args[1]), buf[:n]); err != nil {
		return status(trm.UnknownError), err
	}
	return [trm.ArgumentWords]uint32{uint32(n)}, nil
}

// collectMetrics adds the request counters to sum.
func (s *FileService) collectMetrics(sum metrics.Summary) {
	ok, failed := s.requests.Load()
	sum.Add(metrics.IDTRMRequests,
		metrics.MetricValue(ok+failed-s.reportedOK-s.reportedFailed))
	sum.Add(metrics.IDTRMRequestErrors, metrics.MetricValue(failed-s.reportedFailed))
	s.reportedOK, s.reportedFailed = ok, failed
	sum.Add(metrics.IDWriteBurstBytes, metrics.MetricValue(s.burstBytes.Swap(0)))
}

// stdinBuffer collects console input in the background so that requests can be answered
// without blocking.
type stdinBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	err  error
}

func newStdinBuffer(r io.Reader) *stdinBuffer {
	b := &stdinBuffer{}
	b.cond = sync.NewCond(&b.mu)
	go func() {
		chunk := make([]byte, 256)
		for {
			n, err := r.Read(chunk)
			b.mu.Lock()
			b.buf = append(b.buf, chunk[:n]...)
			if err != nil {
				b.err = err
			}
			b.cond.Broadcast()
			b.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return b
}

func (b *stdinBuffer) read(p []byte, blocking bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for blocking && len(b.buf) == 0 && b.err == nil {
		b.cond.Wait()
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	if n == 0 && b.err != nil {
		return 0, b.err
	}
	return n, nil
}
