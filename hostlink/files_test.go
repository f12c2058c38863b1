// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/mcu-profiler/trm"
)

func TestPortionedWriteAndSeek(t *testing.T) {
	h := newHarness(t, 4096)
	f, err := h.client.CreateFile("portioned.bin", trm.CreateOrTruncateReadWrite)
	require.NoError(t, err)
	defer f.Close()

	rng := rand.New(rand.NewPCG(123, 0))
	contents := make([]byte, 4096)
	for i := range contents {
		contents[i] = byte(rng.Uint32())
	}
	for done := 0; done < len(contents); {
		todo := min(rng.IntN(128), len(contents)-done)
		n, err := f.Write(contents[done : done+todo])
		require.NoError(t, err)
		require.Equal(t, todo, n)
		done += todo
	}

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(contents)), size)

	pos, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)
	readBack := make([]byte, len(contents))
	n, err := f.Read(readBack)
	require.NoError(t, err)
	require.Equal(t, len(contents), n)
	assert.Equal(t, contents, readBack)

	for _, tc := range []struct {
		offset int64
		whence int
		pos    int64
	}{
		{0, io.SeekCurrent, 4096},
		{-123, io.SeekCurrent, 3973},
		{-123, io.SeekEnd, 3973},
		{-100, io.SeekCurrent, 3873},
		{128, io.SeekStart, 128},
	} {
		pos, err := f.Seek(tc.offset, tc.whence)
		require.NoError(t, err)
		assert.Equal(t, tc.pos, pos)
	}

	require.NoError(t, f.Truncate())
	pos, err = f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(128), pos)
	n, err = f.Read(readBack)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	onDisk, err := os.ReadFile(filepath.Join(h.dir, "portioned.bin"))
	require.NoError(t, err)
	assert.Equal(t, contents[:128], onDisk)
}

func TestFileModes(t *testing.T) {
	h := newHarness(t, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "existing.txt"), []byte("abc"), 0o644))

	_, err := h.client.CreateFile("missing.txt", trm.OpenReadOnly)
	require.ErrorIs(t, err, trm.UnknownError)

	f, err := h.client.CreateFile("existing.txt", trm.CreateOrAppendWriteOnly)
	require.NoError(t, err)
	_, err = f.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = h.client.CreateFile("existing.txt", trm.OpenReadOnly)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(buf[:n]))
	_, err = f.Write([]byte("x"))
	require.ErrorIs(t, err, trm.UnknownError)
	require.NoError(t, f.Close())

	f, err = h.client.CreateFile("existing.txt", trm.CreateOrTruncateWriteOnly)
	require.NoError(t, err)
	size, err := f.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
	require.NoError(t, f.Close())
}

func TestTruncateAndCloseReportHostErrors(t *testing.T) {
	h := newHarness(t, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "existing.txt"), []byte("abc"), 0o644))

	f, err := h.client.CreateFile("existing.txt", trm.OpenReadOnly)
	require.NoError(t, err)
	require.ErrorIs(t, f.Truncate(), trm.UnknownError)
	require.NoError(t, f.Close())
	require.ErrorIs(t, f.Close(), trm.InvalidArgument)
	require.ErrorIs(t, f.Truncate(), trm.UnknownError)

	content, err := os.ReadFile(filepath.Join(h.dir, "existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestDirectories(t *testing.T) {
	h := newHarness(t, 1024)
	c := h.client

	require.NoError(t, c.CreateDirectory("DeleteTest"))
	require.Error(t, c.CreateDirectory("DeleteTest"))
	require.NoError(t, c.CreateDirectory("DeleteTest/sub"))
	for _, name := range []string{"DeleteTest/a.txt", `DeleteTest\sub\b.txt`} {
		f, err := c.CreateFile(name, trm.CreateOrTruncateWriteOnly)
		require.NoError(t, err)
		_, err = f.Write([]byte(name))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	assert.FileExists(t, filepath.Join(h.dir, "DeleteTest", "sub", "b.txt"))

	require.Error(t, c.DeleteFile("DeleteTest/sub"))
	require.Error(t, c.DeleteDirectory("DeleteTest/a.txt", false))
	require.Error(t, c.DeleteDirectory("DeleteTest", false))
	require.NoError(t, c.DeleteFile("DeleteTest/a.txt"))
	require.Error(t, c.DeleteFile("DeleteTest/a.txt"))
	require.NoError(t, c.DeleteDirectory("DeleteTest", true))
	assert.NoDirExists(t, filepath.Join(h.dir, "DeleteTest"))
}

func TestRejectsPathsOutsideResourceDir(t *testing.T) {
	h := newHarness(t, 1024)
	for _, name := range []string{"../escape.txt", "/etc/passwd", `..\escape.txt`, ""} {
		t.Run(name, func(t *testing.T) {
			_, err := h.client.CreateFile(name, trm.CreateOrTruncateWriteOnly)
			require.Error(t, err)
			if name != "" {
				assert.ErrorIs(t, h.client.DeleteFile(name), trm.InvalidArgument)
			}
		})
	}
	assert.NoFileExists(t, filepath.Join(filepath.Dir(h.dir), "escape.txt"))
}

// blockPattern fills a file with 32-bit words that encode their block and index.
func blockPattern(blocks, wordsPerBlock int) []byte {
	b := make([]byte, 0, 4*blocks*wordsPerBlock)
	for block := range blocks {
		for i := range wordsPerBlock {
			b = binary.LittleEndian.AppendUint32(b, uint32(block<<16|i))
		}
	}
	return b
}

func TestReadBurst(t *testing.T) {
	h := newHarness(t, 1024)
	contents := blockPattern(16, 256)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "burst.bin"), contents, 0o644))

	f, err := h.client.CreateFile("burst.bin", trm.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.BeginReadBurst(trm.MinReadBurstBufferSize - 1)
	require.ErrorIs(t, err, trm.InvalidArgument)

	burst, err := f.BeginReadBurst(1000)
	require.NoError(t, err)

	// Plain reads are refused while the burst owns the file position.
	_, err = f.Read(make([]byte, 4))
	require.ErrorIs(t, err, trm.UnknownError)

	rng := rand.New(rand.NewPCG(7, 0))
	var got []byte
	for {
		buf := make([]byte, 1+rng.IntN(700))
		n, err := burst.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, contents, got)
	assert.Nil(t, burst.Next(false))
	require.NoError(t, burst.End())
	require.ErrorIs(t, burst.End(), trm.InvalidArgument)
}

func TestReadBurstZeroCopy(t *testing.T) {
	h := newHarness(t, 1024)
	contents := blockPattern(4, 100)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "burst.bin"), contents, 0o644))
	f, err := h.client.CreateFile("burst.bin", trm.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()

	burst, err := f.BeginReadBurst(64)
	require.NoError(t, err)
	defer burst.End()

	var got []byte
	for chunk := burst.Next(true); chunk != nil; chunk = burst.Next(true) {
		assert.LessOrEqual(t, len(chunk), 64)
		got = append(got, chunk...)
		require.NoError(t, burst.Release(chunk))
	}
	assert.Equal(t, contents, got)
	assert.ErrorIs(t, burst.Release(make([]byte, 1)), trm.InvalidArgument)
}

func TestWriteBurst(t *testing.T) {
	h := newHarness(t, 512)
	contents := blockPattern(16, 256)

	f, err := h.client.CreateFile("burst.bin", trm.CreateOrTruncateReadWrite)
	require.NoError(t, err)
	defer f.Close()

	burst, err := f.BeginWriteBurst()
	require.NoError(t, err)
	assert.Equal(t, f.Handle(), burst.Handle())
	for done := 0; done < len(contents); done += 1024 {
		n, err := burst.Write(contents[done : done+1024])
		require.NoError(t, err)
		require.Equal(t, 1024, n)
	}
	require.NoError(t, burst.End())
	require.ErrorIs(t, burst.End(), trm.InvalidArgument)

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	readBack := make([]byte, len(contents))
	n, err := f.Read(readBack)
	require.NoError(t, err)
	require.Equal(t, len(contents), n)
	assert.Equal(t, contents, readBack)

	h.host.ReportMetrics()
	assert.Zero(t, h.host.Files.burstBytes.Load())
}

func TestHostSystemTime(t *testing.T) {
	h := newHarness(t, 1024)
	now := time.Date(2024, 5, 17, 12, 30, 15, 123456700, time.UTC)
	h.host.Files.now = func() time.Time { return now }
	assert.Equal(t, now, h.client.HostSystemTime())
}

func TestReadStdin(t *testing.T) {
	h := newHarness(t, 1024)
	buf := make([]byte, 16)
	_, err := h.client.ReadStdin(buf, false)
	require.ErrorIs(t, err, trm.UnknownError)

	h.host.Files.SetStdin(strings.NewReader("hello"))
	var got []byte
	for len(got) < 5 {
		n, err := h.client.ReadStdin(buf, true)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "hello", string(got))
}

func TestDetachedClient(t *testing.T) {
	h := newHarness(t, 1024)
	h.host.Debugger.Detach()
	c := h.client

	f, err := c.CreateFile("detached.txt", trm.CreateOrTruncateWriteOnly)
	require.NoError(t, err)
	n, err := f.Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = f.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF)

	burst, err := f.BeginReadBurst(16)
	require.NoError(t, err)
	assert.Nil(t, burst.Next(true))
	require.NoError(t, burst.End())

	assert.True(t, c.HostSystemTime().IsZero())
	require.NoError(t, c.CreateDirectory("dir"))
	require.NoError(t, f.Close())
	assert.NoFileExists(t, filepath.Join(h.dir, "detached.txt"))
	assert.False(t, h.host.Files.Initialized())
}

func TestUnknownRequestRecord(t *testing.T) {
	h := newHarness(t, 1024)
	var rec [12]byte
	binary.LittleEndian.PutUint32(rec[:], 0xdead)
	n, err := h.host.Files.Write(rec[:])
	assert.Equal(t, len(rec), n)
	require.Error(t, err)

	// Split records are reassembled.
	binary.LittleEndian.PutUint32(rec[0:], uint32(trm.RequestWriteBurstData))
	binary.LittleEndian.PutUint32(rec[4:], 99)
	binary.LittleEndian.PutUint32(rec[8:], 3)
	_, err = h.host.Files.Write(rec[:5])
	require.NoError(t, err)
	_, err = h.host.Files.Write(append(rec[5:], 1, 2, 3))
	require.NoError(t, err)
	assert.Empty(t, h.host.Files.pending)
	assert.Zero(t, h.host.Files.burstLeft)
}
