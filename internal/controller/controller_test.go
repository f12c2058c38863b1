// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/mcu-profiler/config"
	"go.opentelemetry.io/mcu-profiler/hostlink"
	"go.opentelemetry.io/mcu-profiler/instrumenting"
	"go.opentelemetry.io/mcu-profiler/semihosting"
	"go.opentelemetry.io/mcu-profiler/target"
	"go.opentelemetry.io/mcu-profiler/times"
)

func testConfig(t *testing.T) *Config {
	dir := t.TempDir()
	return &Config{
		Config:          config.Default(),
		Duration:        200 * time.Millisecond,
		MetricsInterval: 50 * time.Millisecond,
		TicksPerSecond:  48000000,
		ResourceDir:     dir,
		ProfileFile:     filepath.Join(dir, "profile.pb.gz"),
		CaptureFile:     filepath.Join(dir, "capture.zst"),
	}
}

func TestControllerRun(t *testing.T) {
	for name, tc := range map[string]struct {
		threads int
		flags   instrumenting.RTOSFlags
	}{
		"bare metal": {},
		"rtos": {
			threads: 3,
			flags:   instrumenting.AllRTOSFlags,
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Threads = tc.threads
			cfg.RTOSFlags = tc.flags
			cfg.SamplingRate = 1000
			require.NoError(t, cfg.Validate())

			ctlr := New(cfg, WithStdin(strings.NewReader("")))
			require.NoError(t, ctlr.Start(t.Context()))
			require.NoError(t, ctlr.Wait())
			require.NoError(t, ctlr.Shutdown())

			session, err := os.ReadFile(filepath.Join(cfg.ResourceDir, sessionLogName))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(string(session), "session started at "))

			summary, err := os.ReadFile(filepath.Join(cfg.ResourceDir, summaryName))
			require.NoError(t, err)
			assert.Contains(t, string(summary), "iterations ")

			f, err := os.Open(cfg.ProfileFile)
			require.NoError(t, err)
			defer f.Close()
			prof, err := profile.Parse(f)
			require.NoError(t, err)
			require.NotEmpty(t, prof.Sample)
			names := make(map[string]bool)
			for _, fn := range prof.Function {
				names[fn.Name] = true
			}
			assert.True(t, names["crc32_update"], "functions: %v", names)

			c, err := os.Open(cfg.CaptureFile)
			require.NoError(t, err)
			defer c.Close()
			channels := make(map[semihosting.Channel]int)
			_, err = hostlink.ReadCapture(c, func(seg semihosting.Segment) error {
				channels[seg.Channel] += len(seg.Data)
				return nil
			})
			require.NoError(t, err)
			assert.NotZero(t, channels[semihosting.ChannelInstrumentation])
			assert.NotZero(t, channels[semihosting.ChannelRealTimeAnalysis])
			assert.NotZero(t, channels[semihosting.ChannelResourceManagement])
		})
	}
}

func TestControllerCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Duration = 0
	cfg.CaptureFile = ""

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	ctlr := New(cfg)
	require.NoError(t, ctlr.Start(ctx))
	time.AfterFunc(50*time.Millisecond, cancel)
	require.NoError(t, ctlr.Wait())
	require.NoError(t, ctlr.Shutdown())
	assert.FileExists(t, cfg.ProfileFile)
}

func TestSimulatorStopsOnUnmappedStack(t *testing.T) {
	cfg := testConfig(t)
	s, err := newSimulator(cfg, target.NewSpace(sharedMemoryBase), target.Detached{},
		times.New(cfg.PollInterval, cfg.MetricsInterval, 0, cfg.SamplingRate))
	require.NoError(t, err)

	// Code memory is not mapped, so the frame cannot be stored.
	s.call(s.prog.main, codeBase, startupReturn, false)
	require.ErrorIs(t, s.fault, target.ErrOutOfRange)
	assert.Zero(t, s.instr.Depth())

	var codeErr ErrorWithExitCode
	require.ErrorAs(t, s.faultError(), &codeErr)
	assert.Equal(t, faultExitCode, codeErr.Code())
	assert.ErrorIs(t, codeErr, target.ErrOutOfRange)
}

func TestWaitBeforeStart(t *testing.T) {
	assert.Error(t, New(testConfig(t)).Wait())
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		modify  func(*Config)
		wantErr bool
	}{
		"defaults":          {modify: func(*Config) {}},
		"negative duration": {modify: func(c *Config) { c.Duration = -1 }, wantErr: true},
		"no metrics":        {modify: func(c *Config) { c.MetricsInterval = 0 }, wantErr: true},
		"slow counter":      {modify: func(c *Config) { c.TicksPerSecond = 10 }, wantErr: true},
		"too many threads": {
			modify:  func(c *Config) { c.Threads = maxSimulatedThreads + 1 },
			wantErr: true,
		},
		"thread table too small": {
			modify:  func(c *Config) { c.Threads, c.MaxThreads = 4, 2 },
			wantErr: true,
		},
		"no resource dir": {modify: func(c *Config) { c.ResourceDir = "" }, wantErr: true},
		"invalid ring":    {modify: func(c *Config) { c.BufferSize = 1 }, wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.modify(cfg)
			if tc.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestStackCacheSize(t *testing.T) {
	assert.Equal(t, uint32(4096), StackCacheSize(10*time.Millisecond, 100))
	assert.Equal(t, uint32(65536), StackCacheSize(time.Second, 1000))
	assert.Equal(t, uint32(1<<20), StackCacheSize(time.Minute, 100000))
}

func TestSymbolize(t *testing.T) {
	p := newProgram()
	for _, fn := range p.functions {
		assert.Equal(t, fn.name, p.symbolize(fn.addr))
		assert.Equal(t, fn.name, p.symbolize(fn.addr+functionSize-1))
	}
	assert.Equal(t, "Reset_Handler", p.symbolize(startupReturn))
	assert.Empty(t, p.symbolize(codeBase+codeSize))
	assert.Equal(t, uint32(4*frameSize), p.main.stackUsage())
}

func TestThreads(t *testing.T) {
	p := newProgram()
	threads := p.threads(3)
	require.Len(t, threads, 3)
	assert.Equal(t, "sensor_task1", threads[0].name)
	assert.Equal(t, "comm_task2", threads[1].name)
	for i, th := range threads {
		assert.Equal(t, uint32(i+1), th.handle)
		assert.Equal(t, th.stackTop-threadStackSize, th.stackLimit)
		assert.GreaterOrEqual(t, th.stackLimit, ramBase)
	}
}
