// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// mcu-profiler runs an instrumented firmware workload on a simulated Cortex-M target and
// collects its profiling channels through the fast semihosting ring.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/mcu-profiler/internal/controller"
	"go.opentelemetry.io/mcu-profiler/vc"
)

// Short copyright / license text
var copyright = `Copyright The OpenTelemetry Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0
`

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Copyright {
		fmt.Print(copyright)
		return exitSuccess
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.String())
		return exitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("%v", err)
	}

	// Context to drive main goroutine and the simulation.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	log.Infof("Starting MCU profiler %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	ctlr := controller.New(cfg, controller.WithStdin(os.Stdin))
	err = ctlr.Start(mainCtx)
	if err == nil {
		err = ctlr.Wait()
	}
	if shutdownErr := ctlr.Shutdown(); shutdownErr != nil {
		log.Errorf("Failed to store the results: %v", shutdownErr)
		if err == nil {
			err = shutdownErr
		}
	}
	if err != nil {
		return failure(err)
	}

	log.Info("Exiting ...")
	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(err error) exitCode {
	var codeErr controller.ErrorWithExitCode
	if errors.As(err, &codeErr) {
		log.Error(codeErr.Error())
		return exitCode(codeErr.Code())
	}
	log.Errorf("Simulation failed: %v", err)
	return exitFailure
}
