// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumenting // import "go.opentelemetry.io/mcu-profiler/instrumenting"

import (
	"fmt"
	"strings"
)

var rtosFlagNames = []struct {
	flag RTOSFlags
	name string
}{
	{ProfileFunctionCalls, "calls"},
	{RecordFunctionTiming, "timing"},
	{VerifyFunctionStacks, "stacks"},
	{ReportThreadCreation, "creation"},
	{ReportThreadTimes, "times"},
}

// String returns a comma-separated list of the set flags.
func (f RTOSFlags) String() string {
	var names []string
	for _, fn := range rtosFlagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if rest := f &^ AllRTOSFlags; rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, ",")
}

// ParseRTOSFlags parses 'all', 'none' or any comma-delimited combination of the names
// returned by RTOSFlags.String.
func ParseRTOSFlags(s string) (RTOSFlags, error) {
	var result RTOSFlags
	for name := range strings.SplitSeq(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "", "none":
			continue
		case "all":
			result |= AllRTOSFlags
			continue
		}
		found := false
		for _, fn := range rtosFlagNames {
			if fn.name == name {
				result |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return result, fmt.Errorf("unknown RTOS flag: %s", name)
		}
	}
	return result, nil
}
