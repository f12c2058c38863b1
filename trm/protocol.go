// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trm // import "go.opentelemetry.io/mcu-profiler/trm"

import "fmt"

// Request is a non-blocking request queued on the resource management channel.
type Request uint32

const (
	// RequestInitialize carries the addresses of the init flag and the command block.
	RequestInitialize Request = iota
	// RequestWriteBurstData is followed by the burst handle, the data size and the data.
	RequestWriteBurstData
)

// Command is a blocking request placed in the command block.
type Command uint32

const (
	CommandInvalid Command = iota
	CommandGetSystemTime
	CommandCreateFile
	CommandCloseFile
	CommandReadFile
	CommandWriteFile
	CommandGetFileSize
	CommandSeekFile
	CommandDeleteFile
	CommandTruncateFile
	CommandCreateDirectory
	CommandDeleteDirectory
	CommandBeginCachedRead
	CommandEndCachedRead
	CommandBeginCachedWrite
	CommandEndCachedWrite
	CommandReadStdin
)

var commandNames = [...]string{
	"Invalid", "GetSystemTime", "CreateFile", "CloseFile", "ReadFile", "WriteFile",
	"GetFileSize", "SeekFile", "DeleteFile", "TruncateFile", "CreateDirectory",
	"DeleteDirectory", "BeginCachedRead", "EndCachedRead", "BeginCachedWrite",
	"EndCachedWrite", "ReadStdin",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// Command block layout: the command word followed by three argument words.
const (
	CommandWord   = 0
	ArgumentWords = 3
	BlockWords    = CommandWord + 1 + ArgumentWords
)

// FileMode selects how CreateFile opens a file on the host.
type FileMode uint32

const (
	// CreateOrTruncateWriteOnly creates the file or truncates an existing one.
	CreateOrTruncateWriteOnly FileMode = iota
	// CreateOrAppendWriteOnly creates the file or opens it positioned at its end.
	CreateOrAppendWriteOnly
	// OpenReadOnly opens an existing file. Opening a missing file fails.
	OpenReadOnly
	// CreateOrOpenReadWrite opens the file for reading and writing, creating it if needed.
	CreateOrOpenReadWrite
	// CreateOrTruncateReadWrite creates the file or truncates an existing one.
	CreateOrTruncateReadWrite
)

// ErrorCode is the result of TRM calls that do not return data.
type ErrorCode int32

const (
	Success         ErrorCode = 0
	UnknownError    ErrorCode = -1
	InvalidArgument ErrorCode = -2
)

func (e ErrorCode) Error() string {
	switch e {
	case Success:
		return "success"
	case UnknownError:
		return "unknown host error"
	case InvalidArgument:
		return "invalid argument"
	}
	return fmt.Sprintf("TRM error %d", int32(e))
}

// Err converts the code into an error that is nil on success.
func (e ErrorCode) Err() error {
	if e == Success {
		return nil
	}
	return e
}

// Read burst work area layout. The host fills the data area behind the header and advances
// the write offset, the target consumes and advances the read offset.
const (
	BurstReadOffsetWord  = 0
	BurstWriteOffsetWord = 1
	BurstBufferSizeWord  = 2
	BurstHeaderWords     = 3

	// BurstGenerationFlag toggles every time an offset wraps around.
	BurstGenerationFlag = 0x80000000
	// BurstEOFFlag is set by the host in the write offset once the file is exhausted.
	BurstEOFFlag = 0x40000000
	// BurstOffsetMask extracts the offset from a flagged offset word.
	BurstOffsetMask = 0x3FFFFFFF
)

// Seek origins accepted by the host, matching io.SeekStart, io.SeekCurrent and io.SeekEnd.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// FileTimeEpochOffset is the number of 100ns intervals between 1601-01-01 and 1970-01-01.
const FileTimeEpochOffset = 116444736000000000
