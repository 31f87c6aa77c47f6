// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and a given io.PipeWriter.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// SubLoggerGenerator creates a logger for the given subsystem tag.
type SubLoggerGenerator func(string) btclog.Logger

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. Packages call this from init with a nil generator so that
// they stay silent until the daemon hands them a real logger through
// UseLogger.
func NewSubLogger(subsystem string,
	genSubLogger SubLoggerGenerator) btclog.Logger {

	switch Deployment {

	// Production builds only log through the daemon's shared backend.
	case Production:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	// Development builds are either the daemon running against a test
	// network or a unit test binary.
	case Development:
		switch LoggingType {
		case LogTypeDefault:
			if genSubLogger != nil {
				return genSubLogger(subsystem)
			}

		// Unit tests log straight to stdout at the level chosen by
		// build tags.
		case LogTypeStdOut:
			backend := btclog.NewBackend(os.Stdout)
			logger := backend.Logger(subsystem)

			level, _ := btclog.LevelFromString(LogLevel)
			logger.SetLevel(level)

			return logger
		}
	}

	return btclog.Disabled
}
