//go:build nolog
// +build nolog

package build

// LogLevel disables every subsystem logger.
var LogLevel = "none"

// LoggingType is the logger kind of builds without logging.
const LoggingType = LogTypeNone
