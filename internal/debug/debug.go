// Package debug holds the process-wide flag gating per-callback tracing of
// the signing module.
package debug

import (
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	// Tests construct engines without going through main.
	InitFromEnv()
}

// Enabled reports whether callback tracing is on.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled turns callback tracing on or off.
func SetEnabled(value bool) {
	enabled.Store(value)
}

// InitFromEnv enables tracing when SIGNGW_DEBUG=true or SIGNGW_LOG_LEVEL=debug.
func InitFromEnv() {
	SetEnabled(os.Getenv("SIGNGW_DEBUG") == "true" || os.Getenv("SIGNGW_LOG_LEVEL") == "debug")
}

// InitFromConfig applies the configured log level and emulator verbosity,
// unless the environment already decided.
func InitFromConfig(logLevel string, verbose bool) {
	if os.Getenv("SIGNGW_DEBUG") != "" || os.Getenv("SIGNGW_LOG_LEVEL") != "" {
		return
	}
	SetEnabled(verbose || logLevel == "debug")
}
