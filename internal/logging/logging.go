// Package logging is a small debug-gated wrapper around the standard
// logger, matching the "if c.debug { log.Printf(...) }" pattern used
// throughout the broker client this module's transports are grounded on.
package logging

import "log"

// Logger gates Debug output behind a boolean while always emitting Error
// output, so production deployments can silence per-frame tracing without
// losing failure visibility.
type Logger struct {
	prefix string
	debug  bool
}

// New returns a Logger that tags every line with prefix.
func New(prefix string, debug bool) *Logger {
	return &Logger{prefix: prefix, debug: debug}
}

// Debugf logs only when debug mode is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.debug {
		return
	}
	log.Printf("["+l.prefix+"] "+format, args...)
}

// Errorf always logs, regardless of debug mode.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		log.Printf(format, args...)
		return
	}
	log.Printf("["+l.prefix+"] "+format, args...)
}
