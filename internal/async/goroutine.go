// Package async runs background goroutines that must not take the process
// down when they panic.
package async

import "runtime/debug"

// PanicLogger receives panic reports.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine. A panic is logged with its stack and
// swallowed.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover must be deferred directly. It reports whether a panic was caught.
func Recover(logger PanicLogger, name string) bool {
	r := recover()
	if r == nil {
		return false
	}
	if logger != nil {
		if name == "" {
			name = "anonymous"
		}
		logger.Error("goroutine %s panicked: %v\n%s", name, r, debug.Stack())
	}
	return true
}
