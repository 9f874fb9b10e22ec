package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// Safe wraps fn for errgroup-style runners: a panic is logged and returned as an error.
func Safe(logger PanicLogger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, name, r)
				err = fmt.Errorf("goroutine %s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

func logPanic(logger PanicLogger, name string, r any) {
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
