package async

import "runtime/debug"

// PanicLogger is the slice of a logger that panic recovery needs. It is an
// interface here so this package never imports the logging package.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go spawns fn on its own goroutine with the same panic guard the pool
// workers use. name tags the log line; an empty name is allowed.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover turns a panic into an error log with the stack attached. It must
// run deferred; a nil logger swallows the report but still stops the
// unwind.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	label := ""
	if name != "" {
		label = " [" + name + "]"
	}
	logger.Error("goroutine panic%s: %v, stack: %s", label, r, debug.Stack())
}
