// Package fault is the single failure path for the module.
//
// Two kinds of failure flow through here:
//
//   - Contract violations (illegal state transitions, mapping a non-mappable
//     allocation, submitting an unfinished command buffer). They are logged as
//     assertion failures. In debug mode they terminate; in release mode the
//     caller gets an error back and continues with a best-effort no-op.
//   - Unrecoverable failures (device lost, out of device memory, render
//     command arena overflow). They are logged with context and always
//     terminate.
//
// Termination goes through a replaceable [Handler]. The default handler
// panics with the error. Tests install a recording handler that returns, in
// which case the caller falls back to its error path.
//
// Thread Safety: all functions are safe for concurrent use.
package fault

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Handler terminates the process (or the test) after a fatal failure.
type Handler func(err error)

var (
	debugMode  atomic.Bool
	handlerPtr atomic.Pointer[Handler]
)

func init() {
	debugMode.Store(true)
}

func panicHandler(err error) { panic(err) }

// SetDebug switches contract violations between fatal (debug) and
// log-and-continue (release). Debug is the default.
func SetDebug(on bool) { debugMode.Store(on) }

// Debug reports whether contract violations are fatal.
func Debug() bool { return debugMode.Load() }

// SetHandler replaces the terminal handler and returns the previous one.
// Passing nil restores the default panicking handler.
func SetHandler(h Handler) Handler {
	var prev Handler
	if h == nil {
		p := handlerPtr.Swap(nil)
		if p != nil {
			prev = *p
		}
	} else {
		p := handlerPtr.Swap(&h)
		if p != nil {
			prev = *p
		}
	}
	if prev == nil {
		prev = panicHandler
	}
	return prev
}

func terminate(err error) {
	if p := handlerPtr.Load(); p != nil {
		(*p)(err)
		return
	}
	panicHandler(err)
}

// Violation records a contract violation and returns it as an error marked
// with sentinel, so callers can match it with errors.Is.
func Violation(sentinel error, format string, args ...any) error {
	err := errors.AssertionFailedWithDepthf(1, format, args...)
	if sentinel != nil {
		err = errors.Mark(err, sentinel)
	}
	slogger().Error("contract violation", "err", err)
	if debugMode.Load() {
		terminate(err)
	}
	return err
}

// Assert records a contract violation when cond is false and reports cond.
func Assert(cond bool, format string, args ...any) bool {
	if cond {
		return true
	}
	err := errors.AssertionFailedWithDepthf(1, format, args...)
	slogger().Error("contract violation", "err", err)
	if debugMode.Load() {
		terminate(err)
	}
	return false
}

// Fatal logs err with msg and the given attributes and terminates. It
// returns the wrapped error only when a non-terminating handler is installed.
func Fatal(err error, msg string, attrs ...any) error {
	if err == nil {
		err = errors.New(msg)
	} else {
		err = errors.Wrap(err, msg)
	}
	slogger().Error(msg, append(attrs, "err", err)...)
	terminate(err)
	return err
}

// IsViolation reports whether err, or any error it wraps, came from
// Violation or Assert.
func IsViolation(err error) bool { return errors.HasAssertionFailure(err) }
