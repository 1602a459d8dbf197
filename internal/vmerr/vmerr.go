// Package vmerr implements the core's error taxonomy (§7): load errors and
// bounds violations are fatal (see IsFatal), everything else is a logged,
// best-effort-recoverable condition the dispatch loop turns into Nil or
// Err(...) rather than throwing across frames.
package vmerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way §7 does, so callers can decide whether
// it is fatal (reject the program / abort execution) or recoverable
// (continue with a Nil/Err(...) result).
type Kind string

const (
	KindLoad        Kind = "load"        // codec: bad magic, version mismatch, corrupt tag
	KindBounds      Kind = "bounds"      // array/string index violation — fatal assertion
	KindHeap        Kind = "heap"        // double free, dangling id, negative refcount
	KindDispatch    Kind = "dispatch"    // host/CFFI/builtin not found — recoverable
	KindDestructor  Kind = "destructor"  // destructor panic/error — logged, cleanup proceeds
	KindCoroutine   Kind = "coroutine"   // resume-completed, yield-outside-coroutine
)

// Error wraps a Kind with a stack-captured cause via pkg/errors, so a
// fatal error printed at the CLI boundary carries a trace back to the
// opcode or codec step that raised it.
type Error struct {
	Kind Kind
	Op   string // opcode name, codec section, or call-protocol stage
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a vmerr.Error with a captured stack trace.
func New(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap attaches kind/op to an existing error, always capturing a stack
// trace at the wrap site.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// IsFatal reports whether a Kind must abort the program per §7 (load
// errors and bounds violations), as opposed to surfacing as Nil/Err(...)
// and letting execution continue.
func IsFatal(kind Kind) bool {
	switch kind {
	case KindLoad, KindBounds:
		return true
	default:
		return false
	}
}
