// Package tsbuild is the distributed timeslice-building core: input-side
// channel senders and compute-side timeslice buffer managers that move
// microslice data over a flow-controlled, zero-copy, remote-memory-write
// fabric and hand completed timeslices to local processor processes.
package tsbuild

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code categorizes a *Error by the eight error kinds of spec.md §7.
type Code string

const (
	// CodeConfig: bad ranges or missing endpoints, caught before network setup.
	CodeConfig Code = "config"
	// CodeFabric: connection resolve/QP/MR-registration/listen/accept failure.
	CodeFabric Code = "fabric setup"
	// CodeCompletion: a polled completion carried a non-success status.
	CodeCompletion Code = "work completion"
	// CodeRejected: peer rejected the connect attempt; recoverable by retry.
	CodeRejected Code = "connect rejected"
	// CodeDisconnected: peer disconnected after establishment; fatal.
	CodeDisconnected Code = "peer disconnected"
	// CodeAborted: cooperative shutdown via SIGINT/SIGTERM.
	CodeAborted Code = "aborted"
	// CodeProcessorDied: a processor child process exited unexpectedly.
	CodeProcessorDied Code = "processor died"
	// CodeInvariant: an assertion violation — ring overrun, bad TS index,
	// negative credit. The protocol is designed so these cannot happen if
	// both peers are correct; fatal, abort immediately.
	CodeInvariant Code = "invariant violation"
)

// Error is a structured error carrying the failing operation, the
// connection group it belongs to, and the high-level Code, following the
// propagation rule of spec.md §7: a connection group's error terminates
// that group and is surfaced to the top-level join.
type Error struct {
	Op    string // e.g. "resolve_addr", "send_component", "inc_ack"
	Input int    // input index, -1 if not applicable
	Compute int  // compute index, -1 if not applicable
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("op=%s", e.Op)}
	if e.Input >= 0 {
		parts = append(parts, fmt.Sprintf("input=%d", e.Input))
	}
	if e.Compute >= 0 {
		parts = append(parts, fmt.Sprintf("compute=%d", e.Compute))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	return fmt.Sprintf("tsbuild: %s (%s)", msg, strings.Join(parts, " "))
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates an *Error not tied to a particular connection.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Input: -1, Compute: -1, Code: code, Msg: msg}
}

// NewConn creates an *Error tied to one (input, compute) connection.
func NewConn(op string, input, compute int, code Code, msg string) *Error {
	return &Error{Op: op, Input: input, Compute: compute, Code: code, Msg: msg}
}

// Wrap wraps inner under op with code, using inner's text as the message.
// If inner is already an *Error, its Code, Input, Compute and Msg are kept
// and code is ignored.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if te, ok := inner.(*Error); ok {
		return &Error{Op: op, Input: te.Input, Compute: te.Compute, Code: te.Code, Msg: te.Msg, Inner: te.Inner}
	}
	msg := inner.Error()
	if errno, ok := inner.(syscall.Errno); ok {
		msg = errno.Error()
	}
	return &Error{Op: op, Input: -1, Compute: -1, Code: code, Msg: msg, Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries code.
func IsCode(err error, code Code) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// Recoverable reports whether err represents a condition spec.md §4.2/§7
// says to retry (currently only CodeRejected) rather than treat as fatal.
func Recoverable(err error) bool {
	return IsCode(err, CodeRejected)
}
