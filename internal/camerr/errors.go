// Package camerr defines the error taxonomy shared by the orchestrator,
// protocol handlers, scan engine and persistence layers. Callers match on
// Kind rather than concrete types.
package camerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies a failure independently of the operation that produced it.
type Kind string

const (
	Auth         Kind = "Auth"         // credentials missing, rejected, or digest failure
	Unreachable  Kind = "Unreachable"  // transport could not be established
	Timeout      Kind = "Timeout"      // deadline exceeded
	Protocol     Kind = "Protocol"     // peer responded but violated the protocol
	NotConnected Kind = "NotConnected" // operation required an established session
	Validation   Kind = "Validation"   // input failed validation
	Storage      Kind = "Storage"      // DB or filesystem failure
	Cancelled    Kind = "Cancelled"    // cooperative cancellation
)

// Error wraps a failure with its kind and the operation that hit it.
// The rendered string keeps the kind visible so batch error maps and
// attempt records stay greppable.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// KindOf extracts the kind from any error in the chain. Context and net
// errors that were not wrapped explicitly are still classified so retry
// policy and attempt records see a stable kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return Unreachable
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Terminal reports whether the kind is fatal to the requested operation,
// i.e. retrying with the same input cannot succeed.
func Terminal(kind Kind) bool {
	return kind == Auth || kind == Validation || kind == Cancelled
}
