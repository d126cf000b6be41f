// Package failure classifies the ways a harness run can stop.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindTransport
	KindTimeout
	KindMismatch
	KindOracleUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindMismatch:
		return "mismatch"
	case KindOracleUnavailable:
		return "oracle_unavailable"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the kind alone.
var (
	ErrConfig            = &Error{Kind: KindConfig}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrMismatch          = &Error{Kind: KindMismatch}
	ErrOracleUnavailable = &Error{Kind: KindOracleUnavailable}
)

// Error is the typed failure surfaced by every harness component.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Expected string
	Actual   string
	// Tail holds the most recent transcript lines when the failure came from a poll.
	Tail []string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %q, got %q)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Tail) > 0 {
		b.WriteString("\nrecent messages:\n")
		b.WriteString(strings.Join(e.Tail, "\n"))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind so errors.Is(err, ErrTimeout) works on any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func Config(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Timeout(op, msg string, tail []string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: msg, Tail: tail}
}

// Mismatch reports an observed value that differs from the expected one.
func Mismatch(op, msg, expected, actual string) *Error {
	return &Error{Kind: KindMismatch, Op: op, Msg: msg, Expected: expected, Actual: actual}
}

func OracleUnavailable(op string, err error) *Error {
	return &Error{Kind: KindOracleUnavailable, Op: op, Err: err}
}

// KindOf returns the kind of the first failure.Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// As extracts the first failure.Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
