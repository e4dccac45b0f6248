// Package errcode defines stable error identifiers shared by the agent
// components. Codes are reported to the server and published as events, so
// they must not change once released.
package errcode

import "errors"

// Code is a stable error identifier. It is a comparable string newtype and
// implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes.
const (
	OK                Code = "ok"
	Busy              Code = "busy"
	Timeout           Code = "timeout"
	Canceled          Code = "canceled"
	Transport         Code = "transport"
	Rejected          Code = "rejected"
	Integrity         Code = "integrity"
	TooLarge          Code = "too_large"
	Overrun           Code = "overrun"
	Flash             Code = "flash"
	Rollback          Code = "rollback"
	NotAuthorized     Code = "not_authorized"
	InvalidConfig     Code = "invalid_config"
	InvalidTransition Code = "invalid_transition"
	Halted            Code = "halted"

	Error Code = "error" // generic fallback
)

// E wraps a cause with a code and the operation that failed.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New returns an *E for op with code c wrapping err.
func New(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Is reports whether err carries code c anywhere in its chain.
func Is(err error, c Code) bool {
	return Of(err) == c
}
