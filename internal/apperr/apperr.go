// Package apperr defines the error kinds reported to callers of kvdash.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidConnectionString
	KindConnectionTimeout
	KindConnectionRefused
	KindAuthenticationFailed
	KindHostUnreachable
	KindNotConnected
	KindOutOfRange
	KindNotFound
	KindPartialFailure
)

var kindNames = map[Kind]string{
	KindUnknown:                 "Unknown",
	KindInvalidConnectionString: "InvalidConnectionString",
	KindConnectionTimeout:       "ConnectionTimeout",
	KindConnectionRefused:       "ConnectionRefused",
	KindAuthenticationFailed:    "AuthenticationFailed",
	KindHostUnreachable:         "HostUnreachable",
	KindNotConnected:            "NotConnected",
	KindOutOfRange:              "OutOfRange",
	KindNotFound:                "NotFound",
	KindPartialFailure:          "PartialFailure",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels usable with errors.Is.
var (
	ErrInvalidConnectionString = &Error{Kind: KindInvalidConnectionString}
	ErrConnectionTimeout       = &Error{Kind: KindConnectionTimeout}
	ErrConnectionRefused       = &Error{Kind: KindConnectionRefused}
	ErrAuthenticationFailed    = &Error{Kind: KindAuthenticationFailed}
	ErrHostUnreachable         = &Error{Kind: KindHostUnreachable}
	ErrNotConnected            = &Error{Kind: KindNotConnected}
	ErrOutOfRange              = &Error{Kind: KindOutOfRange}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrPartialFailure          = &Error{Kind: KindPartialFailure}
)

// Error carries a kind, a message and, for connection failures, a
// remediation hint.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HintOf returns the remediation hint attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}
