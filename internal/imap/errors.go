package imap

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol-layer failures so callers can decide
// whether to retry, reconnect, or give up.
type ErrorKind int

const (
	// KindConnection covers socket, DNS, and TLS failures. Recoverable
	// by reconnecting.
	KindConnection ErrorKind = iota
	// KindAuth covers bad credentials or an unusable mechanism. Not
	// recoverable without new credentials.
	KindAuth
	// KindProtocol covers malformed commands or responses (a BAD reply,
	// or something we could not make sense of). Indicates a logic bug.
	KindProtocol
	// KindServer is an explicit NO refusal carrying the server's text.
	// May be transient; retry at the caller's discretion.
	KindServer
	// KindParse covers structured-response parsing failures.
	KindParse
	// KindTimeout is a bounded read or dial that expired. Always safe
	// to retry the whole operation.
	KindTimeout
	// KindNotSupported means a required capability is absent.
	KindNotSupported
	// KindNotFound means the folder or message does not exist.
	KindNotFound
	// KindInvalidState means the connection is in the wrong phase for
	// the requested command.
	KindInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	case KindParse:
		return "parse"
	case KindTimeout:
		return "timeout"
	case KindNotSupported:
		return "not-supported"
	case KindNotFound:
		return "not-found"
	case KindInvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// Error is the protocol layer's error type.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("imap %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("imap %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func newErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsTimeout reports whether err is a bounded-read or dial expiry.
func IsTimeout(err error) bool {
	return IsKind(err, KindTimeout)
}

// IsConnectionError reports whether err is a socket-level failure.
func IsConnectionError(err error) bool {
	return IsKind(err, KindConnection)
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return IsKind(err, KindAuth)
}

// Recoverable reports whether retrying (possibly after a reconnect or a
// state change) can succeed without external intervention.
func Recoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindConnection, KindTimeout, KindServer, KindInvalidState:
		return true
	default:
		return false
	}
}
