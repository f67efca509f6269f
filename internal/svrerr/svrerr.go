// Package svrerr defines the closed error taxonomy shared by the broker and
// its clients. Codes travel on the wire as signed integers; zero is success.
package svrerr

import (
	"errors"
	"fmt"
)

// Code is a wire-level error code.
type Code int

const (
	Success Code = iota
	ParseError
	NoSuchEncoding
	NoSuchSource
	NoSuchStream
	NameInUse
	InvalidState
	InvalidArgument
	Unauthorized
	Timeout
	PeerDisconnected
	Internal
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case ParseError:
		return "parse error"
	case NoSuchEncoding:
		return "no such encoding"
	case NoSuchSource:
		return "no such source"
	case NoSuchStream:
		return "no such stream"
	case NameInUse:
		return "name in use"
	case InvalidState:
		return "invalid state"
	case InvalidArgument:
		return "invalid argument"
	case Unauthorized:
		return "unauthorized"
	case Timeout:
		return "timeout"
	case PeerDisconnected:
		return "peer disconnected"
	case Internal:
		return "internal error"
	}
	return fmt.Sprintf("code %d", int(c))
}

var (
	ErrParse            = &codeError{ParseError}
	ErrNoSuchEncoding   = &codeError{NoSuchEncoding}
	ErrNoSuchSource     = &codeError{NoSuchSource}
	ErrNoSuchStream     = &codeError{NoSuchStream}
	ErrNameInUse        = &codeError{NameInUse}
	ErrInvalidState     = &codeError{InvalidState}
	ErrInvalidArgument  = &codeError{InvalidArgument}
	ErrUnauthorized     = &codeError{Unauthorized}
	ErrTimeout          = &codeError{Timeout}
	ErrPeerDisconnected = &codeError{PeerDisconnected}
	ErrInternal         = &codeError{Internal}
)

type codeError struct {
	code Code
}

func (e *codeError) Error() string { return e.code.String() }

// Wrap attaches context to a coded error while keeping the code reachable
// through errors.As.
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// CodeOf extracts the wire code from an error chain. A nil error is Success;
// an error without a code is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var ce *codeError
	if errors.As(err, &ce) {
		return ce.code
	}
	return Internal
}

// FromCode returns the sentinel error for a wire code, or nil for Success.
// Unknown codes map to ErrInternal.
func FromCode(c Code) error {
	switch c {
	case Success:
		return nil
	case ParseError:
		return ErrParse
	case NoSuchEncoding:
		return ErrNoSuchEncoding
	case NoSuchSource:
		return ErrNoSuchSource
	case NoSuchStream:
		return ErrNoSuchStream
	case NameInUse:
		return ErrNameInUse
	case InvalidState:
		return ErrInvalidState
	case InvalidArgument:
		return ErrInvalidArgument
	case Unauthorized:
		return ErrUnauthorized
	case Timeout:
		return ErrTimeout
	case PeerDisconnected:
		return ErrPeerDisconnected
	}
	return ErrInternal
}
