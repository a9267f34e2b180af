package db

import "fmt"

// ErrCode classifies database errors
type ErrCode int

const (
	CodeKeyNotFound ErrCode = iota + 1
	CodeDuplicateKey
	CodeLockTimeout
	CodeCorruption
	CodeIOFailure
	CodeConfiguration
	CodeClosed
	CodeReadOnly
)

func (c ErrCode) String() string {
	switch c {
	case CodeKeyNotFound:
		return "key not found"
	case CodeDuplicateKey:
		return "duplicate key"
	case CodeLockTimeout:
		return "lock timeout"
	case CodeCorruption:
		return "corruption"
	case CodeIOFailure:
		return "io failure"
	case CodeConfiguration:
		return "configuration error"
	case CodeClosed:
		return "database closed"
	case CodeReadOnly:
		return "read-only database"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// Error is the error type returned by all databases. errors.Is compares
// codes, so errors.Is(err, db.ErrLockTimeout) holds for every timeout
// regardless of its message.
type Error struct {
	Code  ErrCode
	Msg   string
	cause error
}

var (
	ErrKeyNotFound   = &Error{Code: CodeKeyNotFound}
	ErrDuplicateKey  = &Error{Code: CodeDuplicateKey}
	ErrLockTimeout   = &Error{Code: CodeLockTimeout}
	ErrCorruption    = &Error{Code: CodeCorruption}
	ErrIOFailure     = &Error{Code: CodeIOFailure}
	ErrConfiguration = &Error{Code: CodeConfiguration}
	ErrClosed        = &Error{Code: CodeClosed}
	ErrReadOnly      = &Error{Code: CodeReadOnly}
)

// NewError creates an error of the given code
func NewError(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates an error of the given code caused by err
func WrapError(code ErrCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), cause: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.cause == nil:
		return e.Code.String()
	case e.cause == nil:
		return e.Code.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Code.String() + ": " + e.cause.Error()
	default:
		return e.Code.String() + ": " + e.Msg + ": " + e.cause.Error()
	}
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}
