package errors

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorNotFound     = ErrorCode("NotFound")
	ErrorInternal     = ErrorCode("Internal")
	ErrorConflict     = ErrorCode("Conflict")
	ErrorUnknown      = ErrorCode("Unknown")
	ErrorValidation   = ErrorCode("Validation")
	ErrorCapacity     = ErrorCode("CapacityExceeded")
	ErrorNoWarm       = ErrorCode("NoWarmSandbox")
	ErrorTransient    = ErrorCode("Transient")
	ErrorPolicyDenied = ErrorCode("PolicyDenied")
	ErrorBrokerDenied = ErrorCode("BrokerDenied")
	ErrorTimeout      = ErrorCode("Timeout")
	ErrorFatal        = ErrorCode("Fatal")
)

type Error struct {
	Code    ErrorCode
	Message string
}

func (t *Error) Error() string {
	return fmt.Sprintf("%s: %s", t.Code, t.Message)
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func GetErrCode(err error) ErrorCode {
	var innerErr = &Error{}
	ok := errors.As(err, &innerErr)
	if !ok {
		return ErrorUnknown
	}
	return innerErr.Code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrCode(err) == code
}

// IsRetriable reports whether the caller may retry the same request later
// and expect a different outcome.
func IsRetriable(err error) bool {
	switch GetErrCode(err) {
	case ErrorCapacity, ErrorTransient, ErrorConflict, ErrorTimeout:
		return true
	default:
		return false
	}
}
