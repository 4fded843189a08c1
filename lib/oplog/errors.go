package oplog

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// Code classifies every error produced by the replication fetch pipeline.
type Code uint64

const (
	CodeOK Code = iota // 0: no error
	// construction errors - fatal, a session never starts
	CodeBadValue
	CodeInvalidReplicaSetConfig
	// protocol/data errors - terminal for a session, never retried
	CodeMissingField
	CodeOplogStartMissing
	CodeOplogOutOfOrder
	CodeInvalidSyncSource
	// transport errors - retried up to the configured restart budget
	CodeNetworkTimeout
	CodeRemoteCommandFailed
	// operational errors
	CodeIllegalOperation
	CodeShutdownInProgress
	CodeCallbackCanceled
	CodeInternalError
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBadValue:
		return "BadValue"
	case CodeInvalidReplicaSetConfig:
		return "InvalidReplicaSetConfig"
	case CodeMissingField:
		return "MissingField"
	case CodeOplogStartMissing:
		return "OplogStartMissing"
	case CodeOplogOutOfOrder:
		return "OplogOutOfOrder"
	case CodeInvalidSyncSource:
		return "InvalidSyncSource"
	case CodeNetworkTimeout:
		return "NetworkTimeout"
	case CodeRemoteCommandFailed:
		return "RemoteCommandFailed"
	case CodeIllegalOperation:
		return "IllegalOperation"
	case CodeShutdownInProgress:
		return "ShutdownInProgress"
	case CodeCallbackCanceled:
		return "CallbackCanceled"
	default:
		return "InternalError"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a classification code and an
// error message.
type Error struct {
	Code Code   // The classification code
	Msg  string // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code Code, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with the given code and a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// CodeOf extracts the classification code from an error. A nil error maps
// to CodeOK, non-classified errors map to CodeInternalError.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}
