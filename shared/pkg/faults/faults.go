package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies a failure. Codes survive the worker RPC boundary.
type Code string

const (
	PoolExhausted            Code = "POOL_EXHAUSTED"
	PoolClosed               Code = "POOL_CLOSED"
	SessionInvalidState      Code = "SESSION_INVALID_STATE"
	CallTimeout              Code = "CALL_TIMEOUT"
	BackendOpenFailure       Code = "BACKEND_OPEN_FAILURE"
	BackendCallFailure       Code = "BACKEND_CALL_FAILURE"
	TransactionProtocolFault Code = "TRANSACTION_PROTOCOL_FAULT"
	WorkerStartupFailure     Code = "WORKER_STARTUP_FAILURE"
	HandleLeakWarning        Code = "HANDLE_LEAK_WARNING"
	TransportFault           Code = "TRANSPORT_FAULT"
	Internal                 Code = "INTERNAL"
)

// Sentinels for errors.Is matching by code.
var (
	ErrPoolExhausted            = &Error{Code: PoolExhausted}
	ErrPoolClosed               = &Error{Code: PoolClosed}
	ErrSessionInvalidState      = &Error{Code: SessionInvalidState}
	ErrCallTimeout              = &Error{Code: CallTimeout}
	ErrBackendOpenFailure       = &Error{Code: BackendOpenFailure}
	ErrBackendCallFailure       = &Error{Code: BackendCallFailure}
	ErrTransactionProtocolFault = &Error{Code: TransactionProtocolFault}
	ErrWorkerStartupFailure     = &Error{Code: WorkerStartupFailure}
	ErrHandleLeakWarning        = &Error{Code: HandleLeakWarning}
	ErrTransportFault           = &Error{Code: TransportFault}
)

// Error is a coded failure with the operation that produced it.
type Error struct {
	Code      Code
	Op        string
	Message   string
	Err       error
	Timestamp time.Time
}

// New creates a coded error.
func New(code Code, op, message string) *Error {
	return &Error{
		Code:      code,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, op, format string, args ...interface{}) *Error {
	return New(code, op, fmt.Sprintf(format, args...))
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, op string, err error, message string) *Error {
	e := New(code, op, message)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s]", e.Code)
	if e.Op != "" {
		msg += " " + e.Op + ":"
	}
	if e.Message != "" {
		msg += " " + e.Message
	}
	if e.Err != nil {
		if e.Message != "" {
			msg += ":"
		}
		msg += " " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether a caller may retry the whole operation.
// Only pool availability and transport failures qualify; a timed-out
// session must never be retried in place.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case PoolExhausted, WorkerStartupFailure, TransportFault:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a code onto the status used on the worker RPC.
func HTTPStatus(code Code) int {
	switch code {
	case PoolExhausted, PoolClosed:
		return http.StatusServiceUnavailable
	case SessionInvalidState:
		return http.StatusConflict
	case CallTimeout:
		return http.StatusGatewayTimeout
	case BackendOpenFailure, BackendCallFailure:
		return http.StatusBadGateway
	case TransactionProtocolFault:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
