package lib

import "errors"

// Transport-fatal errors. They are latched on the connection and reported
// once by the next user call.
var (
	ErrConnectionReset    = errors.New("connection reset by peer")
	ErrConnectionRefused  = errors.New("connection refused")
	ErrConnectionTimedOut = &TimeoutError{msg: "connection timed out"}
	ErrHostUnreachable    = errors.New("no route to host")
	ErrUnreachable        = errors.New("destination unreachable")
	ErrTimeExceeded       = errors.New("time to live exceeded in transit")
)

// Contract errors. Returned without touching network state.
var (
	ErrAlreadyConnected  = errors.New("connection already open")
	ErrNotConnected      = errors.New("connection not open")
	ErrConnectionClosing = errors.New("connection closing")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidFlags      = errors.New("invalid flags")
	ErrWrongSocketType   = errors.New("operation not supported by socket type")
	ErrCoreClosed        = errors.New("tcp core closed")
)

// Resource exhaustion.
var (
	ErrWouldBlock      = errors.New("operation would block")
	ErrNoBufferSpace   = errors.New("no buffer space available")
	ErrTableFull       = errors.New("connection table full")
	ErrNoPortAvailable = errors.New("no local port available")
	ErrAddressInUse    = errors.New("address already in use")
	ErrMessageTooLong  = errors.New("message too long")
)

// TimeoutError implements net.Error for deadline and retry exhaustion failures.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

var errDeadlineExceeded = &TimeoutError{msg: "i/o timeout"}
