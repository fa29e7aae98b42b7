package core

import "errors"

// Allocation failures. Both concrete errors wrap ErrAllocationExhausted so
// callers can test for the class with errors.Is.
var (
	ErrAllocationExhausted = errors.New("allocation exhausted")
	ErrInsufficientMemory  = wrapErr(ErrAllocationExhausted, "insufficient buffer memory")
	ErrSlotInUse           = wrapErr(ErrAllocationExhausted, "external buffer slot in use")
	ErrUnitInUse           = errors.New("unit already holds an allocation")
)

// Streaming and engine errors
var (
	ErrStreamOverrun       = errors.New("stream overrun")
	ErrStreamActive        = errors.New("stream already active")
	ErrNoEncoder           = errors.New("no encoder installed")
	ErrChunkTooLarge       = errors.New("chunk exceeds buffer size")
	ErrUnsupportedProtocol = errors.New("no engine accepts request")
	ErrEngineUnavailable   = errors.New("engine in error state")
	ErrHardwareInit        = errors.New("hardware init failed")
	ErrTransmitFault       = errors.New("transmit fault")
	ErrQueueFull           = errors.New("pending queue full")
	ErrRequestInUse        = errors.New("request already in use")
	ErrCloseTimeout        = errors.New("close timed out")
	ErrNoControllers       = errors.New("engine has no controllers")
)

// classError keeps a class sentinel reachable through errors.Is without
// pulling fmt into firmware builds
type classError struct {
	class error
	msg   string
}

func wrapErr(class error, msg string) error {
	return &classError{class: class, msg: msg}
}

func (e *classError) Error() string {
	return e.class.Error() + ": " + e.msg
}

func (e *classError) Unwrap() error {
	return e.class
}

// withCause attaches a lower level error to a sentinel
type causeError struct {
	sentinel error
	cause    error
}

func withCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &causeError{sentinel: sentinel, cause: cause}
}

func (e *causeError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *causeError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}
