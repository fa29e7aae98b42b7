package core

import "time"

// EngineState is the lifecycle state of a transmission engine
type EngineState uint8

const (
	StateReady    EngineState = iota // idle, accepts work
	StateBusy                        // streaming
	StateDraining                    // streaming with more work queued behind it
	StateError                       // faulted, see Engine.Err
)

func (s EngineState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EngineStats counts what an engine did with the requests it accepted
type EngineStats struct {
	Accepted  uint32 // requests enqueued
	Streams   uint32 // streams started
	Completed uint32 // requests fully drained
	Failed    uint32 // requests dropped after a fault
	Overruns  uint32 // streams ended by an overrun
	Faults    uint32 // transmit or init faults
}

// Engine owns a class of transmit hardware and turns queued requests into
// streams on it
type Engine interface {
	// Name identifies the engine in logs and stats
	Name() string

	// Priority orders engines in the dispatcher; higher wins
	Priority() int

	// CanHandle reports whether the engine would accept the request
	CanHandle(req *Request) bool

	// Enqueue accepts a request without touching hardware
	Enqueue(req *Request) error

	// Start launches queued requests on free controllers. Never blocks.
	Start() error

	// Poll advances running streams and returns the resulting state. Never blocks.
	Poll() EngineState

	// State returns the current state without advancing anything
	State() EngineState

	// Err returns the fault behind StateError
	Err() error

	// Reset clears a fault and every line marked unusable
	Reset()

	// Close waits up to timeout for running streams, then drops queued work
	Close(timeout time.Duration) error

	// Stats returns a copy of the engine counters
	Stats() EngineStats
}
