package core

import (
	"time"

	"pixelbus/protocol"
)

// CapabilityConfig describes how a controller must be set up for a stream
type CapabilityConfig struct {
	Line      LineID
	ClockLine LineID
	Lanes     int // parallel data lanes driven by one transfer
	Timing    protocol.Timing
	Family    ProtocolFamily
}

// Capability is the hardware abstraction one transmit controller offers.
// Implementations may use PIO, SPI, DMA or a bit-banged pin.
type Capability interface {
	// Begin configures the controller for the given lines and timing.
	// Called again only when the configuration changes.
	Begin(cfg CapabilityConfig) error

	// IsBusy reports whether the hardware still holds a submitted buffer
	IsBusy() bool

	// Transmit hands a buffer to the hardware. The buffer must not be
	// touched again until the hardware reports it drained. Hardware that
	// notices the wire went idle between two buffers of a stream returns
	// ErrStreamOverrun.
	Transmit(buf []byte) error

	// WaitComplete blocks until the current transfer drains or the timeout expires
	WaitComplete(timeout time.Duration) error

	// AcquireBuffer returns memory the hardware can read from (DMA capable
	// where that matters). Called once per buffer at construction time.
	AcquireBuffer(size int) ([]byte, error)
}

// CompletionNotifier is implemented by capabilities that signal buffer
// completion asynchronously (interrupt or reader goroutine). The handler may
// run in that context.
type CompletionNotifier interface {
	SetCompletionHandler(fn func())
}

// EngineInfo provides information about a capability backend
type EngineInfo struct {
	Name       string
	Lanes      int    // maximum parallel lanes
	MaxBitRate uint32 // LED bits per second per lane
	DMA        bool   // transfers run without CPU involvement
}

// InfoProvider is implemented by capabilities that can describe themselves
type InfoProvider interface {
	Info() EngineInfo
}

// Transmitter is the part of a capability the streamer drives
type Transmitter interface {
	Transmit(buf []byte) error
}

// BufferSource hands out transfer buffers
type BufferSource func(size int) ([]byte, error)
