package core

import (
	"sync/atomic"

	"pixelbus/protocol"
)

// LineID identifies a physical output line (a data pin or bus)
type LineID uint16

const maxLineID LineID = 1<<16 - 1

// ProtocolFamily groups LED protocols by how they are clocked on the wire
type ProtocolFamily uint8

const (
	FamilyClockless ProtocolFamily = iota // self-clocked single wire, pulse widths carry bits
	FamilyClocked                         // separate clock line, payload sent byte exact
)

func (f ProtocolFamily) String() string {
	switch f {
	case FamilyClockless:
		return "clockless"
	case FamilyClocked:
		return "clocked"
	default:
		return "unknown"
	}
}

// Request asks for one payload to be sent on one line.
// The caller owns it until an engine accepts it; from then on the engine
// holds a read-only reference until InUse reports false again.
type Request struct {
	Line      LineID
	ClockLine LineID // clocked protocols: the shared clock line
	Timing    protocol.Timing
	Payload   []byte
	Family    ProtocolFamily

	inUse uint32
}

// InUse reports whether an engine still references the payload
func (r *Request) InUse() bool {
	return atomic.LoadUint32(&r.inUse) != 0
}

// claim marks the request accepted. Fails if it is already queued somewhere.
func (r *Request) claim() bool {
	return atomic.CompareAndSwapUint32(&r.inUse, 0, 1)
}

// release clears the in-use flag; only the first call after claim succeeds
func (r *Request) release() bool {
	return atomic.CompareAndSwapUint32(&r.inUse, 1, 0)
}
