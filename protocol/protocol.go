// Package protocol implements the pixelbus wire formats: the pulse waveform
// codec that expands payload bits into sub-pulse patterns, and the message
// block framing used to carry pulse data to an external bridge.
package protocol

import "errors"

// Version represents the pixelbus firmware version
const Version = "0.1.0"

// Waveform constants
const (
	SubPulses = 8  // Sub-pulses per protocol bit (one output byte per bit)
	MaxLanes  = 16 // Maximum lanes interleaved by a single transpose
)

// Message block constants
const (
	MessageMax     = 512 // Scratch output size
	MessageMin     = 5   // Minimum message size (header + trailer)
	MessageHeader  = 2   // Length + sequence
	MessageTrailer = 3   // CRC16 + sync
	MessageLenMax  = 255 // Length is carried in a single byte

	MessageSeqMask = 0x0F
	MessageDest    = 0x10
	MessageSync    = 0x7E
)

var (
	ErrDegenerateTiming = errors.New("timing phases sum to zero")
	ErrLaneCount        = errors.New("lane count out of range")
	ErrLaneMismatch     = errors.New("lanes differ in length")
	ErrShortBuffer      = errors.New("destination buffer too small")
	ErrFrameTooLarge    = errors.New("payload exceeds message block size")
)
