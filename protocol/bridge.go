package protocol

import "errors"

// Bridge messages
//
// A host drives a remote controller by sending message blocks whose payload
// starts with one of the command bytes below. Every pulse block names the
// line and lane count it belongs to, so the receiver can check it against
// the last configuration before buffering it.
//
//	configure: cmd | line | clock line | lanes | family | T1 | T2 | T3
//	pulses:    cmd | line | lanes | pulse bytes ...
//	ack:       cmd | buffers shown
//	fault:     cmd | fault code
//
// All integers are VLQ encoded. A chunk larger than one block is split into
// CmdPulses blocks followed by a final CmdPulsesEnd block; the receiver
// shows the accumulated buffer on CmdPulsesEnd and answers with CmdAck.
const (
	CmdConfigure = 0x01
	CmdPulses    = 0x02
	CmdPulsesEnd = 0x03
	CmdAck       = 0x10
	CmdFault     = 0x11
)

// Fault codes carried by CmdFault
const (
	FaultBegin    = 1
	FaultTransmit = 2
	FaultOverflow = 3
	FaultSequence = 4
)

// pulseHeaderMax bounds cmd + two VLQ values up to 16 bits each
const pulseHeaderMax = 1 + 3 + 3

// MaxPulseBytes is the largest pulse slice one block can carry
const MaxPulseBytes = MessageLenMax - MessageHeader - MessageTrailer - pulseHeaderMax

var (
	ErrUnknownCommand = errors.New("unknown bridge command")
	ErrTruncated      = errors.New("truncated bridge message")
)

// LinkConfig is the configuration a host sends before streaming pulses
type LinkConfig struct {
	Line      uint32
	ClockLine uint32
	Lanes     uint32
	Family    uint32
	Timing    Timing
}

// EncodeConfigure writes a configure payload
func EncodeConfigure(out OutputBuffer, c LinkConfig) {
	out.Output([]byte{CmdConfigure})
	EncodeVLQUint(out, c.Line)
	EncodeVLQUint(out, c.ClockLine)
	EncodeVLQUint(out, c.Lanes)
	EncodeVLQUint(out, c.Family)
	EncodeVLQUint(out, c.Timing.T1)
	EncodeVLQUint(out, c.Timing.T2)
	EncodeVLQUint(out, c.Timing.T3)
}

// DecodeConfigure parses the body of a configure payload (after the command byte)
func DecodeConfigure(body []byte) (LinkConfig, error) {
	var vals [7]uint32
	for i := range vals {
		v, err := DecodeVLQUint(&body)
		if err != nil {
			return LinkConfig{}, ErrTruncated
		}
		vals[i] = v
	}
	return LinkConfig{
		Line:      vals[0],
		ClockLine: vals[1],
		Lanes:     vals[2],
		Family:    vals[3],
		Timing:    Timing{T1: vals[4], T2: vals[5], T3: vals[6]},
	}, nil
}

// EncodePulses writes a pulse payload. last selects CmdPulsesEnd.
// Returns ErrFrameTooLarge if pulses exceed MaxPulseBytes.
func EncodePulses(out OutputBuffer, line, lanes uint32, pulses []byte, last bool) error {
	if len(pulses) > MaxPulseBytes {
		return ErrFrameTooLarge
	}
	cmd := byte(CmdPulses)
	if last {
		cmd = CmdPulsesEnd
	}
	out.Output([]byte{cmd})
	EncodeVLQUint(out, line)
	EncodeVLQUint(out, lanes)
	out.Output(pulses)
	return nil
}

// DecodePulses parses the body of a pulse payload. The returned slice aliases body.
func DecodePulses(body []byte) (line, lanes uint32, pulses []byte, err error) {
	line, err = DecodeVLQUint(&body)
	if err != nil {
		return 0, 0, nil, ErrTruncated
	}
	lanes, err = DecodeVLQUint(&body)
	if err != nil {
		return 0, 0, nil, ErrTruncated
	}
	return line, lanes, body, nil
}

// EncodeAck writes an ack payload
func EncodeAck(out OutputBuffer, shown uint32) {
	out.Output([]byte{CmdAck})
	EncodeVLQUint(out, shown)
}

// EncodeFault writes a fault payload
func EncodeFault(out OutputBuffer, code uint32) {
	out.Output([]byte{CmdFault})
	EncodeVLQUint(out, code)
}

// DecodeValue parses the single VLQ body of an ack or fault payload
func DecodeValue(body []byte) (uint32, error) {
	v, err := DecodeVLQUint(&body)
	if err != nil {
		return 0, ErrTruncated
	}
	return v, nil
}

// SplitPayload returns the command byte and body of a bridge payload
func SplitPayload(payload []byte) (byte, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, ErrTruncated
	}
	switch payload[0] {
	case CmdConfigure, CmdPulses, CmdPulsesEnd, CmdAck, CmdFault:
		return payload[0], payload[1:], nil
	}
	return payload[0], nil, ErrUnknownCommand
}
