package protocol

// Message blocks
//
// Pulse data for an external bridge travels in Klipper-style message blocks:
//
//	len | seq | payload ... | crc16 hi | crc16 lo | 0x7E
//
// len counts the whole block. seq carries MessageDest in the high nibble and
// a rolling 4-bit sequence in the low nibble. The bridge acknowledges with an
// empty block whose seq is the next sequence it expects.

// NextSeq returns the sequence that follows seq
func NextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// EncodeFrame writes one message block carrying payload into output
func EncodeFrame(output OutputBuffer, seq uint8, payload []byte) error {
	total := MessageHeader + len(payload) + MessageTrailer
	if total > MessageLenMax {
		return ErrFrameTooLarge
	}

	start := output.CurPosition()
	header := [MessageHeader]byte{byte(total), seq}
	crc := crc16Init.update(header[:]).update(payload)

	output.Output(header[:])
	output.Output(payload)
	output.Output([]byte{byte(crc >> 8), byte(crc), MessageSync})
	if output.CurPosition()-start != total {
		return ErrShortBuffer
	}
	return nil
}

// FrameHandler receives the sequence and payload of a valid block. The payload
// aliases scanner input and is only valid during the call.
type FrameHandler func(seq uint8, payload []byte)

// FrameScanner extracts message blocks from a byte stream, dropping garbage
// and resynchronizing on the sync byte after any framing or CRC error
type FrameScanner struct {
	synchronized bool
	handler      FrameHandler
	dropped      uint32
}

// NewFrameScanner creates a scanner that starts synchronized
func NewFrameScanner(handler FrameHandler) *FrameScanner {
	return &FrameScanner{
		synchronized: true,
		handler:      handler,
	}
}

// Scan consumes every complete block from input. A trailing partial block is
// left in place for the next call.
func (s *FrameScanner) Scan(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !s.synchronized {
			syncPos := -1
			for i, b := range data {
				if b == MessageSync {
					syncPos = i
					break
				}
			}
			if syncPos < 0 {
				data = nil
				break
			}
			data = data[syncPos+1:]
			s.synchronized = true
			continue
		}

		if data[0] == MessageSync {
			data = data[1:]
			continue
		}

		if len(data) < MessageMin {
			break
		}

		msgLen := int(data[0])
		if msgLen < MessageMin {
			s.desync()
			continue
		}

		seq := data[1]
		if seq&^MessageSeqMask != MessageDest {
			s.desync()
			continue
		}

		if len(data) < msgLen {
			break
		}

		if data[msgLen-1] != MessageSync {
			s.desync()
			continue
		}

		frameCRC := uint16(data[msgLen-3])<<8 | uint16(data[msgLen-2])
		if frameCRC != CRC16(data[:msgLen-MessageTrailer]) {
			s.desync()
			continue
		}

		payload := data[MessageHeader : msgLen-MessageTrailer]
		data = data[msgLen:]
		if s.handler != nil {
			s.handler(seq, payload)
		}
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

// Dropped returns how many times the scanner lost synchronization
func (s *FrameScanner) Dropped() uint32 {
	return s.dropped
}

func (s *FrameScanner) desync() {
	s.synchronized = false
	s.dropped++
}
