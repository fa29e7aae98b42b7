package core

import (
	"errors"
	"sync/atomic"

	"pixelbus/protocol"
)

// Streamer feeds one payload through a capability in fixed-size chunks
// using two buffers: while the hardware drains one, the other is refilled.
//
// BeginStream and Poll run in the control loop; OnChunkComplete may run in
// interrupt context. The busy flag serializes them: a completion that
// arrives while a refill is still running is an overrun.
type Streamer struct {
	tx    Transmitter
	arena *PingPong
	enc   protocol.ChunkEncoder
	unit  uint8
	trace *Trace

	lanes  [][]byte
	stride int // source bytes per lane
	cursor int // next source byte to encode
	chunk  int // source bytes per lane per buffer

	fill  int    // buffer software fills next
	ready bool   // fill holds encoded data not yet submitted
	lens  [2]int // encoded bytes in each buffer
	fault error

	active      uint32
	inFlight    uint32
	busy        uint32
	done        uint32
	overrun     uint32
	faulted     uint32
	submissions uint32
	maxRefill   uint32
}

// NewStreamer creates a streamer with two transfer buffers of size bytes
func NewStreamer(tx Transmitter, size int, buffers BufferSource) (*Streamer, error) {
	arena, err := NewPingPong(size, buffers)
	if err != nil {
		return nil, err
	}
	return &Streamer{tx: tx, arena: arena}, nil
}

// SetTrace attaches a trace ring; events carry unit as their unit field
func (s *Streamer) SetTrace(trace *Trace, unit uint8) {
	s.trace = trace
	s.unit = unit
}

// SetEncoder installs the encoder for the next stream
func (s *Streamer) SetEncoder(enc protocol.ChunkEncoder) error {
	if s.Active() {
		return ErrStreamActive
	}
	s.enc = enc
	return nil
}

// BufferSize returns the capacity of one transfer buffer
func (s *Streamer) BufferSize() int {
	return s.arena.Size()
}

// BeginStream starts sending lanes, chunk source bytes per lane per buffer.
// The first buffer is submitted before this returns and the second one is
// already encoded.
func (s *Streamer) BeginStream(lanes [][]byte, chunk int) error {
	if s.Active() {
		return ErrStreamActive
	}
	if s.enc == nil {
		return ErrNoEncoder
	}
	if len(lanes) != s.enc.Lanes() {
		return protocol.ErrLaneCount
	}
	stride := len(lanes[0])
	for _, lane := range lanes[1:] {
		if len(lane) != stride {
			return protocol.ErrLaneMismatch
		}
	}
	if chunk <= 0 || s.enc.EncodedLen(chunk) > s.arena.Size() {
		return ErrChunkTooLarge
	}

	if !atomic.CompareAndSwapUint32(&s.busy, 0, 1) {
		return ErrStreamActive
	}
	defer atomic.StoreUint32(&s.busy, 0)

	s.arena.Reclaim()
	s.lanes = lanes
	s.stride = stride
	s.cursor = 0
	s.chunk = chunk
	s.fill = 0
	s.ready = false
	s.fault = nil
	atomic.StoreUint32(&s.inFlight, 0)
	atomic.StoreUint32(&s.done, 0)
	atomic.StoreUint32(&s.overrun, 0)
	atomic.StoreUint32(&s.faulted, 0)
	atomic.StoreUint32(&s.submissions, 0)
	atomic.StoreUint32(&s.maxRefill, 0)
	atomic.StoreUint32(&s.active, 1)
	s.trace.Record(EvtStreamStart, s.unit, uint32(stride), uint32(len(lanes)))

	if stride == 0 {
		s.finish()
		return nil
	}
	if err := s.refill(); err != nil {
		return err
	}
	if err := s.submit(); err != nil {
		return err
	}
	if s.cursor < s.stride {
		return s.refill()
	}
	return nil
}

// OnChunkComplete is called when the hardware drained the submitted buffer.
// It submits the ready buffer and refills the one just freed.
func (s *Streamer) OnChunkComplete() error {
	if !atomic.CompareAndSwapUint32(&s.busy, 0, 1) {
		s.markOverrun()
		return ErrStreamOverrun
	}
	defer atomic.StoreUint32(&s.busy, 0)

	if atomic.LoadUint32(&s.overrun) != 0 {
		return ErrStreamOverrun
	}
	if atomic.LoadUint32(&s.faulted) != 0 {
		return s.fault
	}
	if atomic.LoadUint32(&s.inFlight) == 0 {
		return nil
	}
	s.arena.Reclaim()
	atomic.StoreUint32(&s.inFlight, 0)

	if !s.ready {
		if s.cursor < s.stride {
			s.markOverrun()
			return ErrStreamOverrun
		}
		s.finish()
		return nil
	}
	if err := s.submit(); err != nil {
		return err
	}
	if s.cursor < s.stride {
		return s.refill()
	}
	return nil
}

func (s *Streamer) submit() error {
	i := s.fill
	buf := s.arena.Handoff(i)[:s.lens[i]]
	s.ready = false
	s.fill = 1 - i
	atomic.StoreUint32(&s.inFlight, 1)
	atomic.AddUint32(&s.submissions, 1)
	s.trace.Record(EvtSubmit, s.unit, uint32(i), uint32(len(buf)))

	if err := s.tx.Transmit(buf); err != nil {
		atomic.StoreUint32(&s.inFlight, 0)
		s.arena.Reclaim()
		// the hardware ran dry before this buffer arrived
		if errors.Is(err, ErrStreamOverrun) {
			s.markOverrun()
			return ErrStreamOverrun
		}
		s.setFault(withCause(ErrTransmitFault, err))
		return s.fault
	}
	return nil
}

func (s *Streamer) refill() error {
	start := GetTime()
	i := s.fill
	buf, ok := s.arena.Writable(i)
	if !ok {
		s.markOverrun()
		return ErrStreamOverrun
	}
	to := s.cursor + s.chunk
	if to > s.stride {
		to = s.stride
	}
	n, err := s.enc.Encode(buf, s.lanes, s.cursor, to)
	if err != nil {
		s.setFault(err)
		return err
	}
	s.lens[i] = n
	s.cursor = to
	s.ready = true

	elapsed := GetTime() - start
	if elapsed > atomic.LoadUint32(&s.maxRefill) {
		atomic.StoreUint32(&s.maxRefill, elapsed)
	}
	s.trace.Record(EvtRefill, s.unit, uint32(i), elapsed)
	return nil
}

func (s *Streamer) finish() {
	if atomic.CompareAndSwapUint32(&s.done, 0, 1) {
		atomic.StoreUint32(&s.active, 0)
		s.trace.Record(EvtComplete, s.unit, atomic.LoadUint32(&s.submissions), 0)
	}
}

func (s *Streamer) markOverrun() {
	if atomic.CompareAndSwapUint32(&s.overrun, 0, 1) {
		atomic.StoreUint32(&s.active, 0)
		s.trace.Record(EvtOverrun, s.unit, uint32(s.cursor), atomic.LoadUint32(&s.submissions))
	}
}

func (s *Streamer) setFault(err error) {
	s.fault = err
	if atomic.CompareAndSwapUint32(&s.faulted, 0, 1) {
		atomic.StoreUint32(&s.active, 0)
		s.trace.Record(EvtFault, s.unit, uint32(s.cursor), 0)
	}
}

// Active reports a stream that has neither finished nor failed
func (s *Streamer) Active() bool {
	return atomic.LoadUint32(&s.active) != 0
}

// Done reports that every chunk was submitted and drained
func (s *Streamer) Done() bool {
	return atomic.LoadUint32(&s.done) != 0
}

// Overrun reports a completion that raced a refill
func (s *Streamer) Overrun() bool {
	return atomic.LoadUint32(&s.overrun) != 0
}

// Err returns the transmit or encode fault that ended the stream
func (s *Streamer) Err() error {
	if atomic.LoadUint32(&s.faulted) == 0 {
		return nil
	}
	return s.fault
}

// InFlight reports whether the hardware holds a submitted buffer
func (s *Streamer) InFlight() bool {
	return atomic.LoadUint32(&s.inFlight) != 0
}

// Submissions returns how many buffers this stream handed to the hardware
func (s *Streamer) Submissions() int {
	return int(atomic.LoadUint32(&s.submissions))
}

// MaxRefillTicks returns the slowest refill of this stream in system ticks
func (s *Streamer) MaxRefillTicks() uint32 {
	return atomic.LoadUint32(&s.maxRefill)
}
