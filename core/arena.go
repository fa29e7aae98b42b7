package core

import "sync/atomic"

// noOwner marks both buffers as software owned
const noOwner = 0

// PingPong holds two equal-size transfer buffers and tracks which one the
// hardware currently reads. Software may only write the other one.
type PingPong struct {
	bufs  [2][]byte
	owner uint32 // 0 = none, otherwise buffer index + 1
}

// NewPingPong acquires both buffers once from src (or the heap when src is nil)
func NewPingPong(size int, src BufferSource) (*PingPong, error) {
	p := &PingPong{}
	for i := range p.bufs {
		var buf []byte
		if src != nil {
			b, err := src(size)
			if err != nil {
				return nil, err
			}
			buf = b
		} else {
			buf = make([]byte, size)
		}
		if len(buf) < size {
			return nil, ErrInsufficientMemory
		}
		p.bufs[i] = buf[:size]
	}
	return p, nil
}

// Size returns the capacity of one buffer
func (p *PingPong) Size() int {
	return len(p.bufs[0])
}

// Writable returns buffer i unless the hardware owns it
func (p *PingPong) Writable(i int) ([]byte, bool) {
	if p.Owner() == i {
		return nil, false
	}
	return p.bufs[i], true
}

// Handoff gives buffer i to the hardware
func (p *PingPong) Handoff(i int) []byte {
	atomic.StoreUint32(&p.owner, uint32(i)+1)
	return p.bufs[i]
}

// Reclaim returns the hardware-owned buffer to software. Returns its index
// or -1 when the hardware owned nothing.
func (p *PingPong) Reclaim() int {
	prev := atomic.SwapUint32(&p.owner, noOwner)
	return int(prev) - 1
}

// Owner returns the index of the hardware-owned buffer or -1
func (p *PingPong) Owner() int {
	return int(atomic.LoadUint32(&p.owner)) - 1
}
