package protocol

// InputBuffer is a byte source the frame scanner consumes from the front.
// FifoBuffer and SliceInputBuffer both satisfy it.
type InputBuffer interface {
	Data() []byte
	Available() int
	Pop(n int)
}

// OutputBuffer is a byte sink message blocks are encoded into
type OutputBuffer interface {
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int
}

// SliceInputBuffer is an InputBuffer over bytes that arrived in one piece
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	s.data = s.data[min(n, len(s.data)):]
}

// ScratchOutput is an OutputBuffer on a fixed array, so building a message
// block never allocates. Writes past MessageMax are cut off and remembered.
type ScratchOutput struct {
	buf       [MessageMax]byte
	pos       int
	truncated bool
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.truncated = true
	}
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns everything written since the last Reset
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Truncated reports whether a write did not fit since the last Reset
func (s *ScratchOutput) Truncated() bool {
	return s.truncated
}

func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.truncated = false
}

// FifoBuffer is a ring of received bytes between a serial reader and the
// frame scanner. It holds up to its full capacity; Data linearizes wrapped
// contents into a second array so the scanner always sees one slice.
type FifoBuffer struct {
	buf    []byte
	linear []byte
	head   int // index of the oldest byte
	n      int // bytes buffered
}

func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{
		buf:    make([]byte, capacity),
		linear: make([]byte, capacity),
	}
}

// Write appends as much of data as fits and returns the count written
func (f *FifoBuffer) Write(data []byte) int {
	data = data[:min(len(data), f.Free())]
	tail := (f.head + f.n) % len(f.buf)
	first := copy(f.buf[tail:], data)
	copy(f.buf, data[first:])
	f.n += len(data)
	return len(data)
}

func (f *FifoBuffer) Available() int {
	return f.n
}

// Free returns how many bytes Write still accepts
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.n
}

// Data returns the buffered bytes as one slice, valid until the next Write
// or Pop
func (f *FifoBuffer) Data() []byte {
	end := f.head + f.n
	if end <= len(f.buf) {
		return f.buf[f.head:end]
	}
	first := copy(f.linear, f.buf[f.head:])
	second := copy(f.linear[first:], f.buf[:end-len(f.buf)])
	return f.linear[:first+second]
}

// Pop discards n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	n = min(n, f.n)
	f.head = (f.head + n) % len(f.buf)
	f.n -= n
	if f.n == 0 {
		f.head = 0
	}
}

func (f *FifoBuffer) IsEmpty() bool {
	return f.n == 0
}

func (f *FifoBuffer) Reset() {
	f.head = 0
	f.n = 0
}
