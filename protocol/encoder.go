package protocol

// ChunkEncoder turns a range of source bytes into the bytes a peripheral
// shifts out. Encode must not allocate: it runs on the refill path.
type ChunkEncoder interface {
	// Lanes returns how many source lanes a single encode consumes
	Lanes() int

	// EncodedLen returns the output size for n source bytes per lane
	EncodedLen(n int) int

	// Encode writes source bytes [from, to) of every lane into dst
	Encode(dst []byte, lanes [][]byte, from, to int) (int, error)
}

// WaveEncoder expands payload bits into sub-pulse patterns and interleaves lanes
type WaveEncoder struct {
	table *ExpansionTable
	lanes int
}

// NewWaveEncoder builds the expansion table for the timing
func NewWaveEncoder(t Timing, lanes int) (*WaveEncoder, error) {
	if lanes <= 0 || lanes > MaxLanes {
		return nil, ErrLaneCount
	}
	table, err := BuildExpansionTable(t)
	if err != nil {
		return nil, err
	}
	return &WaveEncoder{table: table, lanes: lanes}, nil
}

func (e *WaveEncoder) Lanes() int {
	return e.lanes
}

func (e *WaveEncoder) EncodedLen(n int) int {
	return TransposedLen(e.lanes, n)
}

func (e *WaveEncoder) Encode(dst []byte, lanes [][]byte, from, to int) (int, error) {
	if len(lanes) != e.lanes {
		return 0, ErrLaneCount
	}
	if e.lanes == 1 {
		if from < 0 || to > len(lanes[0]) || from > to {
			return 0, ErrShortBuffer
		}
		return EncodeBytes(dst, lanes[0][from:to], e.table)
	}
	return TransposeRange(dst, lanes, from, to, e.table)
}

// Table returns the expansion table in use
func (e *WaveEncoder) Table() *ExpansionTable {
	return e.table
}

// RawEncoder copies a single lane unchanged. It serves clocked protocols and
// peripherals that synthesize the waveform themselves.
type RawEncoder struct{}

func (RawEncoder) Lanes() int {
	return 1
}

func (RawEncoder) EncodedLen(n int) int {
	return n
}

func (RawEncoder) Encode(dst []byte, lanes [][]byte, from, to int) (int, error) {
	if len(lanes) != 1 {
		return 0, ErrLaneCount
	}
	if from < 0 || to > len(lanes[0]) || from > to {
		return 0, ErrShortBuffer
	}
	if len(dst) < to-from {
		return 0, ErrShortBuffer
	}
	return copy(dst, lanes[0][from:to]), nil
}
