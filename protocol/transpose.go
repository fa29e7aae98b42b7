package protocol

// Multi-lane transposition
//
// Every source byte index produces 64 words (8 bits x 8 sub-pulses), one bit
// per lane in each word. Words are streamed into the output most significant
// bit first, so N lanes always yield N*8 output bytes per source byte index.
//
// Bit placement inside a word:
//   - two lanes are lane-major: lane 0 leads, {ones, zeros} gives 0b10101010
//   - any other lane count puts lane i at word bit i, so four lanes
//     {ones, zeros, ones, zeros} give the nibble 0b0101 in both halves
//
// A peripheral that shifts each word out onto consecutive pins, bit i on pin
// base+i, therefore drives lane k on base+LaneOffset(n, k).

// LaneOffset returns the pin offset lane k of an n-lane word lands on
func LaneOffset(n, k int) int {
	if n == 2 {
		return 1 - k
	}
	return k
}

// Transpose interleaves a single byte from each lane
func Transpose(lanes []byte, t *ExpansionTable) ([]byte, error) {
	n := len(lanes)
	if n == 0 || n > MaxLanes {
		return nil, ErrLaneCount
	}
	var src [MaxLanes][]byte
	for i := range lanes {
		src[i] = lanes[i : i+1]
	}
	out := make([]byte, n*SubPulses)
	if _, err := TransposeRange(out, src[:n], 0, 1, t); err != nil {
		return nil, err
	}
	return out, nil
}

// TransposeLanes interleaves the full length of every lane into dst
func TransposeLanes(dst []byte, lanes [][]byte, t *ExpansionTable) (int, error) {
	if len(lanes) == 0 {
		return 0, ErrLaneCount
	}
	return TransposeRange(dst, lanes, 0, len(lanes[0]), t)
}

// TransposeRange interleaves source bytes [from, to) of every lane into dst.
// It does not allocate; dst must hold TransposedLen(len(lanes), to-from) bytes.
func TransposeRange(dst []byte, lanes [][]byte, from, to int, t *ExpansionTable) (int, error) {
	n := len(lanes)
	if n == 0 || n > MaxLanes {
		return 0, ErrLaneCount
	}
	stride := len(lanes[0])
	for _, lane := range lanes[1:] {
		if len(lane) != stride {
			return 0, ErrLaneMismatch
		}
	}
	if from < 0 || to > stride || from > to {
		return 0, ErrShortBuffer
	}
	if len(dst) < TransposedLen(n, to-from) {
		return 0, ErrShortBuffer
	}

	var enc [MaxLanes][SubPulses]byte
	o := 0
	var acc byte
	bits := 0

	for j := from; j < to; j++ {
		for i := 0; i < n; i++ {
			enc[i] = EncodeByte(lanes[i][j], t)
		}
		for bit := 0; bit < SubPulses; bit++ {
			for sp := 0; sp < SubPulses; sp++ {
				mask := byte(0x80) >> sp
				for k := 0; k < n; k++ {
					acc <<= 1
					if enc[emitLane(n, k)][bit]&mask != 0 {
						acc |= 1
					}
					bits++
					if bits == 8 {
						dst[o] = acc
						o++
						acc, bits = 0, 0
					}
				}
			}
		}
	}

	return o, nil
}

// TransposedLen returns the output size for n lanes of the given length
func TransposedLen(n, length int) int {
	return n * length * SubPulses
}

// emitLane returns which lane supplies the k-th emitted bit of a word
func emitLane(n, k int) int {
	if n == 2 {
		return k
	}
	return n - 1 - k
}
