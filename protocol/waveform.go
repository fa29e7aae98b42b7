package protocol

// Timing holds the three phase durations of one protocol bit in nanoseconds.
//
//	T1: high time shared by a zero and a one bit
//	T2: additional high time of a one bit
//	T3: low tail that completes the bit period
type Timing struct {
	T1 uint32
	T2 uint32
	T3 uint32
}

// Period returns the full bit period in nanoseconds
func (t Timing) Period() uint32 {
	return t.T1 + t.T2 + t.T3
}

// ExpansionTable maps every 4-bit value to the pulse bytes of its four bits.
// Entries are packed most significant bit first: the pattern for bit 3 of the
// nibble lives in the top byte of the entry.
type ExpansionTable struct {
	entries [16]uint32
	zero    byte
	one     byte
}

// BuildExpansionTable quantizes the timing into the two canonical 8-sub-pulse
// patterns and composes all 16 nibble entries from them.
func BuildExpansionTable(t Timing) (*ExpansionTable, error) {
	period := t.Period()
	if period == 0 {
		return nil, ErrDegenerateTiming
	}

	table := &ExpansionTable{
		zero: pulsePattern(t.T1, period),
		one:  pulsePattern(t.T1+t.T2, period),
	}

	for v := 0; v < 16; v++ {
		var entry uint32
		for bit := 3; bit >= 0; bit-- {
			p := table.zero
			if v&(1<<bit) != 0 {
				p = table.one
			}
			entry = entry<<8 | uint32(p)
		}
		table.entries[v] = entry
	}

	return table, nil
}

// pulsePattern returns a byte whose leading ones cover high/period of the bit,
// rounded to the nearest sub-pulse
func pulsePattern(high, period uint32) byte {
	n := (uint64(high)*SubPulses + uint64(period)/2) / uint64(period)
	if n > SubPulses {
		n = SubPulses
	}
	var ones byte = 0xFF
	return ones << (SubPulses - n)
}

// Patterns returns the pulse bytes used for a zero bit and a one bit
func (t *ExpansionTable) Patterns() (zero, one byte) {
	return t.zero, t.one
}

// Entry returns the packed pulse bytes for a nibble
func (t *ExpansionTable) Entry(nibble byte) uint32 {
	return t.entries[nibble&0x0F]
}

// EncodeByte expands one payload byte into eight pulse bytes, most
// significant bit first.
func EncodeByte(b byte, t *ExpansionTable) [SubPulses]byte {
	var out [SubPulses]byte
	putEntry(out[0:4], t.entries[b>>4])
	putEntry(out[4:8], t.entries[b&0x0F])
	return out
}

// EncodeBytes expands src into dst and returns the number of bytes written
func EncodeBytes(dst, src []byte, t *ExpansionTable) (int, error) {
	if len(dst) < len(src)*SubPulses {
		return 0, ErrShortBuffer
	}
	o := 0
	for _, b := range src {
		putEntry(dst[o:o+4], t.entries[b>>4])
		putEntry(dst[o+4:o+8], t.entries[b&0x0F])
		o += SubPulses
	}
	return o, nil
}

func putEntry(dst []byte, entry uint32) {
	dst[0] = byte(entry >> 24)
	dst[1] = byte(entry >> 16)
	dst[2] = byte(entry >> 8)
	dst[3] = byte(entry)
}
