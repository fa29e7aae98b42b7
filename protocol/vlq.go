package protocol

import "errors"

var ErrBufferTooSmall = errors.New("buffer too small for VLQ")

// VLQ integers carry 7 bits per byte, most significant group first, with the
// top bit set on every byte but the last. The first byte's payload is sign
// extended, so values in [-32, 96) take one byte and line ids, lane counts
// and timings below 12288 take two.

// VLQLen returns how many bytes EncodeVLQInt writes for v
func VLQLen(v int32) int {
	n := 1
	for bits := uint(5); n < 5 && (v < -(1<<bits) || v >= 3<<bits); bits += 7 {
		n++
	}
	return n
}

// EncodeVLQInt writes v as a variable length quantity
func EncodeVLQInt(output OutputBuffer, v int32) {
	var out [5]byte
	n := VLQLen(v)
	for i := 0; i < n-1; i++ {
		out[i] = byte(v>>(7*uint(n-1-i)))&0x7F | 0x80
	}
	out[n-1] = byte(v) & 0x7F
	output.Output(out[:n])
}

// EncodeVLQUint writes an unsigned value; the receiver reads it back with
// DecodeVLQUint
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQ decodes one value from the front of data and reports the bytes
// consumed
func DecodeVLQ(data []byte) (int32, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrBufferTooSmall
	}
	c := uint32(data[0])
	v := c & 0x7F
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	i := 1
	for ; c&0x80 != 0; i++ {
		if i == len(data) {
			return 0, 0, ErrBufferTooSmall
		}
		c = uint32(data[i])
		v = v<<7 | c&0x7F
	}
	return int32(v), i, nil
}

// DecodeVLQInt decodes one value and advances data past it
func DecodeVLQInt(data *[]byte) (int32, error) {
	v, n, err := DecodeVLQ(*data)
	if err != nil {
		return 0, err
	}
	*data = (*data)[n:]
	return v, nil
}

// DecodeVLQUint is DecodeVLQInt for values written with EncodeVLQUint
func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeVLQ returns the encoding of v
func EncodeVLQ(v int32) []byte {
	output := NewScratchOutput()
	EncodeVLQInt(output, v)
	return append([]byte(nil), output.Result()...)
}
