package protocol

// crc16 accumulates the CCITT checksum (Klipper flavour) that closes every
// message block
type crc16 uint16

const crc16Init crc16 = 0xFFFF

func (c crc16) update(data []byte) crc16 {
	for _, b := range data {
		b ^= byte(c)
		b ^= b << 4
		w := uint16(b)
		c = crc16(w<<8|uint16(c)>>8) ^ crc16(w>>4) ^ crc16(w<<3)
	}
	return c
}

// CRC16 returns the block checksum of data
func CRC16(data []byte) uint16 {
	return uint16(crc16Init.update(data))
}
