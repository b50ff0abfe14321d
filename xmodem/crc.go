package xmodem

// CRC16 computes the CRC-16/CCITT checksum the device firmware uses for
// transfer blocks.
func CRC16(data []byte) uint16 {
	var crc uint32
	for _, b := range data {
		crc = ((crc >> 8) & 0xFF) | ((crc << 8) & 0xFFFF)
		crc ^= uint32(b)
		crc ^= (crc & 0xFF) >> 4
		crc ^= (crc << 8) << 4
		crc ^= ((crc & 0xFF) << 4) << 1
		crc &= 0xFFFF
	}
	return uint16(crc)
}
