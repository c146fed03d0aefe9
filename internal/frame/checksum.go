package frame

import "encoding/binary"

// Checksum computes the RFC 1071 Internet checksum of b. Callers zero the
// checksum field before computing it for a frame. An odd trailing byte is
// padded with zero.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}

	// Fold twice: the first fold can carry once more.
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16

	return ^uint16(sum)
}

// Verify reports whether a complete wire body carries a valid checksum.
// Summing a body that includes its own checksum yields zero.
func Verify(raw []byte) bool {
	return Checksum(raw) == 0
}
