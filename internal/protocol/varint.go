package protocol

import "fmt"

// DecodeVarint reads a base-128 little-endian varint from buf starting at
// offset. It returns the value and the offset just past the terminating
// byte. Bits beyond the 64th are discarded; there is no length cap.
func DecodeVarint(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 {
		return 0, offset, fmt.Errorf("%w: negative varint offset %d", ErrOutOfBounds, offset)
	}

	var (
		value uint64
		shift uint
	)
	for p := offset; p < len(buf); p++ {
		b := buf[p]
		if shift < 64 {
			value |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			return value, p + 1, nil
		}
	}

	return 0, offset, fmt.Errorf("%w: unterminated varint at offset %d (buffer %d bytes)",
		ErrOutOfBounds, offset, len(buf))
}

// VarintLen returns the number of bytes the varint encoding of v occupies.
func VarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
