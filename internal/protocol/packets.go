// Package protocol implements the decoder for the Liqi websocket protocol
// spoken between the Mahjong Soul client and its game servers. Every
// websocket binary message is one frame:
//
//	notify:   [0x01][fields...]
//	request:  [0x02][id:2 LE][fields...]
//	response: [0x03][id:2 LE][fields...]
//
// The field region is a protobuf-style tag/length/value stream whose first
// field is the method name and second field is the method payload.
package protocol

// FrameKind is the leading byte of a frame.
type FrameKind uint8

const (
	KindNotify   FrameKind = 0x01 // Server push (or client notify), no id
	KindRequest  FrameKind = 0x02 // Client request, carries correlation id
	KindResponse FrameKind = 0x03 // Server response, carries correlation id
)

// String returns the record label used in the JSON-lines output.
func (k FrameKind) String() string {
	switch k {
	case KindNotify:
		return "notify"
	case KindRequest:
		return "req"
	case KindResponse:
		return "res"
	default:
		return "unknown"
	}
}

// HasID reports whether frames of this kind carry a correlation id.
func (k FrameKind) HasID() bool {
	return k == KindRequest || k == KindResponse
}

// ParseFrameKind maps a record label back to a FrameKind.
func ParseFrameKind(s string) (FrameKind, bool) {
	switch s {
	case "notify":
		return KindNotify, true
	case "req":
		return KindRequest, true
	case "res":
		return KindResponse, true
	}
	return 0, false
}

// WireType is the low three bits of a field tag.
type WireType uint8

const (
	WireVarint WireType = 0
	WireBytes  WireType = 2
)

// String returns the wire type name.
func (w WireType) String() string {
	switch w {
	case WireVarint:
		return "varint"
	case WireBytes:
		return "bytes"
	default:
		return "unsupported"
	}
}

const (
	// KindSize is the size of the leading kind byte.
	KindSize = 1

	// IDSize is the size of the little-endian correlation id.
	IDSize = 2

	// MinIDFrameSize is the smallest valid request/response frame.
	MinIDFrameSize = KindSize + IDSize
)

// ActionMethod is the notify method whose payload is an XOR-scrambled
// inner action envelope.
const ActionMethod = ".lq.ActionPrototype"

// actionKeys is the fixed nine-byte key schedule of the action cipher.
var actionKeys = [9]byte{0x84, 0x5e, 0x4e, 0x42, 0x39, 0xa2, 0x1f, 0x60, 0x1c}
