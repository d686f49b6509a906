package protocol

import "errors"

// Decode errors. Every failure returned by this package wraps exactly one
// of these, so callers can classify with errors.Is.
var (
	ErrOutOfBounds         = errors.New("protocol: out of bounds")
	ErrUnsupportedWireType = errors.New("protocol: unsupported wire type")
	ErrUnknownFrameKind    = errors.New("protocol: unknown frame kind")
	ErrMalformedEnvelope   = errors.New("protocol: malformed envelope")
	ErrCipherDecode        = errors.New("protocol: action cipher decode failure")
)

// Reason labels used by metrics, the archive and rejected-frame events.
const (
	ReasonOutOfBounds         = "out_of_bounds"
	ReasonUnsupportedWireType = "unsupported_wire_type"
	ReasonUnknownFrameKind    = "unknown_frame_kind"
	ReasonMalformedEnvelope   = "malformed_envelope"
	ReasonCipherDecode        = "cipher_decode"
	ReasonOther               = "other"
)

// Reason returns a stable short label for a decode error.
// ErrCipherDecode is checked first since it also wraps the inner TLV error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCipherDecode):
		return ReasonCipherDecode
	case errors.Is(err, ErrOutOfBounds):
		return ReasonOutOfBounds
	case errors.Is(err, ErrUnsupportedWireType):
		return ReasonUnsupportedWireType
	case errors.Is(err, ErrUnknownFrameKind):
		return ReasonUnknownFrameKind
	case errors.Is(err, ErrMalformedEnvelope):
		return ReasonMalformedEnvelope
	default:
		return ReasonOther
	}
}
