package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Envelope is the decoded form of one frame.
type Envelope struct {
	Kind FrameKind

	// ID is the correlation id; meaningful only when Kind.HasID().
	ID uint16

	// Method is the dotted method name. Responses carry none and leave it
	// empty; use HasMethod to tell an absent method from an empty one.
	Method string

	// Payload is the exact bytes of the second field.
	Payload []byte
}

// CorrelationID returns the request/response id, if the frame has one.
func (e *Envelope) CorrelationID() (uint16, bool) {
	return e.ID, e.Kind.HasID()
}

// HasMethod reports whether the envelope carries a method name.
func (e *Envelope) HasMethod() bool {
	return e.Kind == KindNotify || e.Kind == KindRequest
}

// IsAction reports whether the payload is a scrambled action envelope.
func (e *Envelope) IsAction() bool {
	return e.Kind == KindNotify && e.Method == ActionMethod
}

// DecodeEnvelope classifies frame by its first byte, extracts the
// correlation id for requests and responses, and decodes the field region.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	if len(frame) < KindSize {
		return nil, fmt.Errorf("%w: empty frame", ErrOutOfBounds)
	}

	env := &Envelope{Kind: FrameKind(frame[0])}
	var body []byte

	switch env.Kind {
	case KindNotify:
		body = frame[KindSize:]
	case KindRequest, KindResponse:
		if len(frame) < MinIDFrameSize {
			return nil, fmt.Errorf("%w: %s frame is %d bytes, need at least %d",
				ErrOutOfBounds, env.Kind, len(frame), MinIDFrameSize)
		}
		env.ID = binary.LittleEndian.Uint16(frame[KindSize:MinIDFrameSize])
		body = frame[MinIDFrameSize:]
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, frame[0])
	}

	fields, err := DecodeFields(body)
	if err != nil {
		return nil, fmt.Errorf("%s frame: %w", env.Kind, err)
	}

	name, payload, err := splitNamed(fields)
	if err != nil {
		return nil, fmt.Errorf("%s frame: %w", env.Kind, err)
	}

	if env.HasMethod() {
		env.Method = name
	}
	env.Payload = payload

	return env, nil
}

// splitNamed validates the two leading fields shared by envelopes and
// action envelopes: a UTF-8 name followed by an opaque payload. The payload
// is taken as bytes whatever its wire type.
func splitNamed(fields []Field) (string, []byte, error) {
	if len(fields) < 2 {
		return "", nil, fmt.Errorf("%w: %d fields, need at least 2", ErrMalformedEnvelope, len(fields))
	}

	name, ok := fields[0].Bytes()
	if !ok {
		return "", nil, fmt.Errorf("%w: first field is %s, want bytes", ErrMalformedEnvelope, fields[0].Type)
	}
	if !utf8.Valid(name) {
		return "", nil, fmt.Errorf("%w: first field is not valid UTF-8", ErrMalformedEnvelope)
	}

	return string(name), fields[1].Data, nil
}
