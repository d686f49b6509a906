package protocol

import (
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameBuilder constructs frames. It is the inverse of DecodeEnvelope and
// is used by tooling and tests to produce wire-accurate input.
type FrameBuilder struct {
	buf []byte
}

// NewFrameBuilder creates a new FrameBuilder.
func NewFrameBuilder() *FrameBuilder {
	return &FrameBuilder{}
}

// Header writes the kind byte and, for requests and responses, the
// little-endian correlation id.
func (b *FrameBuilder) Header(kind FrameKind, id uint16) *FrameBuilder {
	b.buf = append(b.buf, byte(kind))
	if kind.HasID() {
		b.buf = binary.LittleEndian.AppendUint16(b.buf, id)
	}
	return b
}

// Varint writes a varint field.
func (b *FrameBuilder) Varint(id, v uint64) *FrameBuilder {
	b.buf = appendTag(b.buf, id, WireVarint)
	b.buf = protowire.AppendVarint(b.buf, v)
	return b
}

// Bytes writes a length-delimited field.
func (b *FrameBuilder) Bytes(id uint64, data []byte) *FrameBuilder {
	b.buf = appendTag(b.buf, id, WireBytes)
	b.buf = protowire.AppendBytes(b.buf, data)
	return b
}

// Text writes a length-delimited field holding s.
func (b *FrameBuilder) Text(id uint64, s string) *FrameBuilder {
	b.buf = appendTag(b.buf, id, WireBytes)
	b.buf = protowire.AppendString(b.buf, s)
	return b
}

// Build returns a copy of the constructed bytes.
func (b *FrameBuilder) Build() []byte {
	return clone(b.buf)
}

// EncodeVarint returns the varint encoding of v.
func EncodeVarint(v uint64) []byte {
	return protowire.AppendVarint(nil, v)
}

// EncodeFields encodes fields in order. Varint fields are written from
// Value, bytes fields from Data.
func EncodeFields(fields []Field) []byte {
	b := NewFrameBuilder()
	for _, f := range fields {
		if f.Type == WireVarint {
			b.Varint(f.ID, f.Value)
		} else {
			b.Bytes(f.ID, f.Data)
		}
	}
	return b.Build()
}

// EncodeEnvelope builds a frame from an envelope, using field ids 1 and 2
// for the method and payload as the game client does.
func EncodeEnvelope(env *Envelope) []byte {
	return NewFrameBuilder().
		Header(env.Kind, env.ID).
		Text(1, env.Method).
		Bytes(2, env.Payload).
		Build()
}

// EncodeAction builds a scrambled ActionPrototype payload.
func EncodeAction(action *ActionEnvelope) []byte {
	plain := NewFrameBuilder().
		Text(1, action.Name).
		Bytes(2, action.Payload).
		Build()
	return XORAction(plain)
}

func appendTag(b []byte, id uint64, wire WireType) []byte {
	return protowire.AppendVarint(b, id<<3|uint64(wire))
}
