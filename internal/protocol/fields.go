package protocol

import "fmt"

// Field is one decoded tag/length/value entry.
//
// Type selects which half of the value is meaningful: varint fields carry
// Value, bytes fields carry Data. For varint fields Data still holds the
// raw encoded varint bytes so the field can be treated as opaque bytes.
type Field struct {
	ID    uint64
	Type  WireType
	Value uint64
	Data  []byte
}

// Varint returns the integer value of a varint field.
func (f Field) Varint() (uint64, bool) {
	return f.Value, f.Type == WireVarint
}

// Bytes returns the content of a length-delimited field.
func (f Field) Bytes() ([]byte, bool) {
	if f.Type != WireBytes {
		return nil, false
	}
	return f.Data, true
}

// DecodeFields parses buf as a sequence of fields until the cursor lands
// exactly on the end of the buffer. An empty buffer yields an empty list.
// Returned fields own copies of their bytes.
func DecodeFields(buf []byte) ([]Field, error) {
	fields := make([]Field, 0, 2)

	for p := 0; p < len(buf); {
		begin := p

		// The tag is a varint; ids up to 15 fit in its first byte.
		tag, next, err := DecodeVarint(buf, p)
		if err != nil {
			return nil, fmt.Errorf("field tag at %d: %w", begin, err)
		}
		p = next

		id := tag >> 3
		wire := WireType(tag & 7)

		switch wire {
		case WireVarint:
			value, end, err := DecodeVarint(buf, p)
			if err != nil {
				return nil, fmt.Errorf("field %d varint: %w", id, err)
			}
			fields = append(fields, Field{
				ID:    id,
				Type:  WireVarint,
				Value: value,
				Data:  clone(buf[p:end]),
			})
			p = end

		case WireBytes:
			length, start, err := DecodeVarint(buf, p)
			if err != nil {
				return nil, fmt.Errorf("field %d length: %w", id, err)
			}
			remaining := uint64(len(buf) - start)
			if length > remaining {
				return nil, fmt.Errorf("%w: field %d declares %d bytes, %d remain",
					ErrOutOfBounds, id, length, remaining)
			}
			end := start + int(length)
			fields = append(fields, Field{
				ID:   id,
				Type: WireBytes,
				Data: clone(buf[start:end]),
			})
			p = end

		default:
			return nil, fmt.Errorf("%w: %d (tag 0x%x at offset %d)",
				ErrUnsupportedWireType, wire, tag, begin)
		}
	}

	return fields, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
