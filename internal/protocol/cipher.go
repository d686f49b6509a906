package protocol

import "fmt"

// ActionEnvelope is the inner envelope carried by an ActionPrototype notify.
type ActionEnvelope struct {
	Name    string
	Payload []byte
}

// XORAction applies the action keystream to data and returns a new slice.
// The keystream depends only on len(data) and the byte index, so the
// transform is its own inverse.
func XORAction(data []byte) []byte {
	n := len(data)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		k := byte(((23 ^ n) + 5*i + int(actionKeys[i%len(actionKeys)])) & 0xff)
		out[i] = data[i] ^ k
	}
	return out
}

// DecodeAction unscrambles an action payload and decodes the inner envelope.
// Any failure wraps ErrCipherDecode together with the underlying cause.
func DecodeAction(payload []byte) (*ActionEnvelope, error) {
	fields, err := DecodeFields(XORAction(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCipherDecode, err)
	}

	name, inner, err := splitNamed(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCipherDecode, err)
	}

	return &ActionEnvelope{Name: name, Payload: inner}, nil
}
