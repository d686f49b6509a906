package protocol

import (
	"errors"
	"math"
	"math/bits"
	"math/rand"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func varintSamples() []uint64 {
	samples := []uint64{0, 1, 127, 128, 255, 256, 300, 16383, 16384, math.MaxUint32}
	for shift := uint(7); shift < 32; shift += 7 {
		samples = append(samples, 1<<shift-1, 1<<shift, 1<<shift+1)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		samples = append(samples, uint64(rng.Uint32()))
	}
	return samples
}

func TestDecodeVarintRoundTrip(t *testing.T) {
	for _, v := range varintSamples() {
		enc := protowire.AppendVarint(nil, v)

		got, next, err := DecodeVarint(enc, 0)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("decode %d: got %d", v, got)
		}

		bitLen := bits.Len64(v)
		if bitLen == 0 {
			bitLen = 1
		}
		want := (bitLen + 6) / 7
		if next != want {
			t.Fatalf("decode %d: consumed %d bytes, want %d", v, next, want)
		}
		if VarintLen(v) != want {
			t.Fatalf("VarintLen(%d) = %d, want %d", v, VarintLen(v), want)
		}
	}
}

func TestDecodeVarintAtOffset(t *testing.T) {
	buf := []byte{0xff, 0xAC, 0x02, 0x01}
	v, next, err := DecodeVarint(buf, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != 300 || next != 3 {
		t.Fatalf("got (%d, %d), want (300, 3)", v, next)
	}
}

func TestDecodeVarintFull64Bits(t *testing.T) {
	enc := protowire.AppendVarint(nil, math.MaxUint64)
	v, next, err := DecodeVarint(enc, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != math.MaxUint64 || next != len(enc) {
		t.Fatalf("got (%d, %d), want (%d, %d)", v, next, uint64(math.MaxUint64), len(enc))
	}
}

func TestDecodeVarintOutOfBounds(t *testing.T) {
	cases := []struct {
		name   string
		buf    []byte
		offset int
	}{
		{name: "empty", buf: nil, offset: 0},
		{name: "unterminated", buf: []byte{0x80, 0x80}, offset: 0},
		{name: "offset at end", buf: []byte{0x01}, offset: 1},
		{name: "offset past end", buf: []byte{0x01}, offset: 5},
		{name: "negative offset", buf: []byte{0x01}, offset: -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeVarint(tc.buf, tc.offset)
			if !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("expected ErrOutOfBounds, got %v", err)
			}
		})
	}
}
