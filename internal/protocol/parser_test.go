package protocol

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func actionFrame(payload []byte) []byte {
	return NewFrameBuilder().
		Header(KindNotify, 0).
		Text(1, ActionMethod).
		Bytes(2, payload).
		Build()
}

func TestFrameParserDecodesAction(t *testing.T) {
	inner := &ActionEnvelope{Name: "ActionNewRound", Payload: []byte{0x08, 0x01}}
	frame := actionFrame(EncodeAction(inner))

	msg, err := NewFrameParser().Parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !msg.IsAction() {
		t.Fatal("expected action notify")
	}
	if msg.ActionErr != nil {
		t.Fatalf("unexpected action error: %v", msg.ActionErr)
	}
	if msg.Action == nil || msg.Action.Name != "ActionNewRound" || !bytes.Equal(msg.Action.Payload, inner.Payload) {
		t.Fatalf("action mismatch: %+v", msg.Action)
	}
}

func TestFrameParserKeepsEnvelopeWhenActionFails(t *testing.T) {
	// A single 0x00 byte decrypts to 0x9a, an unterminated tag varint.
	frame := actionFrame([]byte{0x00})

	msg, err := NewFrameParser().Parse(frame)
	if err != nil {
		t.Fatalf("outer envelope should decode: %v", err)
	}
	if msg.Method != ActionMethod || !bytes.Equal(msg.Payload, []byte{0x00}) {
		t.Fatalf("outer envelope mismatch: %+v", msg.Envelope)
	}
	if msg.Action != nil {
		t.Fatalf("expected no action, got %+v", msg.Action)
	}
	if !errors.Is(msg.ActionErr, ErrCipherDecode) {
		t.Fatalf("expected ErrCipherDecode, got %v", msg.ActionErr)
	}
}

func TestFrameParserOnlyDecryptsNotify(t *testing.T) {
	inner := &ActionEnvelope{Name: "ActionNewRound", Payload: []byte{0x08, 0x01}}
	scrambled := EncodeAction(inner)
	frame := NewFrameBuilder().
		Header(KindRequest, 5).
		Text(1, ActionMethod).
		Bytes(2, scrambled).
		Build()

	msg, err := NewFrameParser().Parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Action != nil || msg.ActionErr != nil {
		t.Fatalf("request frames must not be decrypted: %+v", msg)
	}
	if !bytes.Equal(msg.Payload, scrambled) {
		t.Fatal("payload must be left untouched")
	}
}

func TestFrameParserRejectsBadFrame(t *testing.T) {
	msg, err := NewFrameParser().Parse([]byte{0x05, 0x00})
	if !errors.Is(err, ErrUnknownFrameKind) {
		t.Fatalf("expected ErrUnknownFrameKind, got %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message, got %+v", msg)
	}
}

func TestFrameParserConcurrentUse(t *testing.T) {
	parser := NewFrameParser()
	frame := []byte{0x02, 0x2C, 0x01, 0x0A, 0x03, 'f', 'o', 'o', 0x12, 0x01, 0x7F}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				msg, err := parser.Parse(frame)
				if err != nil {
					errs <- err
					return
				}
				if msg.ID != 300 || msg.Method != "foo" {
					errs <- errors.New("unexpected decode result")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
