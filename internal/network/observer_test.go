package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

func collect(bus *events.EventBus, t events.EventType) *[]events.Event {
	var got []events.Event
	bus.Subscribe(t, "collect", func(_ context.Context, e events.Event) error {
		got = append(got, e)
		return nil
	})
	return &got
}

func TestObserverDecodes(t *testing.T) {
	bus := events.NewEventBus()
	decoded := collect(bus, events.EventFrameDecoded)
	obs := NewObserver(bus, NewHostFilter([]string{"majsoul.com"}))

	frame := protocol.EncodeEnvelope(&protocol.Envelope{
		Kind:    protocol.KindRequest,
		ID:      42,
		Method:  ".lq.Lobby.login",
		Payload: []byte{0x0a, 0x01, 0x61},
	})
	meta := events.FrameMeta{FlowID: "f1", Host: "game.majsoul.com", FromClient: true, Timestamp: time.Now()}

	if err := obs.Observe(context.Background(), Frame{FrameMeta: meta, Data: frame}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if len(*decoded) != 1 {
		t.Fatalf("decoded events = %d, want 1", len(*decoded))
	}
	p := (*decoded)[0].Payload.(*events.FrameDecodedPayload)
	if p.Message.Method != ".lq.Lobby.login" || p.Message.ID != 42 {
		t.Errorf("unexpected message %+v", p.Message.Envelope)
	}
	if p.FlowID != "f1" || !p.FromClient || p.Size != len(frame) {
		t.Errorf("meta not carried through: %+v", p)
	}
	if s := obs.Stats(); s.Decoded != 1 || s.Rejected != 0 || s.Skipped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestObserverRejects(t *testing.T) {
	bus := events.NewEventBus()
	rejected := collect(bus, events.EventFrameRejected)
	decoded := collect(bus, events.EventFrameDecoded)
	obs := NewObserver(bus, NewHostFilter([]string{"majsoul.com"}))

	meta := events.FrameMeta{Host: "majsoul.com"}
	for _, data := range [][]byte{{0x01}, {0x07, 0x00}, {0x02, 0x01}} {
		if err := obs.Observe(context.Background(), Frame{FrameMeta: meta, Data: data}); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	if len(*decoded) != 0 {
		t.Errorf("decoded events = %d, want 0", len(*decoded))
	}
	if len(*rejected) != 3 {
		t.Fatalf("rejected events = %d, want 3", len(*rejected))
	}

	want := []string{"malformed_envelope", "unknown_frame_kind", "out_of_bounds"}
	for i, e := range *rejected {
		p := e.Payload.(*events.FrameRejectedPayload)
		if p.Reason != want[i] {
			t.Errorf("reject %d reason = %q, want %q", i, p.Reason, want[i])
		}
		if p.Err == nil || len(p.Raw) != p.Size {
			t.Errorf("reject %d missing detail: %+v", i, p)
		}
	}
	if s := obs.Stats(); s.Rejected != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestObserverSkipsForeignHosts(t *testing.T) {
	bus := events.NewEventBus()
	decoded := collect(bus, events.EventFrameDecoded)
	rejected := collect(bus, events.EventFrameRejected)
	obs := NewObserver(bus, NewHostFilter([]string{"majsoul.com"}))

	err := obs.Observe(context.Background(), Frame{
		FrameMeta: events.FrameMeta{Host: "example.com"},
		Data:      []byte{0x01},
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(*decoded)+len(*rejected) != 0 {
		t.Error("frame from foreign host was published")
	}
	if s := obs.Stats(); s.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", s.Skipped)
	}
}

func TestObserverReturnsSinkError(t *testing.T) {
	bus := events.NewEventBus()
	sinkErr := errors.New("disk full")
	bus.Subscribe(events.EventFrameDecoded, "broken", func(context.Context, events.Event) error {
		return sinkErr
	})
	obs := NewObserver(bus, NewHostFilter([]string{"majsoul.com"}))

	frame := protocol.EncodeEnvelope(&protocol.Envelope{Kind: protocol.KindNotify, Method: ".lq.NotifyX", Payload: []byte{1}})
	err := obs.Observe(context.Background(), Frame{FrameMeta: events.FrameMeta{Host: "majsoul.com"}, Data: frame})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("Observe err = %v, want %v", err, sinkErr)
	}
}
