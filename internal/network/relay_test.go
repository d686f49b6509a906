package network

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

// echoUpstream is a websocket server that echoes every message and records
// the request paths it saw.
type echoUpstream struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newEchoUpstream(t *testing.T) *echoUpstream {
	t.Helper()
	up := &echoUpstream{}
	upgrader := websocket.Upgrader{}
	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.mu.Lock()
		up.paths = append(up.paths, r.URL.RequestURI())
		up.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(up.Close)
	return up
}

func wsURL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

type relayHarness struct {
	relay    *Relay
	server   *httptest.Server
	decoded  chan *events.FrameDecodedPayload
	started  chan *events.FlowPayload
	ended    chan *events.FlowPayload
	upstream *echoUpstream
}

func newRelayHarness(t *testing.T, cfg RelayConfig) *relayHarness {
	t.Helper()

	h := &relayHarness{
		decoded:  make(chan *events.FrameDecodedPayload, 16),
		started:  make(chan *events.FlowPayload, 4),
		ended:    make(chan *events.FlowPayload, 4),
		upstream: newEchoUpstream(t),
	}

	bus := events.NewEventBus()
	bus.Subscribe(events.EventFrameDecoded, "test", func(_ context.Context, e events.Event) error {
		h.decoded <- e.Payload.(*events.FrameDecodedPayload)
		return nil
	})
	bus.Subscribe(events.EventFlowStarted, "test", func(_ context.Context, e events.Event) error {
		h.started <- e.Payload.(*events.FlowPayload)
		return nil
	})
	bus.Subscribe(events.EventFlowEnded, "test", func(_ context.Context, e events.Event) error {
		h.ended <- e.Payload.(*events.FlowPayload)
		return nil
	})

	cfg.UpstreamURL = wsURL(h.upstream.Server, "/base")
	obs := NewObserver(bus, NewHostFilter([]string{"127.0.0.1"}))
	relay, err := NewRelay(cfg, obs, bus)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	h.relay = relay

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.server = httptest.NewServer(relay.Handler(ctx))
	t.Cleanup(h.server.Close)
	return h
}

func TestRelayForwardsAndObserves(t *testing.T) {
	h := newRelayHarness(t, RelayConfig{})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(h.server, "/gateway?v=1"), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer client.Close()

	var started *events.FlowPayload
	select {
	case started = <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no flow start event")
	}
	if started.Path != "/gateway" || started.Host != "127.0.0.1" || started.FlowID == "" {
		t.Errorf("flow start = %+v", started)
	}

	frame := protocol.EncodeEnvelope(&protocol.Envelope{
		Kind:    protocol.KindRequest,
		ID:      300,
		Method:  ".lq.Lobby.login",
		Payload: []byte{0x7f},
	})
	if err := client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}
	mt, echoed, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(echoed, frame) {
		t.Fatalf("echo = %d %x, want binary %x", mt, echoed, frame)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	mt, text, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(text) != "hello" {
		t.Fatalf("text echo = %d %q", mt, text)
	}

	// Both directions of the binary frame were observed; text was not.
	var dirs []bool
	for i := 0; i < 2; i++ {
		select {
		case p := <-h.decoded:
			if p.Message.ID != 300 || p.FlowID != started.FlowID {
				t.Errorf("decoded = %+v", p)
			}
			dirs = append(dirs, p.FromClient)
		case <-time.After(5 * time.Second):
			t.Fatal("missing decoded frame")
		}
	}
	if !dirs[0] || dirs[1] {
		t.Errorf("directions = %v, want [true false]", dirs)
	}
	select {
	case p := <-h.decoded:
		t.Errorf("unexpected extra decoded frame %+v", p)
	default:
	}

	if got := h.relay.Flows().Count(); got != 1 {
		t.Errorf("active flows = %d, want 1", got)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	select {
	case ended := <-h.ended:
		if ended.FlowID != started.FlowID {
			t.Errorf("ended flow %s, want %s", ended.FlowID, started.FlowID)
		}
		if ended.Frames != 4 {
			t.Errorf("frames = %d, want 4", ended.Frames)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no flow end event")
	}

	if got := h.relay.Flows().Count(); got != 0 {
		t.Errorf("active flows after close = %d", got)
	}

	h.upstream.mu.Lock()
	defer h.upstream.mu.Unlock()
	if len(h.upstream.paths) != 1 || h.upstream.paths[0] != "/base/gateway?v=1" {
		t.Errorf("upstream paths = %v", h.upstream.paths)
	}
}

func TestRelayRateLimit(t *testing.T) {
	h := newRelayHarness(t, RelayConfig{MaxConnPerSec: 1})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(h.server, "/"), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h.server, "/"), nil)
	if err == nil {
		t.Fatal("second dial should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp = %v, want 429", resp)
	}
}

func TestRelayUpstreamDown(t *testing.T) {
	h := newRelayHarness(t, RelayConfig{})
	h.upstream.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h.server, "/"), nil)
	if err == nil {
		t.Fatal("dial should fail when upstream is down")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("resp = %v, want 502", resp)
	}
}

func TestNewRelayRejectsBadUpstream(t *testing.T) {
	bus := events.NewEventBus()
	obs := NewObserver(bus, NewHostFilter(nil))
	for _, u := range []string{"http://example.com", "ws://", "::bad"} {
		if _, err := NewRelay(RelayConfig{UpstreamURL: u}, obs, bus); err == nil {
			t.Errorf("NewRelay(%q) succeeded", u)
		}
	}
}

func TestTargetURL(t *testing.T) {
	bus := events.NewEventBus()
	r, err := NewRelay(RelayConfig{UpstreamURL: "wss://gw.majsoul.com:443/ws/"}, NewObserver(bus, NewHostFilter(nil)), bus)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path, query, want string
	}{
		{"/", "", "wss://gw.majsoul.com:443/ws/"},
		{"/gateway", "", "wss://gw.majsoul.com:443/ws/gateway"},
		{"/game-gateway", "a=1", "wss://gw.majsoul.com:443/ws/game-gateway?a=1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://relay"+tt.path+"?"+tt.query, nil)
		if got := r.targetURL(req.URL); got != tt.want {
			t.Errorf("targetURL(%s?%s) = %s, want %s", tt.path, tt.query, got, tt.want)
		}
	}
}
