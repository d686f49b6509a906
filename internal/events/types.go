// Package events defines event types and payloads for the liqitap event bus.
package events

import (
	"time"

	"github.com/energizer-project/liqitap/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Frame events
	EventFrameDecoded  EventType = "frame_decoded"
	EventFrameRejected EventType = "frame_rejected"

	// Flow lifecycle events. The values double as record types in the
	// JSON-lines output.
	EventFlowStarted EventType = "websocket_start"
	EventFlowEnded   EventType = "websocket_end"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// FrameMeta is the host-supplied context of an observed frame. None of it
// is interpreted by the decoder.
type FrameMeta struct {
	FlowID     string
	Host       string
	FromClient bool
	Timestamp  time.Time
}

// Direction returns the direction label used in logs.
func (m FrameMeta) Direction() string {
	if m.FromClient {
		return "client_to_server"
	}
	return "server_to_client"
}

// FrameDecodedPayload carries a successfully decoded frame.
type FrameDecodedPayload struct {
	FrameMeta
	Size    int
	Message *protocol.Message
}

// FrameRejectedPayload carries a frame the decoder refused.
type FrameRejectedPayload struct {
	FrameMeta
	Size   int
	Reason string
	Err    error
	Raw    []byte
}

// FlowPayload describes a relayed websocket connection opening or closing.
type FlowPayload struct {
	FlowID    string
	Host      string
	Path      string
	Timestamp time.Time

	// Set on EventFlowEnded only.
	Frames int64
	Err    error
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
