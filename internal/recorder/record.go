// Package recorder persists decoded frames as JSON lines, one record per
// line, and reads them back.
package recorder

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

// Record types besides the frame kinds (notify, req, res).
const (
	TypeFlowStart = string(events.EventFlowStarted)
	TypeFlowEnd   = string(events.EventFlowEnded)
)

// Record is one line of the output file. Frame records always carry
// from_client, method and data (method is "" for responses); id only on
// req/res; action_name and action_data only on a decoded action notify.
// Flow records carry type, host, timestamp and flow_id.
type Record struct {
	Type       string  `json:"type"`
	ID         *uint16 `json:"id,omitempty"`
	FromClient *bool   `json:"from_client,omitempty"`
	Host       string  `json:"host"`
	Method     *string `json:"method,omitempty"`
	Data       *string `json:"data,omitempty"`
	Timestamp  float64 `json:"timestamp"`
	ActionName *string `json:"action_name,omitempty"`
	ActionData *string `json:"action_data,omitempty"`
	FlowID     string  `json:"flow_id,omitempty"`
}

// FrameRecord builds the record for a decoded frame.
func FrameRecord(p *events.FrameDecodedPayload) *Record {
	msg := p.Message
	fromClient := p.FromClient
	method := msg.Method
	data := base64.StdEncoding.EncodeToString(msg.Payload)

	rec := &Record{
		Type:       msg.Kind.String(),
		FromClient: &fromClient,
		Host:       p.Host,
		Method:     &method,
		Data:       &data,
		Timestamp:  epochSeconds(p.Timestamp),
	}

	if id, ok := msg.CorrelationID(); ok {
		rec.ID = &id
	}

	if msg.Action != nil {
		name := msg.Action.Name
		actionData := base64.StdEncoding.EncodeToString(msg.Action.Payload)
		rec.ActionName = &name
		rec.ActionData = &actionData
	}

	return rec
}

// FlowRecord builds the record for a flow start or end.
func FlowRecord(t events.EventType, p *events.FlowPayload) *Record {
	return &Record{
		Type:      string(t),
		Host:      p.Host,
		Timestamp: epochSeconds(p.Timestamp),
		FlowID:    p.FlowID,
	}
}

// IsFrame reports whether the record describes a frame.
func (r *Record) IsFrame() bool {
	_, ok := protocol.ParseFrameKind(r.Type)
	return ok
}

// Payload decodes the base64 data field.
func (r *Record) Payload() ([]byte, error) {
	if r.Data == nil {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(*r.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record data: %w", err)
	}
	return b, nil
}

// ActionPayload decodes the base64 action_data field.
func (r *Record) ActionPayload() ([]byte, error) {
	if r.ActionData == nil {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(*r.ActionData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record action data: %w", err)
	}
	return b, nil
}

// Time converts the timestamp back to a time.Time.
func (r *Record) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
