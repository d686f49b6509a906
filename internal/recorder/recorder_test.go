package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

func decodedPayload(t *testing.T, frame []byte, fromClient bool, ts time.Time) *events.FrameDecodedPayload {
	t.Helper()
	msg, err := protocol.NewFrameParser().Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return &events.FrameDecodedPayload{
		FrameMeta: events.FrameMeta{FlowID: "flow-1", Host: "game.maj-soul.com", FromClient: fromClient, Timestamp: ts},
		Size:      len(frame),
		Message:   msg,
	}
}

func lines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		m := map[string]interface{}{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func keys(m map[string]interface{}) string {
	var ks []string
	for _, k := range []string{"type", "id", "from_client", "host", "method", "data", "timestamp", "action_name", "action_data", "flow_id"} {
		if _, ok := m[k]; ok {
			ks = append(ks, k)
		}
	}
	if len(ks) != len(m) {
		return "unexpected keys"
	}
	return strings.Join(ks, ",")
}

func TestWriterRecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "mitm_messages.json")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ts := time.Unix(1700000000, 250000000)

	// Scenario A notify, Scenario B request, a response, an action notify.
	notify := []byte{0x01, 0x0A, 0x03, 'a', 'b', 'c', 0x12, 0x02, 0xDE, 0xAD}
	req := []byte{0x02, 0x2C, 0x01, 0x0A, 0x03, 'f', 'o', 'o', 0x12, 0x01, 0x7F}
	res := protocol.EncodeEnvelope(&protocol.Envelope{Kind: protocol.KindResponse, ID: 300, Payload: []byte{0x08, 0x01}})
	action := protocol.EncodeEnvelope(&protocol.Envelope{
		Kind:    protocol.KindNotify,
		Method:  protocol.ActionMethod,
		Payload: protocol.EncodeAction(&protocol.ActionEnvelope{Name: "ActionDiscardTile", Payload: []byte{0x0a, 0x02, 0x31, 0x6d}}),
	})

	for i, frame := range [][]byte{notify, req, res, action} {
		if err := w.WriteFrame(decodedPayload(t, frame, i == 1, ts)); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got := lines(t, path)
	if len(got) != 4 {
		t.Fatalf("lines = %d, want 4", len(got))
	}

	if k := keys(got[0]); k != "type,from_client,host,method,data,timestamp" {
		t.Errorf("notify keys = %s", k)
	}
	if got[0]["type"] != "notify" || got[0]["method"] != "abc" || got[0]["data"] != "3q0=" {
		t.Errorf("notify = %v", got[0])
	}
	if got[0]["timestamp"].(float64) != 1700000000.25 {
		t.Errorf("timestamp = %v", got[0]["timestamp"])
	}

	if k := keys(got[1]); k != "type,id,from_client,host,method,data,timestamp" {
		t.Errorf("req keys = %s", k)
	}
	if got[1]["id"].(float64) != 300 || got[1]["method"] != "foo" || got[1]["data"] != "fw==" || got[1]["from_client"] != true {
		t.Errorf("req = %v", got[1])
	}

	if got[2]["type"] != "res" || got[2]["method"] != "" || got[2]["data"] != "CAE=" {
		t.Errorf("res = %v", got[2])
	}

	if k := keys(got[3]); k != "type,from_client,host,method,data,timestamp,action_name,action_data" {
		t.Errorf("action keys = %s", k)
	}
	if got[3]["action_name"] != "ActionDiscardTile" || got[3]["action_data"] != "CgIxbQ==" {
		t.Errorf("action = %v", got[3])
	}
	if got[3]["host"] != "game.maj-soul.com" {
		t.Errorf("host = %v", got[3]["host"])
	}
}

func TestWriterSubscribesToBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	bus := events.NewEventBus()
	w.Subscribe(bus)
	ctx := context.Background()
	now := time.Now()

	flow := &events.FlowPayload{FlowID: "f-1", Host: "majsoul.com", Path: "/gateway", Timestamp: now}
	steps := []events.Event{
		{Type: events.EventFlowStarted, Payload: flow},
		{Type: events.EventFrameDecoded, Payload: decodedPayload(t, []byte{0x01, 0x0A, 0x01, 'x', 0x12, 0x00}, false, now)},
		{Type: events.EventFrameRejected, Payload: &events.FrameRejectedPayload{Reason: "malformed_envelope"}},
		{Type: events.EventFlowEnded, Payload: flow},
	}
	for _, e := range steps {
		if err := bus.EmitSync(ctx, e); err != nil {
			t.Fatalf("EmitSync(%s): %v", e.Type, err)
		}
	}

	records, offset, err := ReadRecords(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3 (rejected frames are not written)", len(records))
	}
	wantTypes := []string{"websocket_start", "notify", "websocket_end"}
	for i, rec := range records {
		if rec.Type != wantTypes[i] {
			t.Errorf("record %d type = %s, want %s", i, rec.Type, wantTypes[i])
		}
	}
	if records[0].FlowID != "f-1" || records[0].Method != nil || records[0].FromClient != nil {
		t.Errorf("flow record = %+v", records[0])
	}
	if records[1].Data == nil || *records[1].Data != "" {
		t.Errorf("empty payload should be written as empty data, got %+v", records[1].Data)
	}

	stats := w.Stats()
	if stats.Frames != 1 || stats.Flows != 2 || stats.Bytes != offset {
		t.Errorf("stats = %+v, offset %d", stats, offset)
	}
}

func TestWriterClosed(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "out.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := w.Write(&Record{Type: "notify"}); err == nil {
		t.Error("write after close should fail")
	}
}

func TestRecordHelpers(t *testing.T) {
	ts := time.Unix(1700000000, 500000000)
	p := decodedPayload(t, []byte{0x01, 0x0A, 0x03, 'a', 'b', 'c', 0x12, 0x02, 0xDE, 0xAD}, true, ts)
	rec := FrameRecord(p)

	payload, err := rec.Payload()
	if err != nil || !bytes.Equal(payload, []byte{0xDE, 0xAD}) {
		t.Errorf("Payload() = %x, %v", payload, err)
	}
	if !rec.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", rec.Time(), ts)
	}
	if !rec.IsFrame() {
		t.Error("frame record not recognised")
	}
	if FlowRecord(events.EventFlowStarted, &events.FlowPayload{}).IsFrame() {
		t.Error("flow record treated as frame")
	}

	bad := "!!"
	if _, err := (&Record{Data: &bad}).Payload(); err == nil {
		t.Error("expected base64 error")
	}
}

func TestReadRecordsPartialAndTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	records, offset, err := ReadRecords(path, 0)
	if err != nil || records != nil || offset != 0 {
		t.Fatalf("missing file: %v %v %d", records, err, offset)
	}

	content := `{"type":"notify","host":"a","timestamp":1}` + "\n" +
		"not json\n" +
		`{"type":"req","id":5,"host":"a","timestamp":2}` + "\n" +
		`{"type":"res"`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	records, offset, err = ReadRecords(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1].ID == nil || *records[1].ID != 5 {
		t.Fatalf("records = %+v", records)
	}
	if want := int64(strings.LastIndex(content, "\n") + 1); offset != want {
		t.Errorf("offset = %d, want %d", offset, want)
	}

	// Completing the partial line makes it readable from the saved offset.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`,"id":5,"host":"a","timestamp":3}` + "\n")
	f.Close()

	records, _, err = ReadRecords(path, offset)
	if err != nil || len(records) != 1 || records[0].Type != "res" {
		t.Fatalf("records after completion = %+v, %v", records, err)
	}

	// Offsets past the end mean the file was replaced.
	records, _, err = ReadRecords(path, 1<<20)
	if err != nil || len(records) != 3 {
		t.Fatalf("records after truncation = %d, %v", len(records), err)
	}

	last, err := Last(path, 1)
	if err != nil || len(last) != 1 || last[0].Type != "res" {
		t.Fatalf("Last = %+v, %v", last, err)
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Record, 8)
	done := make(chan error, 1)
	go func() {
		_, err := Tail(ctx, path, 0, 10*time.Millisecond, func(r Record) error {
			got <- r
			return nil
		})
		done <- err
	}()

	for i := 0; i < 3; i++ {
		if err := w.WriteFlow(events.EventFlowStarted, &events.FlowPayload{FlowID: string(rune('a' + i)), Host: "majsoul.com"}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case r := <-got:
			if r.FlowID != string(rune('a'+i)) {
				t.Errorf("record %d flow = %s", i, r.FlowID)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for tailed record")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Tail returned %v", err)
	}
}
