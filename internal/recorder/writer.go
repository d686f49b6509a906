package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/liqitap/internal/events"
)

// WriterStats counts records written by a Writer.
type WriterStats struct {
	Path   string `json:"path"`
	Frames uint64 `json:"frames"`
	Flows  uint64 `json:"flows"`
	Bytes  int64  `json:"bytes"`
}

// Writer appends records to a JSON-lines file. It owns the file handle and
// the frame counter; all methods are safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    bytes.Buffer
	enc    *json.Encoder
	stats  WriterStats
	closed bool
	logger zerolog.Logger
}

// NewWriter opens path for appending, creating it and its directory.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat output file %s: %w", path, err)
	}

	w := &Writer{
		path:   path,
		file:   f,
		stats:  WriterStats{Path: path, Bytes: info.Size()},
		logger: log.With().Str("component", "recorder").Str("path", path).Logger(),
	}
	w.enc = json.NewEncoder(&w.buf)
	w.enc.SetEscapeHTML(false)

	w.logger.Info().Int64("size", info.Size()).Msg("output file opened")
	return w, nil
}

// Subscribe registers the writer for decoded frames and flow lifecycle
// events. Rejected frames are not recorded.
func (w *Writer) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventFrameDecoded, "recorder", w.handleFrame)
	bus.Subscribe(events.EventFlowStarted, "recorder", w.handleFlow)
	bus.Subscribe(events.EventFlowEnded, "recorder", w.handleFlow)
}

func (w *Writer) handleFrame(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(*events.FrameDecodedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	return w.WriteFrame(p)
}

func (w *Writer) handleFlow(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(*events.FlowPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	return w.WriteFlow(event.Type, p)
}

// WriteFrame appends the record for a decoded frame.
func (w *Writer) WriteFrame(p *events.FrameDecodedPayload) error {
	rec := FrameRecord(p)
	if err := w.Write(rec); err != nil {
		return err
	}

	ev := w.logger.Debug().
		Str("type", rec.Type).
		Str("method", *rec.Method).
		Bool("from_client", p.FromClient)
	if rec.ActionName != nil {
		ev = ev.Str("action", *rec.ActionName)
	}
	ev.Msg("frame recorded")
	return nil
}

// WriteFlow appends a flow start or end record.
func (w *Writer) WriteFlow(t events.EventType, p *events.FlowPayload) error {
	return w.Write(FlowRecord(t, p))
}

// Write appends one record as a single line.
func (w *Writer) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("recorder is closed")
	}

	w.buf.Reset()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	n, err := w.file.Write(w.buf.Bytes())
	w.stats.Bytes += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	if rec.IsFrame() {
		w.stats.Frames++
	} else {
		w.stats.Flows++
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Path returns the output file path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes and closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.logger.Warn().Err(err).Msg("failed to sync output file")
	}
	w.logger.Info().
		Uint64("frames", w.stats.Frames).
		Uint64("flows", w.stats.Flows).
		Msg("output file closed")
	return w.file.Close()
}
