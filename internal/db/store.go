package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

// Frame status values.
const (
	StatusDecoded  = "decoded"
	StatusRejected = "rejected"
)

// StoredFrame is one archived frame.
type StoredFrame struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	FlowID         string    `json:"flow_id"`
	Host           string    `json:"host"`
	FromClient     bool      `json:"from_client"`
	Status         string    `json:"status"`
	Kind           string    `json:"kind,omitempty"`
	CorrelationID  *uint16   `json:"correlation_id,omitempty"`
	Method         string    `json:"method,omitempty"`
	ResolvedMethod string    `json:"resolved_method,omitempty"`
	ActionName     string    `json:"action_name,omitempty"`
	Size           int       `json:"size"`
	Payload        []byte    `json:"payload,omitempty"`
	ActionPayload  []byte    `json:"action_payload,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// MethodCount is the number of decoded frames per method and kind.
type MethodCount struct {
	Method string `json:"method"`
	Kind   string `json:"kind"`
	Count  int64  `json:"count"`
}

// StoreStats summarizes the archive.
type StoreStats struct {
	Decoded   int64            `json:"decoded"`
	Rejected  int64            `json:"rejected"`
	ByKind    map[string]int64 `json:"by_kind"`
	ByReason  map[string]int64 `json:"by_reason"`
	Actions   int64            `json:"actions"`
	Flows     int64            `json:"flows"`
	OpenFlows int64            `json:"open_flows"`
}

// EventStore archives frames and flows. Responses are stored with the
// method of the request they answer, looked up through a Correlator.
type EventStore struct {
	db         *Database
	correlator *Correlator
	logger     zerolog.Logger
}

// NewEventStore opens the archive at dbPath and migrates its schema.
func NewEventStore(dbPath string, correlationSize int) (*EventStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	correlator, err := NewCorrelator(correlationSize)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create correlator: %w", err)
	}

	s := &EventStore{
		db:         database,
		correlator: correlator,
		logger:     log.With().Str("component", "event_store").Logger(),
	}

	if err := s.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate event store: %w", err)
	}

	return s, nil
}

func (s *EventStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			flow_id TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL DEFAULT '',
			from_client INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			corr_id INTEGER,
			method TEXT NOT NULL DEFAULT '',
			resolved_method TEXT NOT NULL DEFAULT '',
			action_name TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			action_payload BLOB,
			reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_frames_ts ON frames(ts);
		CREATE INDEX IF NOT EXISTS idx_frames_kind ON frames(kind, id);
		CREATE INDEX IF NOT EXISTS idx_frames_method ON frames(resolved_method);

		CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			host TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			frames INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);
	`

	_, err := s.db.Exec(ctx, schema)
	return err
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Correlator returns the request/response correlator.
func (s *EventStore) Correlator() *Correlator {
	return s.correlator
}

// Subscribe registers the store for frame and flow events.
func (s *EventStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventFrameDecoded, "event_store", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(*events.FrameDecodedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
		}
		_, err := s.InsertDecoded(ctx, p)
		return err
	})
	bus.Subscribe(events.EventFrameRejected, "event_store", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(*events.FrameRejectedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
		}
		_, err := s.InsertRejected(ctx, p)
		return err
	})
	bus.Subscribe(events.EventFlowStarted, "event_store", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(*events.FlowPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
		}
		return s.StartFlow(ctx, p)
	})
	bus.Subscribe(events.EventFlowEnded, "event_store", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(*events.FlowPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
		}
		return s.EndFlow(ctx, p)
	})
}

// InsertDecoded archives a decoded frame and returns its row id.
func (s *EventStore) InsertDecoded(ctx context.Context, p *events.FrameDecodedPayload) (int64, error) {
	msg := p.Message
	resolved := msg.Method

	var corrID interface{}
	if id, ok := msg.CorrelationID(); ok {
		corrID = int64(id)
		switch msg.Kind {
		case protocol.KindRequest:
			s.correlator.Remember(p.FlowID, id, msg.Method)
		case protocol.KindResponse:
			if method, found := s.correlator.Resolve(p.FlowID, id); found {
				resolved = method
			}
		}
	}

	var actionName string
	var actionPayload []byte
	if msg.Action != nil {
		actionName = msg.Action.Name
		actionPayload = msg.Action.Payload
	}

	res, err := s.db.Exec(ctx, `
		INSERT INTO frames (ts, flow_id, host, from_client, status, kind, corr_id,
			method, resolved_method, action_name, size, payload, action_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nanos(p.Timestamp), p.FlowID, p.Host, p.FromClient, StatusDecoded,
		msg.Kind.String(), corrID, msg.Method, resolved, actionName, p.Size,
		msg.Payload, actionPayload,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame: %w", err)
	}
	return res.LastInsertId()
}

// InsertRejected archives a frame the decoder refused, with its raw bytes.
func (s *EventStore) InsertRejected(ctx context.Context, p *events.FrameRejectedPayload) (int64, error) {
	kind := ""
	if len(p.Raw) > 0 {
		if k := protocol.FrameKind(p.Raw[0]); k.String() != "unknown" {
			kind = k.String()
		}
	}

	res, err := s.db.Exec(ctx, `
		INSERT INTO frames (ts, flow_id, host, from_client, status, kind, size, payload, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nanos(p.Timestamp), p.FlowID, p.Host, p.FromClient, StatusRejected,
		kind, p.Size, p.Raw, p.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rejected frame: %w", err)
	}
	return res.LastInsertId()
}

// StartFlow records a new flow.
func (s *EventStore) StartFlow(ctx context.Context, p *events.FlowPayload) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO flows (flow_id, host, path, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET host = excluded.host, path = excluded.path,
			started_at = excluded.started_at`,
		p.FlowID, p.Host, p.Path, nanos(p.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to record flow start: %w", err)
	}
	return nil
}

// EndFlow closes a flow and drops its outstanding requests.
func (s *EventStore) EndFlow(ctx context.Context, p *events.FlowPayload) error {
	errText := ""
	if p.Err != nil {
		errText = p.Err.Error()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO flows (flow_id, host, path, started_at, ended_at, frames, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET ended_at = excluded.ended_at,
			frames = excluded.frames, error = excluded.error`,
		p.FlowID, p.Host, p.Path, nanos(p.Timestamp), nanos(p.Timestamp), p.Frames, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record flow end: %w", err)
	}

	if n := s.correlator.ForgetFlow(p.FlowID); n > 0 {
		s.logger.Debug().Str("flow", p.FlowID).Int("pending", n).Msg("dropped unanswered requests")
	}
	return nil
}

// Recent returns up to limit frames, newest first. kind filters by frame
// kind ("notify", "req", "res") or by status ("rejected"); empty means all.
func (s *EventStore) Recent(ctx context.Context, limit int, kind string) ([]StoredFrame, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, ts, flow_id, host, from_client, status, kind, corr_id, method,
		resolved_method, action_name, size, payload, action_payload, reason FROM frames`
	var args []interface{}
	switch kind {
	case "":
	case StatusRejected:
		query += ` WHERE status = ?`
		args = append(args, StatusRejected)
	default:
		if _, ok := protocol.ParseFrameKind(kind); !ok {
			return nil, fmt.Errorf("unknown frame kind %q", kind)
		}
		query += ` WHERE kind = ? AND status = ?`
		args = append(args, kind, StatusDecoded)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []StoredFrame
	for rows.Next() {
		var (
			f      StoredFrame
			ts     int64
			corrID sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &ts, &f.FlowID, &f.Host, &f.FromClient, &f.Status, &f.Kind,
			&corrID, &f.Method, &f.ResolvedMethod, &f.ActionName, &f.Size, &f.Payload,
			&f.ActionPayload, &f.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.Timestamp = time.Unix(0, ts)
		if corrID.Valid {
			id := uint16(corrID.Int64)
			f.CorrelationID = &id
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MethodCounts returns decoded frame counts per resolved method and kind,
// most frequent first.
func (s *EventStore) MethodCounts(ctx context.Context) ([]MethodCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT resolved_method, kind, COUNT(*) AS n FROM frames
		WHERE status = ?
		GROUP BY resolved_method, kind
		ORDER BY n DESC, resolved_method ASC, kind ASC`, StatusDecoded)
	if err != nil {
		return nil, fmt.Errorf("failed to query method counts: %w", err)
	}
	defer rows.Close()

	var out []MethodCount
	for rows.Next() {
		var mc MethodCount
		if err := rows.Scan(&mc.Method, &mc.Kind, &mc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan method count: %w", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// Stats summarizes the archive contents.
func (s *EventStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{
		ByKind:   make(map[string]int64),
		ByReason: make(map[string]int64),
	}

	rows, err := s.db.Query(ctx, `
		SELECT status, kind, reason, COUNT(*), SUM(CASE WHEN action_name != '' THEN 1 ELSE 0 END)
		FROM frames GROUP BY status, kind, reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, kind, reason string
		var n, actions int64
		if err := rows.Scan(&status, &kind, &reason, &n, &actions); err != nil {
			return nil, fmt.Errorf("failed to scan frame stats: %w", err)
		}
		if status == StatusRejected {
			st.Rejected += n
			st.ByReason[reason] += n
			continue
		}
		st.Decoded += n
		st.ByKind[kind] += n
		st.Actions += actions
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0) FROM flows`,
	).Scan(&st.Flows, &st.OpenFlows)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow stats: %w", err)
	}

	return st, nil
}

// Prune deletes frames older than before and flows that ended before it.
// It returns the number of frames removed.
func (s *EventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	cutoff := before.UnixNano()

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE ts < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune frames: %w", err)
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `DELETE FROM flows WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff); err != nil {
			return fmt.Errorf("failed to prune flows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Info().Int64("frames", removed).Time("before", before).Msg("archive pruned")
	}
	return removed, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}
