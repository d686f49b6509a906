package network

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Flow is one relayed client connection.
type Flow struct {
	ID        string
	Host      string
	Path      string
	Remote    string
	StartedAt time.Time

	frames       atomic.Int64
	lastActivity atomic.Int64
	closeFn      func()
}

func newFlow(id, host, path, remote string, closeFn func()) *Flow {
	now := time.Now()
	f := &Flow{
		ID:        id,
		Host:      host,
		Path:      path,
		Remote:    remote,
		StartedAt: now,
		closeFn:   closeFn,
	}
	f.lastActivity.Store(now.UnixNano())
	return f
}

// touch records one relayed message and returns the running count.
func (f *Flow) touch(now time.Time) int64 {
	f.lastActivity.Store(now.UnixNano())
	return f.frames.Add(1)
}

// Frames returns the number of messages relayed in either direction.
func (f *Flow) Frames() int64 {
	return f.frames.Load()
}

// LastActivity returns the time of the last relayed message.
func (f *Flow) LastActivity() time.Time {
	return time.Unix(0, f.lastActivity.Load())
}

// Close tears down both sides of the flow.
func (f *Flow) Close() {
	if f.closeFn != nil {
		f.closeFn()
	}
}

// FlowInfo is a serializable snapshot of a Flow.
type FlowInfo struct {
	ID           string    `json:"flow_id"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	Remote       string    `json:"remote"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Frames       int64     `json:"frames"`
}

// Info returns a snapshot of the flow.
func (f *Flow) Info() FlowInfo {
	return FlowInfo{
		ID:           f.ID,
		Host:         f.Host,
		Path:         f.Path,
		Remote:       f.Remote,
		StartedAt:    f.StartedAt,
		LastActivity: f.LastActivity(),
		Frames:       f.Frames(),
	}
}

// FlowRegistry tracks active flows by id.
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewFlowRegistry creates an empty registry.
func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{
		flows: make(map[string]*Flow),
	}
}

// Register adds a flow.
func (r *FlowRegistry) Register(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID] = f
	log.Debug().Str("flow", f.ID).Msg("flow registered")
}

// Unregister removes a flow without closing it.
func (r *FlowRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[id]; ok {
		delete(r.flows, id)
		log.Debug().Str("flow", id).Msg("flow unregistered")
	}
}

// Get returns the flow with the given id.
func (r *FlowRegistry) Get(id string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	return f, ok
}

// List returns snapshots of all active flows, oldest first.
func (r *FlowRegistry) List() []FlowInfo {
	r.mu.RLock()
	out := make([]FlowInfo, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of active flows.
func (r *FlowRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

// CloseAll closes every active flow. Flows unregister themselves as their
// relays exit.
func (r *FlowRegistry) CloseAll() {
	r.mu.RLock()
	flows := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		flows = append(flows, f)
	}
	r.mu.RUnlock()

	for _, f := range flows {
		f.Close()
	}
	if len(flows) > 0 {
		log.Info().Int("count", len(flows)).Msg("all flows closed")
	}
}

// CloseIdle closes flows that have relayed nothing for longer than timeout
// and returns how many it closed.
func (r *FlowRegistry) CloseIdle(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var idle []*Flow
	for _, f := range r.flows {
		if f.LastActivity().Before(cutoff) {
			idle = append(idle, f)
		}
	}
	r.mu.RUnlock()

	for _, f := range idle {
		log.Warn().
			Str("flow", f.ID).
			Time("last_activity", f.LastActivity()).
			Msg("closing idle flow")
		f.Close()
	}
	return len(idle)
}
