// Package network is the host boundary of liqitap: it accepts game-client
// websocket connections, relays them to the real gateway, and hands every
// binary message to the Liqi decoder.
package network

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

// Frame is one observed binary message with its host-supplied context.
type Frame struct {
	events.FrameMeta
	Data []byte
}

// ObserverStats counts frames seen by an Observer.
type ObserverStats struct {
	Decoded  uint64 `json:"decoded"`
	Rejected uint64 `json:"rejected"`
	Skipped  uint64 `json:"skipped"`
}

// Observer decodes frames from allowed hosts and publishes the result.
// It is safe for concurrent use by any number of flows.
type Observer struct {
	bus    *events.EventBus
	filter *HostFilter
	parser *protocol.FrameParser
	logger zerolog.Logger

	decoded  atomic.Uint64
	rejected atomic.Uint64
	skipped  atomic.Uint64
}

// NewObserver creates an Observer publishing on bus.
func NewObserver(bus *events.EventBus, filter *HostFilter) *Observer {
	return &Observer{
		bus:    bus,
		filter: filter,
		parser: protocol.NewFrameParser(),
		logger: log.With().Str("component", "observer").Logger(),
	}
}

// Observe decodes one frame. Decode failures are published as
// EventFrameRejected and never returned; the returned error only reports
// a sink that failed to handle the event.
func (o *Observer) Observe(ctx context.Context, f Frame) error {
	if !o.filter.Match(f.Host) {
		o.skipped.Add(1)
		return nil
	}

	msg, err := o.parser.Parse(f.Data)
	if err != nil {
		o.rejected.Add(1)
		reason := protocol.Reason(err)
		o.logger.Debug().
			Err(err).
			Str("flow", f.FlowID).
			Str("direction", f.Direction()).
			Str("reason", reason).
			Int("size", len(f.Data)).
			Msg("frame rejected")

		return o.bus.EmitSync(ctx, events.Event{
			Type:   events.EventFrameRejected,
			Source: "observer",
			Payload: &events.FrameRejectedPayload{
				FrameMeta: f.FrameMeta,
				Size:      len(f.Data),
				Reason:    reason,
				Err:       err,
				Raw:       f.Data,
			},
		})
	}

	o.decoded.Add(1)
	return o.bus.EmitSync(ctx, events.Event{
		Type:   events.EventFrameDecoded,
		Source: "observer",
		Payload: &events.FrameDecodedPayload{
			FrameMeta: f.FrameMeta,
			Size:      len(f.Data),
			Message:   msg,
		},
	})
}

// Stats returns a snapshot of the frame counters.
func (o *Observer) Stats() ObserverStats {
	return ObserverStats{
		Decoded:  o.decoded.Load(),
		Rejected: o.rejected.Load(),
		Skipped:  o.skipped.Load(),
	}
}
