package protocol

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message is a decoded frame together with its action detail, if any.
type Message struct {
	*Envelope

	// Action is set when the envelope is an ActionPrototype notify whose
	// payload decrypted cleanly.
	Action *ActionEnvelope

	// ActionErr records why action decoding failed. The outer envelope is
	// still valid when this is set.
	ActionErr error
}

// FrameParser decodes raw frames into messages. It holds no per-frame
// state and is safe for concurrent use.
type FrameParser struct {
	logger zerolog.Logger
}

// NewFrameParser creates a new parser.
func NewFrameParser() *FrameParser {
	return &FrameParser{
		logger: log.With().Str("component", "liqi_parser").Logger(),
	}
}

// Parse decodes one frame. An error means the frame itself is invalid;
// action decoding failures are reported on Message.ActionErr instead.
func (p *FrameParser) Parse(data []byte) (*Message, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	msg := &Message{Envelope: env}

	if env.IsAction() {
		action, err := DecodeAction(env.Payload)
		if err != nil {
			p.logger.Debug().
				Err(err).
				Int("payload_len", len(env.Payload)).
				Msg("action payload did not decode")
			msg.ActionErr = err
		} else {
			msg.Action = action
		}
	}

	ev := p.logger.Trace().
		Str("kind", env.Kind.String()).
		Str("method", env.Method).
		Int("payload_len", len(env.Payload))
	if id, ok := env.CorrelationID(); ok {
		ev = ev.Uint16("id", id)
	}
	if msg.Action != nil {
		ev = ev.Str("action", msg.Action.Name)
	}
	ev.Msg("frame decoded")

	return msg, nil
}
