// Package telemetry fans decoded frames out to MQTT and exposes decoder
// metrics for Prometheus.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/recorder"
	"github.com/energizer-project/liqitap/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicFrames   = "frames"   // frames/<kind>
	TopicActions  = "actions"  // actions/<action name>
	TopicRejected = "rejected" // rejected/<reason>
	TopicFlows    = "flows"
	TopicStatus   = "status"
)

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes decoded frames, rejections and flow lifecycle
// events to an MQTT broker. Frame messages carry the same record that is
// written to the JSON-lines file.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	client   publisher
	prefix   string
	metadata map[string]interface{}
	logger   zerolog.Logger
}

// NewMQTTHandler creates a handler for the broker in cfg.
func NewMQTTHandler(cfg config.MQTTConfig) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("liqitap-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS: load client certificate
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	logger := log.With().Str("component", "mqtt").Logger()
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h := newMQTTHandler(cfg, mqtt.NewClient(opts), sysInfo)
	h.logger = logger
	return h, nil
}

func newMQTTHandler(cfg config.MQTTConfig, client publisher, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		cfg:    cfg,
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		metadata: map[string]interface{}{
			"hostname": sysInfo.Hostname,
			"os":       sysInfo.OS,
		},
		logger: log.With().Str("component", "mqtt").Logger(),
	}
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is done.
func (h *MQTTHandler) Start(ctx context.Context, bus *events.EventBus) error {
	client, ok := h.client.(mqtt.Client)
	if !ok {
		return fmt.Errorf("MQTT client cannot connect")
	}

	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe(bus)
	h.publishStatus("online")

	<-ctx.Done()

	h.publishStatus("offline")
	client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

// Subscribe registers the handler on the bus.
func (h *MQTTHandler) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventFrameDecoded, "mqtt.frame", h.onFrame)
	bus.Subscribe(events.EventFrameRejected, "mqtt.rejected", h.onRejected)
	bus.Subscribe(events.EventFlowStarted, "mqtt.flow", h.onFlow)
	bus.Subscribe(events.EventFlowEnded, "mqtt.flow", h.onFlow)
}

// Topic joins parts under the configured prefix.
func (h *MQTTHandler) Topic(parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	if h.prefix != "" {
		clean = append(clean, h.prefix)
	}
	for _, p := range parts {
		// MQTT wildcards and separators are not allowed inside a level.
		p = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(p)
		if p == "" {
			p = "_"
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return msg
}

func (h *MQTTHandler) onFrame(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(*events.FrameDecodedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}

	rec := recorder.FrameRecord(p)
	h.publish(h.Topic(TopicFrames, rec.Type), rec)
	if rec.ActionName != nil {
		h.publish(h.Topic(TopicActions, *rec.ActionName), rec)
	}
	return nil
}

func (h *MQTTHandler) onRejected(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(*events.FrameRejectedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}

	errText := ""
	if p.Err != nil {
		errText = p.Err.Error()
	}
	h.publish(h.Topic(TopicRejected, p.Reason), map[string]interface{}{
		"flow_id":     p.FlowID,
		"host":        p.Host,
		"from_client": p.FromClient,
		"size":        p.Size,
		"reason":      p.Reason,
		"error":       errText,
		"raw":         p.Raw,
	})
	return nil
}

func (h *MQTTHandler) onFlow(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(*events.FlowPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	h.publish(h.Topic(TopicFlows), recorder.FlowRecord(event.Type, p))
	return nil
}

func (h *MQTTHandler) publishStatus(state string) {
	h.publish(h.Topic(TopicStatus), map[string]interface{}{
		"event": state,
	})
}
