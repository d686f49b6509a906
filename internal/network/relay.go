package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/liqitap/internal/events"
)

const (
	DefaultMaxConnPerSec   = 10
	DefaultMaxFlows        = 64
	DefaultMaxMessageBytes = 4 << 20
	writeWait              = 10 * time.Second
	bufSize                = 32 * 1024
)

// errFlowClosed marks an orderly close from either peer.
var errFlowClosed = errors.New("flow closed")

// forwardedHeaders are copied from the client handshake to the upstream one.
var forwardedHeaders = []string{"Origin", "User-Agent", "Cookie", "Accept-Language"}

// RelayConfig configures a Relay.
type RelayConfig struct {
	ListenAddr       string
	UpstreamURL      string
	MaxMessageBytes  int64
	HandshakeTimeout time.Duration
	MaxConnPerSec    int
	MaxFlows         int

	// TLSConfig, when set, makes the listener serve wss.
	TLSConfig *tls.Config
}

// Relay is a websocket man-in-the-middle: game clients connect to it, it
// dials the real gateway, and every message is forwarded unchanged in both
// directions. Binary messages are also handed to the Observer.
type Relay struct {
	cfg      RelayConfig
	upstream *url.URL
	observer *Observer
	bus      *events.EventBus
	flows    *FlowRegistry
	limiter  *rateTracker
	active   atomic.Int32
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	logger   zerolog.Logger
}

// NewRelay validates cfg and creates a Relay.
func NewRelay(cfg RelayConfig, observer *Observer, bus *events.EventBus) (*Relay, error) {
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("upstream URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream URL %q has no host", cfg.UpstreamURL)
	}

	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxConnPerSec <= 0 {
		cfg.MaxConnPerSec = DefaultMaxConnPerSec
	}
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = DefaultMaxFlows
	}

	return &Relay{
		cfg:      cfg,
		upstream: u,
		observer: observer,
		bus:      bus,
		flows:    NewFlowRegistry(),
		limiter:  newRateTracker(cfg.MaxConnPerSec),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   bufSize,
			WriteBufferSize:  bufSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			// Game clients send their own web origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   bufSize,
			WriteBufferSize:  bufSize,
		},
		logger: log.With().
			Str("component", "relay").
			Str("upstream", u.Host).
			Logger(),
	}, nil
}

// Flows returns the registry of active flows.
func (r *Relay) Flows() *FlowRegistry {
	return r.flows
}

// Handler returns the websocket endpoint. Flows started through it are
// bound to ctx and close when it is cancelled.
func (r *Relay) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.serveWS(ctx, w, req)
	})
}

// Start listens on the configured address and relays until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.ListenAddr, err)
	}

	scheme := "ws"
	if r.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, r.cfg.TLSConfig)
		scheme = "wss"
	}

	srv := &http.Server{
		Handler:           r.Handler(ctx),
		ReadHeaderTimeout: r.cfg.HandshakeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	r.logger.Info().
		Str("listen", scheme+"://"+ln.Addr().String()).
		Str("target", r.upstream.String()).
		Msg("websocket relay started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		r.logger.Info().Int("active_flows", r.flows.Count()).Msg("websocket relay stopping")
		r.flows.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down relay: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server failed: %w", err)
	}
}

func (r *Relay) serveWS(ctx context.Context, w http.ResponseWriter, req *http.Request) {
	ip := extractIP(req.RemoteAddr)
	if !r.limiter.allow(ip) {
		r.logger.Warn().Str("src", ip).Msg("connection rate limit exceeded, rejecting")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if int(r.active.Load()) >= r.cfg.MaxFlows {
		r.logger.Warn().Str("src", ip).Msg("max concurrent flows reached, rejecting")
		http.Error(w, "relay busy", http.StatusServiceUnavailable)
		return
	}

	target := r.targetURL(req.URL)
	header := http.Header{}
	for _, k := range forwardedHeaders {
		if v := req.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}

	dialer := r.dialer
	dialer.Subprotocols = websocket.Subprotocols(req)

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	upConn, _, err := dialer.DialContext(dialCtx, target, header)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Str("target", target).Msg("failed to dial upstream")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	respHeader := http.Header{}
	if proto := upConn.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	clientConn, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		upConn.Close()
		r.logger.Debug().Err(err).Str("src", ip).Msg("client upgrade failed")
		return
	}

	r.relay(ctx, clientConn, upConn, req.URL.Path, req.RemoteAddr)
}

// targetURL joins the upstream URL with the client's request path and query.
func (r *Relay) targetURL(reqURL *url.URL) string {
	u := *r.upstream
	if reqURL.Path != "" && reqURL.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(reqURL.Path, "/")
		u.RawPath = ""
	}
	if reqURL.RawQuery != "" {
		u.RawQuery = reqURL.RawQuery
	}
	return u.String()
}

func (r *Relay) relay(ctx context.Context, clientConn, upConn *websocket.Conn, path, remote string) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			upConn.Close()
		})
	}

	flow := newFlow(uuid.NewString(), r.upstream.Hostname(), path, remote, closeBoth)
	r.flows.Register(flow)
	r.active.Add(1)

	logger := r.logger.With().Str("flow", flow.ID).Logger()
	logger.Info().Str("path", path).Str("remote", remote).Msg("flow started")

	r.emitFlow(ctx, events.EventFlowStarted, &events.FlowPayload{
		FlowID:    flow.ID,
		Host:      flow.Host,
		Path:      path,
		Timestamp: flow.StartedAt,
	})

	clientConn.SetReadLimit(r.cfg.MaxMessageBytes)
	upConn.SetReadLimit(r.cfg.MaxMessageBytes)

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.pump(child, flow, clientConn, upConn, true)
	})
	group.Go(func() error {
		return r.pump(child, flow, upConn, clientConn, false)
	})
	group.Go(func() error {
		<-child.Done()
		closeBoth()
		return nil
	})

	err := group.Wait()
	closeBoth()
	r.flows.Unregister(flow.ID)
	r.active.Add(-1)

	if errors.Is(err, errFlowClosed) || ctx.Err() != nil {
		err = nil
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Int64("frames", flow.Frames()).
		Dur("duration", time.Since(flow.StartedAt)).
		Msg("flow ended")

	r.emitFlow(context.WithoutCancel(ctx), events.EventFlowEnded, &events.FlowPayload{
		FlowID:    flow.ID,
		Host:      flow.Host,
		Path:      path,
		Timestamp: time.Now(),
		Frames:    flow.Frames(),
		Err:       err,
	})
}

// pump copies messages from src to dst until either side fails. A close
// frame from src is forwarded to dst before returning.
func (r *Relay) pump(ctx context.Context, flow *Flow, src, dst *websocket.Conn, fromClient bool) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return errFlowClosed
			}
			return err
		}

		now := time.Now()
		flow.touch(now)

		if mt == websocket.BinaryMessage {
			frame := Frame{
				FrameMeta: events.FrameMeta{
					FlowID:     flow.ID,
					Host:       flow.Host,
					FromClient: fromClient,
					Timestamp:  now,
				},
				Data: data,
			}
			if err := r.observer.Observe(ctx, frame); err != nil {
				r.logger.Warn().Err(err).Str("flow", flow.ID).Msg("sink failed to handle frame")
			}
		}

		dst.SetWriteDeadline(now.Add(writeWait))
		if err := dst.WriteMessage(mt, data); err != nil {
			return fmt.Errorf("failed to relay message: %w", err)
		}
	}
}

func (r *Relay) emitFlow(ctx context.Context, t events.EventType, p *events.FlowPayload) {
	if err := r.bus.EmitSync(ctx, events.Event{Type: t, Source: "relay", Payload: p}); err != nil {
		r.logger.Warn().Err(err).Str("flow", p.FlowID).Str("event", string(t)).Msg("flow event not handled")
	}
}
