// liqitap - Liqi websocket tap and decoder.
//
// liqitap relays game client websocket connections to the real gateway,
// decodes every binary Liqi frame it sees, and records the results as
// JSON lines, in a SQLite archive, over MQTT and through a REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/liqitap/internal/api"
	"github.com/energizer-project/liqitap/internal/cli"
	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/db"
	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/network"
	"github.com/energizer-project/liqitap/internal/recorder"
	"github.com/energizer-project/liqitap/internal/scheduler"
	"github.com/energizer-project/liqitap/internal/telemetry"
	"github.com/energizer-project/liqitap/internal/util"
)

const Banner = `
  _ _       _ _
 | (_) __ _(_) |_ __ _ _ __
 | | |/ _' | | __/ _' | '_ \
 | | | (_| | | || (_| | |_) |
 |_|_|\__, |_|\__\__,_| .__/
         |_|          |_|  v%s
 Liqi websocket tap & decoder
`

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the setup wizard and exit")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, config.Version)
	fmt.Println()

	// Defaults until the configuration is loaded.
	closer, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", config.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting liqitap")

	_, statErr := os.Stat(filepath.Join(*configDir, config.DefaultConfigFile))
	firstRun := os.IsNotExist(statErr)

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *setup || (firstRun && isTerminal(os.Stdin)) {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		if *setup {
			return
		}
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	}
	if c, err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		closer.Close()
		closer = c
	}
	defer closer.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := run(cfg, !*noConsole); err != nil {
		log.Error().Err(err).Msg("liqitap stopped with error")
		closer.Close()
		os.Exit(1)
	}
	log.Info().Msg("liqitap stopped")
}

// run wires every component and blocks until a signal, a console quit or a
// fatal task error.
func run(cfg *config.Config, console bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	eventBus.Subscribe(events.EventConfigChanged, "main.logging", applyLogLevel)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	// Sinks
	var writer *recorder.Writer
	if cfg.Output.Enabled {
		w, err := recorder.NewWriter(cfg.Output.Path)
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
		defer w.Close()
		w.Subscribe(eventBus)
		writer = w
	}

	var store *db.EventStore
	if cfg.Database.Enabled {
		s, err := db.NewEventStore(cfg.Database.Path, cfg.Database.CorrelationSize)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer s.Close()
		s.Subscribe(eventBus)
		store = s
	}

	metrics := telemetry.NewMetrics()
	metrics.Subscribe(eventBus)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		h, err := telemetry.NewMQTTHandler(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			mqttHandler = h
		}
	}

	// Host side
	capture := cfg.GetCapture()
	observer := network.NewObserver(eventBus, network.NewHostFilter(capture.Domains))

	var relay *network.Relay
	if capture.UpstreamURL != "" {
		r, err := newRelay(capture, observer, eventBus)
		if err != nil {
			return err
		}
		relay = r
	} else {
		log.Warn().Msg("no upstream configured, websocket tap disabled")
	}

	var flows *network.FlowRegistry
	if relay != nil {
		flows = relay.Flows()
	}

	var (
		pruner scheduler.Pruner
		stats  scheduler.StatsSource
		idle   scheduler.IdleCloser
	)
	// Interfaces stay nil, not typed-nil, for disabled components.
	if store != nil {
		pruner, stats = store, store
	}
	if flows != nil {
		idle = flows
	}
	sched := scheduler.NewScheduler(cfg, pruner, idle, stats)

	g, gctx := errgroup.WithContext(ctx)

	if relay != nil {
		g.Go(func() error {
			log.Info().Str("listen", capture.ListenAddr).Str("upstream", capture.UpstreamURL).Msg("starting websocket tap")
			if err := startWithRetry(gctx, "websocket tap", relay.Start, 5); err != nil {
				return fmt.Errorf("websocket tap: %w", err)
			}
			return nil
		})
	}

	if cfg.API.Enabled {
		if !config.IsPortAvailable(cfg.API.Port) {
			log.Warn().Int("port", cfg.API.Port).Msg("API port is in use, will keep retrying")
		}
		apiServer := api.NewServer(cfg, eventBus)
		apiServer.SetDependencies(api.Dependencies{
			Observer: observer,
			Flows:    flows,
			Writer:   writer,
			Store:    store,
			Metrics:  metrics,
		})
		g.Go(func() error {
			if err := startWithRetry(gctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx, eventBus); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if console {
		cliHandler := cli.NewCLI(cfg, eventBus, cli.Dependencies{
			Observer: observer,
			Flows:    flows,
			Writer:   writer,
			Store:    store,
		}, os.Stdin, os.Stdout)
		go cliHandler.Start(gctx)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-gctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	return nil
}

func newRelay(capture config.CaptureConfig, observer *network.Observer, bus *events.EventBus) (*network.Relay, error) {
	rc := network.RelayConfig{
		ListenAddr:       capture.ListenAddr,
		UpstreamURL:      capture.UpstreamURL,
		MaxMessageBytes:  int64(capture.MaxMessageBytes),
		HandshakeTimeout: time.Duration(capture.HandshakeTimeout) * time.Second,
	}

	if capture.TLSEnabled {
		hosts := []string{"localhost", "127.0.0.1"}
		if u, err := url.Parse(capture.UpstreamURL); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
		hosts = append(hosts, capture.Domains...)

		tlsConfig, err := util.LoadOrCreateTLSConfig(capture.TLSCertFile, capture.TLSKeyFile, hosts)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare tap TLS: %w", err)
		}
		rc.TLSConfig = tlsConfig
	}

	relay, err := network.NewRelay(rc, observer, bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket tap: %w", err)
	}
	return relay, nil
}

// applyLogLevel follows logging.level changes made through the API or console.
func applyLogLevel(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ConfigChangedPayload)
	if !ok || p.Section != "logging" || p.Key != "level" {
		return nil
	}
	s, _ := p.Value.(string)
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", s, err)
	}
	zerolog.SetGlobalLevel(level)
	log.Info().Str("level", level.String()).Msg("log level changed")
	return nil
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
