package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/db"
	"github.com/energizer-project/liqitap/internal/events"
	intnet "github.com/energizer-project/liqitap/internal/network"
	"github.com/energizer-project/liqitap/internal/protocol"
	"github.com/energizer-project/liqitap/internal/recorder"
	"github.com/energizer-project/liqitap/internal/telemetry"
	"github.com/energizer-project/liqitap/internal/util"
)

// Dependencies are the runtime components the API reports on. Any of them
// may be nil when the corresponding feature is disabled.
type Dependencies struct {
	Observer *intnet.Observer
	Flows    *intnet.FlowRegistry
	Writer   *recorder.Writer
	Store    *db.EventStore
	Metrics  *telemetry.Metrics
}

// Server is the REST API server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Dependencies
	parser   *protocol.FrameParser
	started  time.Time
	logger   zerolog.Logger

	// tailInterval is how often event streams poll the output file.
	tailInterval time.Duration

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus) *Server {
	if cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		parser:   protocol.NewFrameParser(),
		started:  time.Now(),
		logger:   log.With().Str("component", "api").Logger(),

		tailInterval: recorder.DefaultTailInterval,
	}
}

// SetDependencies injects runtime dependencies (called after all components are initialized).
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler builds the router. It is exposed for tests.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start initializes and starts the API server. It blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.API
	addr := fmt.Sprintf(":%d", apiCfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := util.LoadOrCreateTLSConfig(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, []string{"localhost", "127.0.0.1"})
		if err != nil {
			return fmt.Errorf("failed to prepare API TLS: %w", err)
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/system", s.handleSystem)
	}

	protected := router.Group("/api")
	protected.Use(TokenAuth(apiCfg.Token))
	{
		protected.GET("/events", s.handleEvents)
		protected.GET("/events/stream", s.handleEventStream)
		protected.GET("/stats", s.handleStats)
		protected.GET("/methods", s.handleMethods)
		protected.GET("/flows", s.handleFlows)
		protected.POST("/decode", s.handleDecode)

		protected.GET("/monitor/cpu", s.handleGetCPUUsage)
		protected.GET("/monitor/memory", s.handleGetMemoryUsage)
		protected.GET("/monitor/disk", s.handleGetDiskUsage)
		protected.GET("/monitor/logs", s.handleGetLogEntries)

		protected.GET("/config", s.handleGetConfig)
		protected.POST("/config", s.handleSetConfigField)
	}

	if s.deps.Metrics != nil {
		router.GET("/metrics", TokenAuth(apiCfg.Token), gin.WrapH(s.deps.Metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
