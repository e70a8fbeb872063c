// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pixelmart/escrowd/internal/chain"
	"github.com/pixelmart/escrowd/internal/circuitbreaker"
	"github.com/pixelmart/escrowd/internal/commands"
	"github.com/pixelmart/escrowd/internal/config"
	"github.com/pixelmart/escrowd/internal/convo"
	"github.com/pixelmart/escrowd/internal/escrow"
	"github.com/pixelmart/escrowd/internal/health"
	"github.com/pixelmart/escrowd/internal/idgen"
	"github.com/pixelmart/escrowd/internal/logging"
	"github.com/pixelmart/escrowd/internal/metrics"
	"github.com/pixelmart/escrowd/internal/ratelimit"
	"github.com/pixelmart/escrowd/internal/realtime"
	"github.com/pixelmart/escrowd/internal/retry"
	"github.com/pixelmart/escrowd/internal/security"
	"github.com/pixelmart/escrowd/internal/traces"
	"github.com/pixelmart/escrowd/internal/validation"
	"github.com/pixelmart/escrowd/internal/watcher"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	gateway     coordinatorGateway
	store       escrow.Store
	coordinator *escrow.Coordinator
	binding     *convo.Binding
	refresher   *escrow.Refresher
	watcher     *watcher.Watcher
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// coordinatorGateway is the full gateway surface the server wires together:
// the coordinator's contract operations plus the watcher's event feed.
type coordinatorGateway interface {
	escrow.Gateway
	watcher.Source
	Contract() common.Address
	GetConversationEscrows(ctx context.Context, binding [convo.BindingSize]byte) ([]uint64, error)
	GetTotalEscrows(ctx context.Context) (uint64, error)
	Close()
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom contract gateway (for testing)
func WithGateway(gw coordinatorGateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Snapshot cache: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up alongside us; give it a moment.
		if err := retry.Do(context.Background(), 5, time.Second, db.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL snapshot cache", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = escrow.NewMemoryStore()
		s.logger.Info("using in-memory snapshot cache (data will not persist)")
	}

	// Contract gateway if not injected
	if s.gateway == nil {
		signer, err := chain.NewLocalSigner(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}

		breaker := circuitbreaker.New(5, 30*time.Second)
		gw, err := chain.New(chain.Config{
			RPCURL:   cfg.RPCURL,
			ChainID:  cfg.ChainID,
			Contract: common.HexToAddress(cfg.EscrowContract),
		}, signer, chain.WithBreaker(breaker), chain.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create contract gateway: %w", err)
		}
		s.gateway = gw
	}

	// Realtime hub streams snapshot updates to WebSocket clients
	s.realtimeHub = realtime.NewHub(s.logger)

	// Coordinator over gateway and cache, publishing to the hub
	s.coordinator = escrow.NewCoordinator(s.gateway, s.store,
		escrow.WithNotifier(s.realtimeHub),
		escrow.WithTuning(escrow.Tuning{
			ConvergeAttempts: cfg.ConvergeAttempts,
			ConvergeInterval: cfg.ConvergeInterval,
			ReceiptTimeout:   cfg.ReceiptTimeout,
		}),
		escrow.WithLogger(s.logger),
	)

	// Conversation resolver reads straight off the contract
	s.binding = convo.NewBinding(s.gateway)

	// Auto-refresh open escrows so clients track on-chain state
	s.refresher = escrow.NewRefresher(s.coordinator, s.store, cfg.RefreshInterval, s.logger)

	// Contract event watcher closes the loop for counterparty actions
	watcherCfg := watcher.DefaultConfig()
	watcherCfg.PollInterval = cfg.WatchInterval
	s.watcher = watcher.New(watcherCfg, s.gateway, s.coordinator, s.logger)

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("rpc", func(ctx context.Context) health.Status {
		if _, err := s.gateway.BlockNumber(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: "RPC unreachable"}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})

	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: "ping failed"}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limCfg := ratelimit.DefaultConfig()
	limCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time escrow updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Service info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.coordinator, s.binding)
	escrowHandler.RegisterRoutes(v1)

	// Slash-command parsing for the messaging UI
	v1.POST("/commands", s.parseCommandHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow lifecycle coordinator for NFT trades",
		"version":     "0.1.0",
		"chain_id":    s.cfg.ChainID,
		"contract":    s.gateway.Contract().Hex(),
		"operator":    s.gateway.Caller().Hex(),
	})
}

// parseCommandHandler handles POST /v1/commands
// The messaging UI forwards raw chat text; ordinary chat returns matched=false.
func (s *Server) parseCommandHandler(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	cmd, err := commands.Parse(req.Text)
	if err != nil {
		if errors.Is(err, commands.ErrNotCommand) {
			c.JSON(http.StatusOK, gin.H{"matched": false})
			return
		}
		// Malformed command: echo the parse error back for the conversation
		c.JSON(http.StatusOK, gin.H{
			"matched": true,
			"reply":   err.Error(),
		})
		return
	}

	if cmd.Verb == commands.VerbHelp {
		c.JSON(http.StatusOK, gin.H{
			"matched": true,
			"reply":   commands.HelpText,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"matched": true,
		"command": cmd,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op without an OTLP endpoint)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"contract", s.gateway.Contract().Hex(),
			"operator", s.gateway.Caller().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start open-escrow auto-refresh
	go s.refresher.Start(runCtx)

	// Start contract event watcher
	if err := s.watcher.Start(runCtx); err != nil {
		s.logger.Error("failed to start event watcher", "error", err)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, refresher, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close gateway RPC connection
	s.gateway.Close()

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

