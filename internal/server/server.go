// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/bloomhq/settlement/internal/config"
	"github.com/bloomhq/settlement/internal/idempotency"
	"github.com/bloomhq/settlement/internal/intake"
	"github.com/bloomhq/settlement/internal/ledger"
	"github.com/bloomhq/settlement/internal/logging"
	"github.com/bloomhq/settlement/internal/metrics"
	"github.com/bloomhq/settlement/internal/payments"
	"github.com/bloomhq/settlement/internal/ratelimit"
	"github.com/bloomhq/settlement/internal/realtime"
	"github.com/bloomhq/settlement/internal/rewards"
	"github.com/bloomhq/settlement/internal/rules"
	"github.com/bloomhq/settlement/internal/settlement"
	"github.com/bloomhq/settlement/internal/subscription"
	"github.com/bloomhq/settlement/internal/traces"
	"github.com/bloomhq/settlement/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger            *ledger.Ledger
	settlements       *settlement.Service
	settlementTimer   *settlement.Timer
	subscriptions     *subscription.Service
	subscriptionTimer *subscription.Timer
	rewards           *rewards.Service
	webhookHandler    *webhook.Handler
	realtimeHub       *realtime.Hub
	rateLimiter       *ratelimit.Limiter

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Payment provider client (fake in demo mode, Stripe when a key is set)
	var payClient payments.Client
	if cfg.StripeAPIKey != "" {
		payClient = payments.NewStripeClient(cfg.StripeAPIKey)
		s.logger.Info("payment provider enabled")
	} else {
		payClient = payments.NewFakeClient()
		s.logger.Info("using fake payment provider (intents auto-created)")
	}

	// Points rules from config (types fall back to the built-in catalog)
	engine := rules.NewEngine(rules.Config{BasePointsPerUnit: cfg.BasePointsPerUnit})

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		eventStore        intake.Store
		settlementStore   settlement.Store
		subscriptionStore subscription.Store
		rewardsStore      rewards.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.ledger = ledger.New(ledger.NewPostgresStore(db))
		eventStore = intake.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		subscriptionStore = subscription.NewPostgresStore(db)
		rewardsStore = rewards.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		// Settlement and subscriptions share the idempotency store: provider
		// event IDs are one namespace regardless of what the event settles.
		idemStore := idempotency.NewMemoryStore()
		ledgerStore := ledger.NewMemoryStore()

		s.ledger = ledger.New(ledgerStore)
		eventStore = intake.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore(idemStore, ledgerStore)
		subscriptionStore = subscription.NewMemoryStore(idemStore, ledgerStore)
		rewardsStore = rewards.NewMemoryStore(ledgerStore)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Settlement pipeline
	s.settlements = settlement.NewService(settlementStore, engine, payClient, s.logger).
		WithCurrency(cfg.Currency).
		WithProcessing(cfg.ProcessingDeadline, cfg.SettleMaxAttempts, cfg.SettleBaseDelay).
		WithNotifier(s.realtimeHub)
	s.settlementTimer = settlement.NewTimer(settlementStore, cfg.PendingTTL, s.logger)

	// Subscriptions
	s.subscriptions = subscription.NewService(subscriptionStore, payClient, s.logger).
		WithPricing(cfg.Currency, cfg.BasePointsPerUnit).
		WithProcessing(cfg.ProcessingDeadline, cfg.SettleMaxAttempts, cfg.SettleBaseDelay)
	s.subscriptionTimer = subscription.NewTimer(subscriptionStore, subscription.DefaultGracePeriod, s.logger)

	// Quest rewards
	s.rewards = rewards.NewService(rewardsStore, s.logger).WithNotifier(s.realtimeHub)

	// Inbound provider webhook
	s.webhookHandler = webhook.NewHandler(cfg.ProviderWebhookSecret, eventStore, s.settlements, s.logger).
		WithSubscriptions(s.subscriptions)

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

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
			requestID = generateRequestID()
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

		// Log level based on status code
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Provider webhook, rate limited so a redelivery storm cannot starve
	// the API. 429 makes the provider back off and redeliver later.
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: s.cfg.WebhookRateRPS})
	hooks := s.router.Group("")
	hooks.Use(s.rateLimiter.Middleware())
	s.webhookHandler.RegisterRoutes(hooks)

	// V1 API group
	v1 := s.router.Group("/v1")

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(v1)

	settlementHandler := settlement.NewHandler(s.settlements, s.logger)
	settlementHandler.RegisterRoutes(v1)

	rewardsHandler := rewards.NewHandler(s.rewards, s.logger)
	rewardsHandler.RegisterRoutes(v1)
	rewardsHandler.RegisterAdminRoutes(v1)

	subscriptionHandler := subscription.NewHandler(s.subscriptions, s.logger)
	subscriptionHandler.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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
		"name":        "Bloom",
		"description": "Settlement pipeline for payment events and points",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
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

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start stale-pending expiry timer
	go s.settlementTimer.Start(runCtx)

	// Start past-due subscription sweep
	go s.subscriptionTimer.Start(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.settlementTimer.Stop()
	s.subscriptionTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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

// Settlements returns the settlement service for seeding in tests.
func (s *Server) Settlements() *settlement.Service {
	return s.settlements
}

// Rewards returns the rewards service for seeding in tests.
func (s *Server) Rewards() *rewards.Service {
	return s.rewards
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
