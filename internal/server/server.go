// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Aguti1902/iqmind-sub000/internal/alerting"
	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/disputes"
	"github.com/Aguti1902/iqmind-sub000/internal/executor"
	"github.com/Aguti1902/iqmind-sub000/internal/health"
	"github.com/Aguti1902/iqmind-sub000/internal/logging"
	"github.com/Aguti1902/iqmind-sub000/internal/metrics"
	"github.com/Aguti1902/iqmind-sub000/internal/notify"
	"github.com/Aguti1902/iqmind-sub000/internal/pagination"
	"github.com/Aguti1902/iqmind-sub000/internal/policy"
	"github.com/Aguti1902/iqmind-sub000/internal/processor"
	"github.com/Aguti1902/iqmind-sub000/internal/ratelimit"
	"github.com/Aguti1902/iqmind-sub000/internal/realtime"
	"github.com/Aguti1902/iqmind-sub000/internal/scanner"
	"github.com/Aguti1902/iqmind-sub000/internal/security"
	"github.com/Aguti1902/iqmind-sub000/internal/store"
	"github.com/Aguti1902/iqmind-sub000/internal/validation"
	"github.com/Aguti1902/iqmind-sub000/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        store.Store
	actions      executor.Store
	snapshots    disputes.SnapshotStore
	processor    *processor.FastSpringClient
	mailer       notify.Mailer
	exec         *executor.Executor
	engine       *scanner.Engine
	aggregator   *disputes.Aggregator
	monitor      *disputes.Monitor
	scanTimer    *scanner.Timer
	alerts       *alerting.Alerts
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Injected for testing
	refunder processor.Refunder
	canceler executor.Canceler

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

// WithStore sets a custom platform store (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithRefunder sets a custom refund provider (for testing)
func WithRefunder(r processor.Refunder) Option {
	return func(s *Server) {
		s.refunder = r
	}
}

// WithCanceler sets a custom subscription canceler (for testing)
func WithCanceler(c executor.Canceler) Option {
	return func(s *Server) {
		s.canceler = c
	}
}

// WithMailer sets a custom mailer (for testing)
func WithMailer(m notify.Mailer) Option {
	return func(s *Server) {
		s.mailer = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may inject store/mailer/refunder)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" && s.store == nil {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		platformStore := store.NewPostgresStore(db)
		if err := platformStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate platform store", "error", err)
		}
		s.store = platformStore

		actionStore := executor.NewPostgresStore(db)
		if err := actionStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate action store", "error", err)
		}
		s.actions = actionStore

		snapshotStore := disputes.NewPostgresStore(db)
		if err := snapshotStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate snapshot store", "error", err)
		}
		s.snapshots = snapshotStore
	} else {
		if s.store == nil {
			s.store = store.NewMemoryStore()
		}
		s.actions = executor.NewMemoryStore()
		s.snapshots = disputes.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment processor client. The same client serves dispute listing,
	// refunds and subscription cancellation.
	s.processor = processor.NewFastSpringClient(
		cfg.ProcessorAPIURL, cfg.ProcessorAPIUser, cfg.ProcessorAPIPass)
	if s.refunder == nil {
		if s.processor.Configured() {
			s.refunder = s.processor
		} else if cfg.StripeSecretKey != "" {
			s.refunder = processor.NewStripeRefunder(cfg.StripeSecretKey)
			s.logger.Info("refunds routed through Stripe")
		}
	}
	if s.canceler == nil && s.processor.Configured() {
		s.canceler = s.processor
	}

	// Email collaborator
	if s.mailer == nil {
		if cfg.EmailAPIURL != "" {
			if cfg.IsProduction() {
				if err := security.ValidateEndpointURL(cfg.EmailAPIURL); err != nil {
					return nil, fmt.Errorf("email API URL rejected: %w", err)
				}
			}
			s.mailer = notify.NewHTTPMailer(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom)
			s.logger.Info("email notifications enabled", "from", cfg.EmailFrom)
		} else {
			s.mailer = notify.NopMailer{}
			s.logger.Warn("no email API configured, notifications disabled")
		}
	}

	// Realtime hub for WebSocket streaming of risk events
	s.realtimeHub = realtime.NewHub(s.logger)

	// Operator alerting fans out to email and the realtime feed
	s.alerts = alerting.New(s.mailer, cfg.AlertRecipients, s.realtimeHub, s.logger)

	// Action executor with alerting and automatic cancellation
	execOpts := []executor.Option{executor.WithNotifier(s.alerts)}
	if s.canceler != nil {
		execOpts = append(execOpts, executor.WithCanceler(s.canceler))
	}
	s.exec = executor.New(s.actions, s.refunder, s.mailer, cfg.Thresholds, s.logger, execOpts...)

	// Detection engine
	s.engine = scanner.New(s.store, s.exec, cfg.Thresholds, s.logger)

	// Dispute ratio monitoring
	s.aggregator = disputes.NewAggregator(s.processor, s.store, cfg.Thresholds, s.logger)
	s.monitor = disputes.NewMonitor(s.aggregator, s.snapshots, s.alerts,
		time.Duration(cfg.DisputeCheckInterval)*time.Hour, cfg.DailyReportHourUTC, s.logger)

	// Periodic high-risk account sweep
	s.scanTimer = scanner.NewTimer(s.engine, s.actions, s.alerts,
		time.Duration(cfg.UserScanInterval)*time.Hour, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.processor.Configured() {
		proc := s.processor
		s.checks.Register("processor", func(ctx context.Context) health.Status {
			if err := proc.Ping(ctx); err != nil {
				return health.Status{Name: "processor", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "processor", Healthy: true}
		})
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (the API is consumed by the platform backend and operator tools)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

// adminAuth guards the operator endpoints with the configured API key.
// With no key set (local development) the endpoints are open.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminAPIKey == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
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

	// Live event feed for operators
	s.router.GET("/", feedPageHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Inbound processor webhooks (authenticated by HMAC signature, not API key)
	webhookRouter := webhooks.NewRouter(s.engine, s.monitor, s.mailer, s.logger)
	webhookHandler := webhooks.NewHandler(webhookRouter, s.cfg.WebhookSecret)
	webhookHandler.RegisterRoutes(v1)

	// Operator routes (evaluations, audit, dispute stats)
	admin := v1.Group("")
	admin.Use(s.adminAuth())

	evalHandler := scanner.NewHandler(s.engine)
	evalHandler.RegisterRoutes(admin)

	admin.GET("/disputes/stats", s.disputeStatsHandler)
	admin.GET("/disputes/snapshots", s.snapshotsHandler)
	admin.GET("/actions", s.listActionsHandler)
	admin.GET("/actions/:id", s.getActionHandler)
	admin.GET("/stats/refunds", s.refundBudgetHandler)
	admin.POST("/disputes/check", s.triggerCheckHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the aggregate health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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

// disputeStatsHandler returns the last computed stats, computing on demand
// when the monitor hasn't run yet.
func (s *Server) disputeStatsHandler(c *gin.Context) {
	stats := s.monitor.LastStats()
	if stats.ComputedAt.IsZero() {
		fresh, _, err := s.aggregator.Compute(c.Request.Context())
		if err != nil {
			logging.L(c.Request.Context()).Error("dispute stats unavailable", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "processor unavailable"})
			return
		}
		stats = fresh
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) snapshotsHandler(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days <= 0 || days > 365 {
		days = 7
	}

	// Snapshots are stored per monitor pass, at most hourly.
	limit := days * 24
	if limit > 2000 {
		limit = 2000
	}
	snaps, err := s.snapshots.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list snapshots", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	out := make([]disputes.Stats, 0, len(snaps))
	for _, sn := range snaps {
		if sn.ComputedAt.After(cutoff) {
			out = append(out, sn)
		}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out, "days": days})
}

const maxActionPage = 100

func (s *Server) listActionsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > maxActionPage {
		limit = 20
	}
	kind := c.Query("kind")

	// Fetch a window larger than one page so cursor and kind filtering
	// still leave enough rows.
	recent, err := s.actions.ListRecent(c.Request.Context(), maxActionPage*5)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list actions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list actions"})
		return
	}

	filtered := make([]*policy.PreventiveAction, 0, len(recent))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}
	for _, a := range recent {
		if kind != "" && string(a.Kind) != kind {
			continue
		}
		if cursor != nil && !a.CreatedAt.Before(cursor.CreatedAt) {
			continue
		}
		filtered = append(filtered, a)
	}

	page, next, hasMore := pagination.ComputePage(filtered, limit, func(a *policy.PreventiveAction) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	resp := gin.H{"actions": page, "count": len(page)}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getActionHandler(c *gin.Context) {
	action, err := s.actions.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to get action", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get action"})
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) refundBudgetHandler(c *gin.Context) {
	used := s.exec.RefundsToday()
	c.JSON(http.StatusOK, gin.H{
		"refundsToday":        used,
		"dailyCap":            s.cfg.Thresholds.MaxAutoRefundsPerDay,
		"maxAutoRefundAmount": s.cfg.Thresholds.MaxAutoRefundAmount,
		"remaining":           max(0, s.cfg.Thresholds.MaxAutoRefundsPerDay-used),
	})
}

// triggerCheckHandler forces an immediate dispute-ratio recomputation.
func (s *Server) triggerCheckHandler(c *gin.Context) {
	if err := s.monitor.Check(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Error("manual dispute check failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "dispute check failed"})
		return
	}
	c.JSON(http.StatusOK, s.monitor.LastStats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start dispute monitor (only useful with processor credentials)
	if s.processor.Configured() {
		go s.monitor.Start(runCtx)
	} else {
		s.logger.Warn("processor API not configured, dispute monitoring disabled")
	}

	// Start periodic account sweep
	go s.scanTimer.Start(runCtx)

	// Sample DB pool stats for Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, monitor, sweep)
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

	// Stop timers
	s.monitor.Stop()
	s.scanTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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
