// Package server sets up the HTTP server hosting one sale instance.
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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/swapsale/internal/audit"
	"github.com/mbd888/swapsale/internal/auth"
	"github.com/mbd888/swapsale/internal/circuitbreaker"
	"github.com/mbd888/swapsale/internal/config"
	"github.com/mbd888/swapsale/internal/governance"
	"github.com/mbd888/swapsale/internal/health"
	"github.com/mbd888/swapsale/internal/ledger"
	"github.com/mbd888/swapsale/internal/logging"
	"github.com/mbd888/swapsale/internal/metrics"
	"github.com/mbd888/swapsale/internal/ratelimit"
	"github.com/mbd888/swapsale/internal/realtime"
	"github.com/mbd888/swapsale/internal/sale"
	"github.com/mbd888/swapsale/internal/security"
	"github.com/mbd888/swapsale/internal/traces"
	"github.com/mbd888/swapsale/internal/validation"
	"github.com/mbd888/swapsale/internal/webhooks"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       sale.Store
	baseLedger  ledger.Client
	saleLedger  ledger.Client
	governance  governance.Client
	sims        simulators
	breaker     *circuitbreaker.Breaker
	saleService *sale.Service
	saleTimer   *sale.Timer
	audit       *audit.Service
	auditTimer  *audit.Timer
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Dispatcher // nil without WEBHOOK_URLS
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	now         func() time.Time

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error
	drainDelay     time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// fanout publishes sale events to several publishers.
type fanout []sale.Publisher

func (f fanout) Publish(eventType string, data any) {
	for _, p := range f {
		p.Publish(eventType, data)
	}
}

// simulators holds the in-memory collaborators used when no URL is
// configured. They are mounted under /dev so deposits can be simulated.
type simulators struct {
	baseLedger *ledger.MemoryLedger
	saleLedger *ledger.MemoryLedger
	governance *governance.Memory
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the sale store, bypassing DATABASE_URL (for testing).
func WithStore(store sale.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithClock overrides the sale's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance and loads the configured sale.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithSaleID(context.Background(), cfg.SaleID)

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	s.setupCollaborators()

	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := fanout{s.realtimeHub}
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhooks.Endpoint, len(cfg.WebhookURLs))
		for i, u := range cfg.WebhookURLs {
			endpoints[i] = webhooks.Endpoint{URL: u}
		}
		s.webhooks = webhooks.NewDispatcher(webhooks.Config{
			Endpoints: endpoints,
			Secret:    cfg.WebhookSecret,
		}, cfg.SaleID, s.logger)
		publishers = append(publishers, s.webhooks)
	}

	s.saleService = sale.NewService(s.store, s.baseLedger, s.saleLedger, s.governance).
		WithLogger(s.logger).
		WithPublisher(publishers).
		WithCallTimeout(cfg.SweepCallTimeout)
	if s.now != nil {
		s.saleService.WithClock(s.now)
	}

	loaded, err := s.saleService.Load(ctx, cfg.SaleID, cfg.SalePrincipal, saleInit(cfg))
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to load sale: %w", err)
	}
	attrs := []any{"sale_id", loaded.ID, "lifecycle", loaded.State.Lifecycle.String()}
	if loaded.State.AbortReason != "" {
		attrs = append(attrs, "abort_reason", loaded.State.AbortReason)
	}
	s.logger.Info("sale loaded", attrs...)

	s.saleTimer = sale.NewTimer(s.saleService, cfg.TimerInterval, s.logger)

	s.audit = audit.NewService(s.saleService, s.baseLedger, s.saleLedger).
		WithStuckAfter(cfg.StuckLegAfter).
		WithLogger(s.logger)
	if s.now != nil {
		s.audit.WithClock(s.now)
	}
	s.auditTimer = audit.NewTimer(s.audit, cfg.AuditInterval, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = sale.NewMemoryStore()
		s.logger.Warn("using in-memory storage, sale state is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One sale per process; a small pool is plenty.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = sale.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupCollaborators builds the ledger and governance clients. Remote
// clients share one breaker keyed by collaborator name; only unavailability
// trips it, not business rejections such as insufficient funds.
func (s *Server) setupCollaborators() {
	s.breaker = circuitbreaker.New(circuitbreaker.Config{
		Trips: func(err error) bool {
			return ledger.IsUnavailable(err) || governance.IsUnavailable(err)
		},
	})
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("collaborator circuit changed",
			"collaborator", key,
			"from", from.String(),
			"to", to.String(),
		)
	})

	if s.cfg.BaseLedgerURL != "" {
		s.baseLedger = ledger.NewHTTPClient(sale.CollaboratorBaseLedger, s.cfg.BaseLedgerURL, s.breaker)
	} else {
		s.sims.baseLedger = ledger.NewMemoryLedger(sale.CollaboratorBaseLedger)
		s.baseLedger = s.sims.baseLedger
	}

	if s.cfg.SaleLedgerURL != "" {
		s.saleLedger = ledger.NewHTTPClient(sale.CollaboratorSaleLedger, s.cfg.SaleLedgerURL, s.breaker)
	} else {
		s.sims.saleLedger = ledger.NewMemoryLedger(sale.CollaboratorSaleLedger)
		s.saleLedger = s.sims.saleLedger
	}

	if s.cfg.GovernanceURL != "" {
		s.governance = governance.NewHTTPClient(sale.CollaboratorGovernance, s.cfg.GovernanceURL, s.breaker)
	} else {
		s.sims.governance = governance.NewMemory()
		s.governance = s.sims.governance
	}

	if s.cfg.UsesSimulators() {
		s.logger.Warn("using in-memory collaborators, mounted under /dev",
			"base_ledger", s.sims.baseLedger != nil,
			"sale_ledger", s.sims.saleLedger != nil,
			"governance", s.sims.governance != nil,
		)
	}
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	for name, remote := range map[string]bool{
		sale.CollaboratorBaseLedger: s.sims.baseLedger == nil,
		sale.CollaboratorSaleLedger: s.sims.saleLedger == nil,
		sale.CollaboratorGovernance: s.sims.governance == nil,
	} {
		if remote {
			s.health.Register(name, health.Breaker(s.breaker, name))
		}
	}
	s.health.Register("sale", health.Probe("sale", func(ctx context.Context) error {
		_, err := s.saleService.GetState(ctx)
		return err
	}))
	s.health.Register("sale_timer", health.Running("sale_timer", s.saleTimer.Running))
	s.health.Register("audit_timer", health.Running("audit_timer", s.auditTimer.Running))
	s.health.Register("realtime", health.Running("realtime", s.realtimeHub.Running))
	if s.webhooks != nil {
		s.health.Register("webhooks", health.Running("webhooks", s.webhooks.Running))
	}
}

func saleInit(cfg *config.Config) sale.Init {
	return sale.Init{
		NetworkGovernanceID:   cfg.NetworkGovernanceID,
		SaleGovernanceID:      cfg.SaleGovernanceID,
		SaleTokenLedgerID:     cfg.SaleTokenLedgerID,
		BaseTokenLedgerID:     cfg.BaseTokenLedgerID,
		TargetBaseE8s:         cfg.TargetBaseE8s,
		EndTimestampSeconds:   cfg.SaleEndTimestampSeconds,
		MinParticipants:       cfg.MinParticipants,
		MinParticipantBaseE8s: cfg.MinParticipantBaseE8s,
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set upstream (load balancer, gateway).
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithSaleID(ctx, s.cfg.SaleID)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if caller, ok := auth.GetCaller(c); ok {
			attrs = append(attrs, "caller", caller)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// Realtime sale events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware())

	saleHandler := sale.NewHandler(s.saleService)
	// Each refresh costs a ledger query, so it is charged per caller.
	saleHandler.RegisterRoutes(v1, s.rateLimiter.Middleware(ratelimit.ByContextKey(auth.ContextKeyCaller)))

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	saleHandler.RegisterAdminRoutes(admin)
	audit.NewHandler(s.audit).RegisterAdminRoutes(admin)

	s.setupDevRoutes()
}

// setupDevRoutes mounts the in-memory collaborators. Production never uses
// simulators, so nothing is mounted there.
func (s *Server) setupDevRoutes() {
	if !s.cfg.UsesSimulators() || s.cfg.IsProduction() {
		return
	}
	dev := s.router.Group("/dev")
	if s.sims.baseLedger != nil {
		ledger.NewHandler(s.sims.baseLedger).RegisterRoutes(dev.Group("/base-ledger"))
	}
	if s.sims.saleLedger != nil {
		ledger.NewHandler(s.sims.saleLedger).RegisterRoutes(dev.Group("/sale-ledger"))
	}
	if s.sims.governance != nil {
		governance.NewHandler(s.sims.governance).RegisterRoutes(dev.Group("/governance"))
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	SaleID    string          `json:"saleId"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		SaleID:    s.cfg.SaleID,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Shutdown cancels this context to stop the background goroutines.
	runCtx, cancel := context.WithCancel(logging.WithSaleID(ctx, s.cfg.SaleID))
	s.cancelRunCtx = cancel

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
			"env", s.cfg.Env,
			"sale_id", s.cfg.SaleID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.saleTimer.Start(runCtx)
	go s.auditTimer.Start(runCtx)
	if s.webhooks != nil {
		go s.webhooks.Run(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.saleTimer.Stop()
	s.auditTimer.Stop()
	s.logger.Info("sale timers stopped")

	s.rateLimiter.Stop()

	if s.tracesShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
		cancel()
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the hosted sale service.
func (s *Server) Service() *sale.Service {
	return s.saleService
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return uuid.NewString()
}
