// Package server wires the FundRoom API: storage, tier resolution, gates,
// funding engine, billing sync and background jobs.
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

	"github.com/mbd888/fundroom/internal/audit"
	"github.com/mbd888/fundroom/internal/auth"
	"github.com/mbd888/fundroom/internal/billing"
	"github.com/mbd888/fundroom/internal/config"
	"github.com/mbd888/fundroom/internal/funding"
	"github.com/mbd888/fundroom/internal/health"
	"github.com/mbd888/fundroom/internal/logging"
	"github.com/mbd888/fundroom/internal/metrics"
	"github.com/mbd888/fundroom/internal/notify"
	"github.com/mbd888/fundroom/internal/paywall"
	"github.com/mbd888/fundroom/internal/ratelimit"
	"github.com/mbd888/fundroom/internal/reconciliation"
	"github.com/mbd888/fundroom/internal/security"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/tier"
	"github.com/mbd888/fundroom/internal/traces"
	"github.com/mbd888/fundroom/internal/validation"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	tenants      tenant.Store
	resolver     *tier.Resolver
	teamCache    *tier.Broadcaster[*tier.ResolvedTier]
	orgCache     *tier.Broadcaster[*tier.ResolvedOrgTier]
	redis        *tier.RedisPubSub
	gates        *paywall.Gates
	authMgr      *auth.Manager
	auditLog     audit.Logger
	webhook      *notify.WebhookNotifier
	engine       *funding.Engine
	sweeper      *funding.Sweeper
	reconRunner  *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	syncer       *billing.Syncer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

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

// WithTenantStore injects a tenant store (for testing)
func WithTenantStore(store tenant.Store) Option {
	return func(s *Server) {
		s.tenants = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	var fundingStore funding.Store
	var authStore auth.Store

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		if s.tenants == nil {
			s.tenants = tenant.NewPostgresStore(db)
		}
		fundingStore = funding.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.auditLog = audit.NewPostgresLogger(db)
		s.health.Register("postgres", health.DatabaseChecker("postgres", db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		if s.tenants == nil {
			s.tenants = tenant.NewMemoryStore()
		}
		fundingStore = funding.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.auditLog = audit.NewMemoryLogger()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.setupTiers(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.gates = paywall.NewGates(s.resolver, s.tenants, cfg.AppBaseURL, s.logger)
	s.authMgr = auth.NewManager(authStore)

	notifier, err := s.setupNotifier()
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	s.engine = funding.NewEngine(fundingStore, s.auditLog, notifier, funding.WithLogger(s.logger))
	s.sweeper = funding.NewSweeper(s.engine, cfg.TrancheSweepInterval, s.logger)
	s.reconRunner = reconciliation.NewRunner(fundingStore, s.auditLog, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconRunner, cfg.ReconcileInterval, s.logger)
	s.syncer = billing.NewSyncer(s.tenants, s.resolver, s.auditLog, s.logger)

	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, billing webhooks will be rejected")
	}
	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupTiers builds the resolver and its caches. With REDIS_URL the caches
// broadcast invalidations so every replica drops stale entries together.
func (s *Server) setupTiers(ctx context.Context) error {
	tierCfg := tier.Config{PaywallBypass: s.cfg.PaywallBypass}
	if s.cfg.PaywallBypass {
		s.logger.Warn("PAYWALL_BYPASS enabled, every team is treated as FundRoom-active")
	}

	teamLocal := tier.NewMemoryCache[*tier.ResolvedTier](s.cfg.TierCacheTTL)
	orgLocal := tier.NewMemoryCache[*tier.ResolvedOrgTier](s.cfg.TierCacheTTL)

	if s.cfg.RedisURL == "" {
		s.resolver = tier.NewResolver(s.tenants, tierCfg,
			tier.WithTeamCache(teamLocal),
			tier.WithOrgCache(orgLocal),
			tier.WithLogger(s.logger),
		)
		return nil
	}

	ps, err := tier.NewRedisPubSub(ctx, s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to initialize tier cache broadcast: %w", err)
	}
	s.redis = ps
	s.teamCache = tier.NewBroadcaster[*tier.ResolvedTier](teamLocal, ps, tier.TeamInvalidationChannel, s.logger)
	s.orgCache = tier.NewBroadcaster[*tier.ResolvedOrgTier](orgLocal, ps, tier.OrgInvalidationChannel, s.logger)
	s.resolver = tier.NewResolver(s.tenants, tierCfg,
		tier.WithTeamCache(s.teamCache),
		tier.WithOrgCache(s.orgCache),
		tier.WithLogger(s.logger),
	)
	s.health.Register("redis", health.RedisChecker("redis", ps.Client(), 2*time.Second))
	s.logger.Info("tier cache invalidation broadcast enabled")
	return nil
}

// setupNotifier always logs events and additionally delivers them to the
// configured webhook.
func (s *Server) setupNotifier() (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier(s.logger)}
	if s.cfg.NotifyWebhookURL == "" {
		return notifiers, nil
	}
	if err := security.ValidateWebhookURL(s.cfg.NotifyWebhookURL, !s.cfg.IsProduction()); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	if s.cfg.NotifyWebhookSecret == "" {
		s.logger.Warn("NOTIFY_WEBHOOK_SECRET not set, webhook deliveries are unsigned")
	}
	s.webhook = notify.NewWebhookNotifier(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret, s.logger)
	s.logger.Info("notification webhook enabled")
	return append(notifiers, s.webhook), nil
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
		// Reuse an upstream request ID (load balancer, Stripe retries) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestMeta(ctx, c.ClientIP(), requestID)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	// Stripe authenticates with its signature header, not an API key
	billing.NewHandler(s.syncer, s.cfg.StripeWebhookSecret).RegisterRoutes(v1)

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	api := v1.Group("")
	api.Use(auth.Middleware(s.authMgr), s.rateLimiter.Middleware(), auth.RequireAuth())

	auth.NewHandler(s.authMgr).RegisterRoutes(api)

	paywallHandler := paywall.NewHandler(s.gates, s.resolver)

	teams := api.Group("/teams", auth.RequireTeamAccess("id"))
	paywallHandler.RegisterTeamRoutes(teams)
	audit.NewHandler(s.auditLog).RegisterTeamRoutes(teams)

	orgs := api.Group("/orgs", auth.RequireOrgAccess("id"))
	paywallHandler.RegisterOrgRoutes(orgs)

	// Funding reads are open to any key on the owning team; writes need the
	// FundRoom capability.
	fundingHandler := funding.NewHandler(s.engine)
	fundingHandler.RegisterRoutes(api)

	fundOps := api.Group("", paywall.RequireTeamCapability(s.gates, tier.CanManageFund))
	fundingHandler.RegisterWireRoutes(fundOps)
	fundingHandler.RegisterCommitmentRoutes(fundOps)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	tenant.NewHandler(s.tenants, tier.Catalog{}, s.resolver).RegisterAdminRoutes(admin)
	auth.NewHandler(s.authMgr).RegisterAdminRoutes(admin)
	paywallHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconRunner).RegisterAdminRoutes(admin)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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
		"name":          "FundRoom",
		"description":   "Fund operations and investor relations platform core",
		"version":       version,
		"paywallBypass": s.cfg.PaywallBypass,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

func (s *Server) startBackground(ctx context.Context) {
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	if s.redis != nil {
		go s.listen(ctx, "team", s.teamCache.Listen)
		go s.listen(ctx, "org", s.orgCache.Listen)
	}

	go s.sweeper.Start(ctx)
	go s.reconTimer.Start(ctx)
}

func (s *Server) listen(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("tier cache listener stopped", "cache", name, "error", err)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.reconTimer.Stop()
	s.logger.Info("background timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight notification deliveries finish
	if s.webhook != nil {
		s.webhook.Wait()
		s.logger.Info("notification deliveries drained")
	}

	if err := s.shutdownTrace(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the funding engine for testing
func (s *Server) Engine() *funding.Engine {
	return s.engine
}

// AuthManager returns the API key manager for testing
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
