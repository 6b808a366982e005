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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/callbacks"
	"github.com/carepay/healthcredit/internal/circuitbreaker"
	"github.com/carepay/healthcredit/internal/config"
	"github.com/carepay/healthcredit/internal/events"
	"github.com/carepay/healthcredit/internal/health"
	"github.com/carepay/healthcredit/internal/idempotency"
	"github.com/carepay/healthcredit/internal/inbox"
	"github.com/carepay/healthcredit/internal/kyc"
	"github.com/carepay/healthcredit/internal/ledger"
	"github.com/carepay/healthcredit/internal/loan"
	"github.com/carepay/healthcredit/internal/logging"
	"github.com/carepay/healthcredit/internal/metrics"
	"github.com/carepay/healthcredit/internal/ratelimit"
	"github.com/carepay/healthcredit/internal/realtime"
	"github.com/carepay/healthcredit/internal/reconciliation"
	"github.com/carepay/healthcredit/internal/scoring"
	"github.com/carepay/healthcredit/internal/security"
	"github.com/carepay/healthcredit/internal/traces"
	"github.com/carepay/healthcredit/migrations"
)

const (
	maxBodyBytes  = 1 << 20
	drainDelay    = 5 * time.Second
	shutdownLimit = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_URL

	ledgerStore ledger.Store
	loanStore   loan.Store
	kycStore    kyc.Store
	ledger      *ledger.Service
	kyc         *kyc.Service
	loans       *loan.Service
	scorer      scoring.Scorer
	verifier    *auth.Verifier
	idemStore   idempotency.Store

	realtimeHub *realtime.Hub
	kafka       *events.KafkaPublisher
	inbox       *inbox.Dispatcher
	auditTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

	ready atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScorer replaces the configured credit scorer.
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	s.verifier = verifier

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.wireServices()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStorage picks Postgres and Redis when configured and in-memory stores
// otherwise.
func (s *Server) openStorage(ctx context.Context) error {
	cfg := s.cfg
	s.kycStore = kyc.NewMemoryStore()
	s.idemStore = idempotency.NewMemoryStore()
	s.ledgerStore = ledger.NewMemoryStore()
	s.loanStore = loan.NewMemoryStore()

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db, s.logger); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		s.db = db
		s.ledgerStore = ledger.NewPostgresStore(db)
		s.loanStore = loan.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.kycStore = kyc.NewRedisStore(s.redis)
		s.idemStore = idempotency.NewRedisStore(s.redis)
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("using Redis for KYC snapshots and idempotent responses")
	}
	return nil
}

// wireServices connects the domain services, the event fan-out and the
// background workers.
func (s *Server) wireServices() {
	cfg := s.cfg

	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins...)
	publishers := events.Multi{s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		publishers = append(publishers, s.kafka)
		s.logger.Info("publishing events to kafka", "topic", cfg.KafkaTopic)
	}

	s.ledger = ledger.NewService(s.ledgerStore, s.logger).
		WithTimeout(cfg.LedgerTimeout).
		WithPublisher(publishers)

	if s.scorer == nil {
		s.scorer = s.defaultScorer()
	}

	s.kyc = kyc.NewService(s.kycStore, s.logger).WithPublisher(publishers)
	s.loans = loan.NewService(s.loanStore, s.kyc, s.scorer, s.ledger, loan.Config{
		ProcessingFee:  cfg.ProcessingFee,
		ScoringTimeout: cfg.ScoringTimeout,
	}, s.logger).WithPublisher(publishers)

	s.kyc.OnReject(s.loans.ReturnDraftsToStart)

	s.inbox = inbox.New(cfg.InboxLanes, cfg.InboxDepth, s.logger)
	callbacks.Register(s.inbox, s.kyc, s.ledger, s.logger)

	runner := reconciliation.NewRunner(s.ledgerStore, s.ledger, s.logger)
	s.auditTimer = reconciliation.NewTimer(runner, cfg.AuditInterval, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.RateLimitRPM})

	s.health.Register("server", func(context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Name: "server", Healthy: false, Detail: "not accepting traffic"}
		}
		return health.Status{Name: "server", Healthy: true}
	})
}

func (s *Server) defaultScorer() scoring.Scorer {
	cfg := s.cfg
	if cfg.ScoringURL == "" {
		s.logger.Info("using rule-based credit scoring")
		return scoring.NewCached(scoring.NewRuleScorer(cfg.MaxEligibleAmount))
	}
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("scoring bureau breaker changed state", "key", key, "from", from.String(), "to", to.String())
	})
	bureau := scoring.NewBureauClient(cfg.ScoringURL, cfg.ScoringAPIKey, cfg.MaxEligibleAmount, s.logger,
		scoring.WithHTTPClient(&http.Client{Timeout: cfg.ScoringTimeout}),
		scoring.WithBreaker(breaker),
	)
	s.logger.Info("using scoring bureau", "url", cfg.ScoringURL)
	return scoring.NewCached(bureau)
}

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
	s.router.Use(s.requestIDMiddleware())

	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(security.BodyLimit(maxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if owner := auth.OwnerID(c); owner != "" {
			attrs = append(attrs, "owner", owner)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router, s.version)
	s.router.GET("/metrics", metrics.Handler())

	// Provider callbacks authenticate by signature, not by token.
	callbacks.NewHandler(callbacks.Secrets{
		KYC:     s.cfg.KYCWebhookSecret,
		Payment: s.cfg.PaymentWebhookSecret,
	}, s.inbox, s.logger).RegisterRoutes(s.router)

	s.router.GET("/ws", auth.Middleware(s.verifier), s.realtimeHub.Handle)

	v1 := s.router.Group("/v1",
		auth.Middleware(s.verifier),
		auth.RequireAuth(),
		s.rateLimiter.Middleware(),
		idempotency.Middleware(s.idemStore, idempotency.Config{TTL: s.cfg.IdempotencyTTL, Required: true}),
	)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	loanHandler := loan.NewHandler(s.loans, s.logger)
	loanHandler.RegisterRoutes(v1)
	kyc.NewHandler(s.kyc, s.logger).RegisterRoutes(v1)

	loanHandler.RegisterUnderwritingRoutes(v1.Group("", auth.RequireRole(auth.RoleUnderwriter, auth.RoleAdmin)))

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	ledgerHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
	admin.GET("/audit", func(c *gin.Context) {
		report := s.auditTimer.LastReport()
		if report == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no audit pass has completed yet"})
			return
		}
		c.JSON(http.StatusOK, report)
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

	// The inbox and the hub stop on runCtx; the inbox drains before
	// returning.
	workers, workerCtx := errgroup.WithContext(runCtx)
	workers.Go(func() error { return s.inbox.Run(workerCtx) })
	workers.Go(func() error {
		s.realtimeHub.Run(workerCtx)
		return nil
	})
	go s.auditTimer.Start(runCtx)
	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		_ = workers.Wait()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.shutdown(workers)
}

// shutdown stops accepting traffic, drains in-flight requests and the
// callback inbox, then releases connections.
func (s *Server) shutdown(workers *errgroup.Group) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to see the failing readiness probe.
	if !s.cfg.IsDevelopment() {
		time.Sleep(drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownLimit)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		errs = append(errs, err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if err := workers.Wait(); err != nil {
		errs = append(errs, err)
	}
	s.auditTimer.Stop()
	s.rateLimiter.Stop()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}
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

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
