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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/circuitbreaker"
	"github.com/mbd888/agentbazaar/internal/config"
	"github.com/mbd888/agentbazaar/internal/coordinator"
	"github.com/mbd888/agentbazaar/internal/events"
	"github.com/mbd888/agentbazaar/internal/gigs"
	"github.com/mbd888/agentbazaar/internal/health"
	"github.com/mbd888/agentbazaar/internal/lease"
	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/metrics"
	"github.com/mbd888/agentbazaar/internal/orders"
	"github.com/mbd888/agentbazaar/internal/ratelimit"
	"github.com/mbd888/agentbazaar/internal/realtime"
	"github.com/mbd888/agentbazaar/internal/reconciliation"
	"github.com/mbd888/agentbazaar/internal/reputation"
	"github.com/mbd888/agentbazaar/internal/retry"
	"github.com/mbd888/agentbazaar/internal/settlement"
	"github.com/mbd888/agentbazaar/internal/traces"
)

// Version is reported by the health endpoints.
var Version = "dev"

// Breaker settings for chain calls: after this many consecutive node
// failures, calls are refused for breakerOpen.
const (
	breakerThreshold = 5
	breakerOpen      = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB                // nil if using in-memory
	redisLeaser   *lease.RedisLeaser     // nil if using in-process leases
	kafka         *events.KafkaPublisher // nil if no brokers configured
	evmClient     *chain.Client          // nil in memory chain mode
	simulator     *chain.Simulator       // nil in evm chain mode
	gigStore      gigs.Store
	authMgr       *auth.Manager
	coordinator   *coordinator.Service
	recorder      *reputation.Recorder
	loop          *reconciliation.Loop
	realtimeHub   *realtime.Hub
	health        *health.Registry
	breaker       *circuitbreaker.Breaker
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSimulator sets the simulated chain used in memory mode (for testing)
func WithSimulator(sim *chain.Simulator) Option {
	return func(s *Server) {
		s.simulator = sim
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	var (
		orderStore  orders.Store
		opStore     settlement.Store
		reviewStore reputation.Store
		keyStore    auth.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancelPing := context.WithTimeout(ctx, 30*time.Second)
		err = retry.Do(pingCtx, 5, retry.Backoff{Base: time.Second, Max: 8 * time.Second}, func() error { return db.PingContext(pingCtx) })
		cancelPing()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orderStore = orders.NewPostgresStore(db)
		opStore = settlement.NewPostgresStore(db)
		reviewStore = reputation.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		s.gigStore = gigs.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = orders.NewMemoryStore()
		opStore = settlement.NewMemoryStore()
		reviewStore = reputation.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.gigStore = gigs.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data is lost on restart")
	}

	// Leases (Redis if REDIS_URL set, otherwise in-process)
	var leaser lease.Leaser = lease.NewMemoryLeaser()
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		rl, err := lease.NewRedisLeaser(ctx, cfg.RedisURL, "")
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.redisLeaser = rl
		leaser = rl
		redisClient = rl.Client()
		s.logger.Info("using Redis settlement leases")
	}

	// Chain: simulated ledgers or deployed contracts
	var (
		escrowChain settlement.Chain
		ledger      reputation.Ledger
	)
	switch cfg.ChainMode {
	case config.ChainEVM:
		client, err := chain.New(chain.Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			USDCContract:  cfg.USDCContract,
			Confirmations: cfg.Confirmations,
		})
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to chain: %w", err)
		}
		s.evmClient = client
		if escrowChain, err = settlement.NewEVMChain(client, cfg.EscrowContract); err != nil {
			s.closeStores()
			return nil, err
		}
		if ledger, err = reputation.NewEVMLedger(client, cfg.ReputationContract); err != nil {
			s.closeStores()
			return nil, err
		}
		s.logger.Info("using EVM chain", "operator", client.Address().Hex(), "chain_id", cfg.ChainID)
	default:
		if s.simulator == nil {
			s.simulator = chain.NewSimulator()
		}
		escrowChain = settlement.NewMemoryChain(s.simulator, cfg.Confirmations)
		ledger = reputation.NewMemoryLedger(s.simulator, cfg.Confirmations)
		s.logger.Warn("using simulated chain, balances are not real")
	}

	// Events: WebSocket subscribers always, Kafka when configured
	s.realtimeHub = realtime.NewHub(s.logger)
	fanout := events.NewFanout(s.logger, events.Sink{Name: "realtime", Publisher: s.realtimeHub})
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		fanout.Add("kafka", s.kafka)
		s.logger.Info("publishing order events to Kafka", "topic", cfg.KafkaTopic)
	}

	backoff := retry.Backoff{Base: cfg.RetryBase, Max: cfg.RetryMax}

	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpen)
	s.breaker.Observe(func(endpoint string, from, to circuitbreaker.State) {
		s.logger.Warn("chain endpoint breaker", "endpoint", endpoint, "from", from.String(), "to", to.String())
	})

	settle := settlement.NewService(opStore, escrowChain).
		WithLogger(s.logger).
		WithBreaker(s.breaker).
		WithPolicy(cfg.MaxSettleAttempts, backoff, cfg.ConfirmationTimeout)

	s.coordinator = coordinator.NewService(orderStore, s.gigStore, settle).
		WithLogger(s.logger).
		WithLeaser(leaser, cfg.LeaseTTL).
		WithEvents(fanout).
		WithPlacementWait(cfg.PlacementWait)

	s.recorder = reputation.NewRecorder(reviewStore, ledger, s.coordinator).
		WithLogger(s.logger).
		WithLeaser(leaser).
		WithEvents(fanout).
		WithBreaker(s.breaker).
		WithPolicy(backoff, cfg.ConfirmationTimeout)

	s.loop = reconciliation.NewLoop(s.coordinator, s.logger).
		WithReviews(s.recorder).
		WithInterval(cfg.ReconcileInterval)

	s.authMgr = auth.NewManager(keyStore)

	if cfg.GigCatalogPath != "" {
		catalog, err := gigs.LoadCatalog(cfg.GigCatalogPath)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		if err := gigs.Seed(ctx, s.gigStore, catalog); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to seed gig catalog: %w", err)
		}
		s.logger.Info("gig catalog loaded", "path", cfg.GigCatalogPath, "gigs", len(catalog))
	}

	s.rateLimiter, err = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		Redis:             redisClient,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("server", func(context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Name: "server", Healthy: false, Detail: "starting or draining"}
		}
		return health.Status{Name: "server", Healthy: true}
	})
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redisLeaser != nil {
		s.health.Register("redis", health.Ping("redis", s.redisLeaser.Ping))
	}
	s.health.Register("chain", func(context.Context) health.Status {
		for _, ep := range s.breaker.Snapshot() {
			if ep.State == circuitbreaker.StateOpen {
				return health.Status{Name: "chain", Healthy: false, Detail: ep.Name + " breaker open"}
			}
		}
		return health.Status{Name: "chain", Healthy: true}
	})
	s.health.Register("reconciler", health.Fresh("reconciler",
		s.loop.LastRun, s.loop.Running, 3*s.cfg.ReconcileInterval))
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	health.NewHandler(s.health, Version).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	orderHandler := coordinator.NewHandler(s.coordinator)
	reviewHandler := reputation.NewHandler(s.recorder)
	gigHandler := gigs.NewHandler(s.gigStore)
	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(addressParamMiddleware())

	// Public reads
	gigHandler.RegisterRoutes(v1)
	reviewHandler.RegisterRoutes(v1)

	// Agent operations: the acting agent is the key's owner
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	orderHandler.RegisterProtectedRoutes(protected)
	reviewHandler.RegisterProtectedRoutes(protected)
	gigHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)
	protected.GET("/ws", func(c *gin.Context) {
		agent := auth.GetAuthenticatedAgent(c)
		if agent == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		s.realtimeHub.Serve(c.Writer, c.Request, agent)
	})

	// Operator surface
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	orderHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/ws", func(c *gin.Context) {
		s.realtimeHub.Serve(c.Writer, c.Request, realtime.Operator)
	})
	if s.simulator != nil {
		admin.POST("/admin/faucet", s.faucetHandler)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
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
		WriteTimeout:      s.cfg.PlacementWait + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "chain_mode", s.cfg.ChainMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	// The first reconciliation pass repairs whatever a previous process
	// left in flight.
	go s.loop.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Background work stops after in-flight requests finish, so a request
	// never loses its settlement driver halfway.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.loop.Stop()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.evmClient != nil {
		s.evmClient.Close()
	}
	s.closeStores()

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redisLeaser != nil {
		if err := s.redisLeaser.Close(); err != nil {
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

// Coordinator exposes the order service to in-process callers such as the
// MCP server.
func (s *Server) Coordinator() *coordinator.Service {
	return s.coordinator
}

// Recorder exposes the review recorder.
func (s *Server) Recorder() *reputation.Recorder {
	return s.recorder
}

// AuthManager exposes API key management.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
