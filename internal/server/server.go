// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskscore/internal/assess"
	"github.com/mbd888/riskscore/internal/catalog"
	"github.com/mbd888/riskscore/internal/chain"
	"github.com/mbd888/riskscore/internal/circuitbreaker"
	"github.com/mbd888/riskscore/internal/config"
	"github.com/mbd888/riskscore/internal/ethrpc"
	"github.com/mbd888/riskscore/internal/health"
	"github.com/mbd888/riskscore/internal/httpcache"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/market"
	"github.com/mbd888/riskscore/internal/metrics"
	"github.com/mbd888/riskscore/internal/ratelimit"
	"github.com/mbd888/riskscore/internal/realtime"
	"github.com/mbd888/riskscore/internal/receipts"
	"github.com/mbd888/riskscore/internal/refresher"
	"github.com/mbd888/riskscore/internal/retry"
	"github.com/mbd888/riskscore/internal/risk"
	"github.com/mbd888/riskscore/internal/scoring"
	"github.com/mbd888/riskscore/internal/security"
	"github.com/mbd888/riskscore/internal/validation"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	cache        *httpcache.Client
	breaker      *circuitbreaker.Breaker
	rpc          *ethrpc.Client // nil without ETH_RPC_URL
	adapters     []chain.Adapter
	tokens       assess.TokenSource
	protocols    assess.ProtocolSource
	catalog      *catalog.Catalog
	store        risk.Store
	receiptStore receipts.Store
	receipts     *receipts.Service
	assessor     *assess.Service
	realtimeHub  *realtime.Hub
	refresher    *refresher.Worker
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration      // wait before closing the listener on shutdown

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

// WithAdapters replaces the chain adapters (for testing)
func WithAdapters(adapters ...chain.Adapter) Option {
	return func(s *Server) {
		s.adapters = adapters
	}
}

// WithMarket replaces the CoinGecko and DefiLlama clients (for testing)
func WithMarket(tokens assess.TokenSource, protocols assess.ProtocolSource) Option {
	return func(s *Server) {
		s.tokens = tokens
		s.protocols = protocols
	}
}

// WithCatalog replaces the protocol catalog
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithReceiptStore replaces the file-backed receipt store (for testing)
func WithReceiptStore(store receipts.Store) Option {
	return func(s *Server) {
		s.receiptStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set adapters/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Upstream fetch layer: one breaker and one cache shared by every source
	s.breaker = circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerOpen)
	s.breaker.OnTransition(func(source string, from, to circuitbreaker.State) {
		s.logger.Warn("upstream circuit changed", "source", source, "from", from.String(), "to", to.String())
	})
	policy := retry.DefaultPolicy()
	policy.Retries = cfg.APIRetries
	policy.AttemptTimeout = cfg.APITimeout
	s.cache = httpcache.New(
		httpcache.WithPolicy(policy),
		httpcache.WithTTL(cfg.CacheTTL),
		httpcache.WithBreaker(s.breaker),
		httpcache.WithRequestDelay(cfg.RequestDelay),
		httpcache.WithLogger(s.logger),
	)

	if s.adapters == nil {
		evmCfg := chain.EVMConfig{
			EtherscanBase:   cfg.EtherscanBase,
			EtherscanAPIKey: cfg.EtherscanAPIKey,
			SourcifyAPI:     cfg.SourcifyAPI,
			SourcifyRepo:    cfg.SourcifyRepo,
			ExplorerMainnet: cfg.EtherscanExplorer,
			ExplorerTestnet: "https://sepolia.etherscan.io",
		}
		if cfg.EthRPCURL != "" {
			rpc, err := ethrpc.New(ethrpc.Config{URL: cfg.EthRPCURL, Network: chain.Mainnet})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to ETH_RPC_URL: %w", err)
			}
			s.rpc = rpc
			evmCfg.RPC = map[chain.Network]chain.StorageReader{chain.Mainnet: rpc}
			s.logger.Info("eip-1967 storage probe enabled")
		}
		s.adapters = []chain.Adapter{
			chain.NewEVMAdapter(s.cache, evmCfg, s.logger),
			chain.NewHederaAdapter(s.cache, chain.HederaConfig{
				MirrorMainnet: cfg.HederaMirrorMainnet,
				MirrorTestnet: cfg.HederaMirrorTestnet,
				SourcifyRepo:  cfg.SourcifyRepo,
				HashscanBase:  cfg.HashscanBase,
			}, s.logger),
		}
	}

	if s.tokens == nil {
		s.tokens = market.NewCoinGecko(s.cache, cfg.CoinGeckoBaseURL, cfg.CoinGeckoAPIKey, s.logger)
	}
	if s.protocols == nil {
		s.protocols = market.NewDefiLlama(s.cache, cfg.DefiLlamaBaseURL, s.logger)
	}

	if s.catalog == nil {
		cat, err := catalog.Load(cfg.ProtocolsFile, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load protocol catalog: %w", err)
		}
		s.catalog = cat
	}

	if s.receiptStore == nil {
		fs, err := receipts.NewFileStore(cfg.ReceiptsDir, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open receipts directory: %w", err)
		}
		s.receiptStore = fs
	}
	s.receipts = receipts.NewService(s.receiptStore, receipts.NewSigner(cfg.ReceiptHMACSecret), s.logger)
	if !s.receipts.Signing() {
		s.logger.Warn("receipts are unsigned (no RECEIPT_HMAC_SECRET set)")
	}

	engine := risk.NewEngine().
		WithWeights(cfg.Weights).
		WithThresholds(cfg.LowThreshold, cfg.MediumThreshold).
		WithExtendedScoring(cfg.ExtendedScoring)

	s.store = risk.NewMemoryStore()
	s.realtimeHub = realtime.NewHub(s.logger)
	s.assessor = assess.NewService(chain.NewRegistry(s.adapters...), engine, s.logger).
		WithMarket(s.tokens, s.protocols).
		WithFreshness(cfg.CacheTTL).
		WithStore(s.store).
		WithReceipts(s.receipts).
		WithPublisher(s.realtimeHub)

	s.refresher = refresher.NewWorker(s.assessor, s.catalog, cfg.RefreshInterval, s.logger).
		WithBroadcaster(s.realtimeHub)

	s.setupHealth()

	s.logger.Info("risk scorer configured",
		"chains", len(s.adapters),
		"protocols", s.catalog.Len(),
		"refresh_interval", cfg.RefreshInterval.String(),
		"extended_scoring", cfg.ExtendedScoring,
	)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(3 * time.Second)

	s.health.Register("upstreams", func(ctx context.Context) health.Status {
		var open []string
		for _, src := range s.breaker.Snapshot() {
			if src.State == circuitbreaker.StateOpen.String() {
				open = append(open, src.Source)
			}
		}
		if len(open) > 0 {
			return health.Status{Healthy: false, Detail: "circuit open: " + strings.Join(open, ", ")}
		}
		return health.Status{Healthy: true, Detail: fmt.Sprintf("%d cached responses", s.cache.Len())}
	})

	s.health.Register("refresher", func(ctx context.Context) health.Status {
		last, ok := s.refresher.LastCycle()
		if !ok {
			return health.Status{Healthy: true, Detail: "no cycle yet"}
		}
		if last.Assessed > 0 && last.Failed == last.Assessed {
			return health.Status{Healthy: false, Detail: "last cycle failed for every protocol"}
		}
		return health.Status{Healthy: true, Detail: "last cycle " + last.CycleID}
	})

	if s.rpc != nil {
		s.health.Register("eth_rpc", func(ctx context.Context) health.Status {
			if err := s.rpc.CheckChain(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
		case path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics":
			// probes are noisy
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

	// Live assessment feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	assess.NewHandler(s.assessor).RegisterRoutes(v1)
	catalog.NewHandler(s.catalog, s.assessor, s.store).RegisterRoutes(v1)
	receipts.NewHandler(s.receipts).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                       `json:"status"`
	Version   string                       `json:"version"`
	Checks    []health.Status              `json:"checks,omitempty"`
	Upstreams []circuitbreaker.SourceState `json:"upstreams"`
	Realtime  map[string]any               `json:"realtime"`
	Timestamp string                       `json:"timestamp"`
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
		Checks:    checks,
		Upstreams: s.breaker.Snapshot(),
		Realtime:  s.realtimeHub.Stats(),
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
	engine := s.assessor.Engine()
	low, medium := engine.Thresholds()
	c.JSON(http.StatusOK, gin.H{
		"service":          "riskscore",
		"version":          Version,
		"chains":           s.assessor.Chains(),
		"protocols":        s.catalog.Len(),
		"methodology":      scoring.Version,
		"weights":          engine.Weights(),
		"low_threshold":    low,
		"medium_threshold": medium,
		"extended_scoring": s.cfg.ExtendedScoring,
		"read_only":        true,
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
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)
	go s.refresher.Start(runCtx)

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

	s.refresher.Stop()

	// Cancel the context for background goroutines (hub, refresher, collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.rpc != nil {
		if err := s.rpc.Close(); err != nil {
			s.logger.Error("rpc close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Assessor exposes the assessment service, e.g. for a one-off refresh cycle.
func (s *Server) Assessor() *assess.Service {
	return s.assessor
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
