package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/audit"
	"github.com/nerrad567/teststand-core/internal/infrastructure/config"
	"github.com/nerrad567/teststand-core/internal/infrastructure/database"
	"github.com/nerrad567/teststand-core/internal/infrastructure/logging"
	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
	"github.com/nerrad567/teststand-core/internal/rfgen"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionChecker reports broker connectivity for the system metrics endpoint.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	Logger      *logging.Logger
	Generator   *rfgen.Generator
	Poller      *acquisition.Poller // optional: telemetry endpoints return 503 without it
	Supply      *hvps.Supply        // optional: HVPS endpoints return 503 without it
	Audit       *audit.Recorder     // optional: commands are not audited without it
	AuditRepo   audit.Repository    // optional: GET /audit returns 503 without it
	DB          *database.DB        // optional: pool stats in system metrics
	MQTT        ConnectionChecker   // optional
	Metrics     http.Handler        // optional: Prometheus exposition
	MetricsPath string              // default "/metrics"
	Version     string
}

// Server is the HTTP API server for the test stand core.
//
// It manages the HTTP listener, routes and middleware.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	generator *rfgen.Generator
	poller    *acquisition.Poller
	supply    *hvps.Supply
	recorder  *audit.Recorder
	auditRepo audit.Repository
	db        *database.DB
	mqtt      ConnectionChecker
	metrics   http.Handler
	metricsAt string
	version   string
	startTime time.Time
	server    *http.Server
	addr      net.Addr
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, generator) plus optional ones
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("rf generator is required")
	}

	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		generator: deps.Generator,
		poller:    deps.Poller,
		supply:    deps.Supply,
		recorder:  deps.Audit,
		auditRepo: deps.AuditRepo,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		metrics:   deps.Metrics,
		metricsAt: deps.MetricsPath,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Handler returns the fully wired router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. Binding
// happens before Start returns, so a port already in use is reported here.
//
// Parameters:
//   - ctx: Context for cancellation (bounds the bind only)
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}
	s.addr = ln.Addr()

	s.logger.Info("API server starting", "address", s.addr.String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
