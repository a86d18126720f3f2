// Package api provides the HTTP server: health check, session handshake, and
// the WebSocket endpoint that hosts session controllers.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/portfolio-analysis/internal/analysis"
	"github.com/portfolio-analysis/internal/config"
	"github.com/portfolio-analysis/internal/logging"
	"github.com/portfolio-analysis/internal/session"
	"github.com/portfolio-analysis/internal/storage"
)

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	repo       *storage.PortfolioRepository
	engine     *analysis.Engine
	registry   *session.Registry
	cfg        *config.Config
	logger     *logging.Logger
	upgrader   websocket.Upgrader
}

// ServerConfig holds server dependencies.
type ServerConfig struct {
	Config     *config.Config
	Repository *storage.PortfolioRepository
	Engine     *analysis.Engine
	Registry   *session.Registry
	Logger     *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("application config cannot be nil")
	}
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:   mux.NewRouter(),
		repo:     cfg.Repository,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		cfg:      cfg.Config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRouter()

	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws/{session_id}", s.handleWebSocket).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewIPRateLimiter(s.cfg.Server.HandshakeRPS, s.cfg.Server.HandshakeBurst)))
	api.HandleFunc("/session", s.handleCreateSession).Methods("GET")

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.router,
		// No global read/write timeouts: WebSocket connections are
		// long-lived and carry their own deadlines.
	}
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called. baseCtx becomes the parent context of every connection, so
// cancelling it also cancels live session controllers.
func (s *Server) Start(baseCtx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context {
		return baseCtx
	}

	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
