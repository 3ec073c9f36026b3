package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds API server configuration.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the focus session HTTP API server.
type Server struct {
	server   *http.Server
	router   *mux.Router
	handler  *Handler
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, validator Validator, sessions Sessions, logger zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		handler: NewHandler(validator, sessions, logger),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(IdentityMiddleware)

	v1.HandleFunc("/heartbeat", s.handler.Heartbeat).Methods("POST")
	v1.HandleFunc("/completion-sync", s.handler.CompletionSync).Methods("POST")
	v1.HandleFunc("/sessions", s.handler.StartSession).Methods("POST")
	v1.HandleFunc("/sessions/active", s.handler.ActiveSession).Methods("GET")
	v1.HandleFunc("/sessions/{id}/cancel", s.handler.CancelSession).Methods("POST")
	v1.HandleFunc("/streak", s.handler.Streak).Methods("GET")
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}
