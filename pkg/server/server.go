package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/parallaxdata/skiff/pkg/catalog"
	"github.com/parallaxdata/skiff/pkg/engine"
	"github.com/parallaxdata/skiff/pkg/results"
)

// Config holds the configuration for the HTTP tool surface.
type Config struct {
	Logger      *slog.Logger
	Coordinator *catalog.Coordinator
	Engine      engine.Engine
	Results     *results.Cache
	Listener    net.Listener

	// PreviewRows caps how many rows a query response inlines; the full
	// result set stays retrievable through the result handle.
	PreviewRows int

	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Coordinator == nil {
		return fmt.Errorf("coordinator is required")
	}
	if cfg.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if cfg.Results == nil {
		return fmt.Errorf("result cache is required")
	}
	if cfg.Listener == nil {
		return fmt.Errorf("listener is required")
	}
	if cfg.PreviewRows == 0 {
		cfg.PreviewRows = 50
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Server exposes the catalog, gatekeeping, and result-handoff operations to
// the agent tool layer over HTTP.
type Server struct {
	log      *slog.Logger
	cfg      Config
	httpSrv  *http.Server
	listener net.Listener
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		listener: cfg.Listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{slug}/query", s.handleQuery)
	mux.HandleFunc("GET /v1/conversations/{slug}/schemas", s.handleSchemas)
	mux.HandleFunc("GET /v1/conversations/{slug}/results/{id}", s.handleResult)
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write health response", "error", err)
		}
	}
	mux.HandleFunc("/healthz", ok)
	mux.HandleFunc("/readyz", ok)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()
	s.log.Info("server: http listening", "address", s.listener.Addr())

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}
