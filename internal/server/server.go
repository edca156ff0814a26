// Package server assembles the gateway: config, health registry, router,
// engine, upstream transport and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/engine"
	"github.com/modelgate/modelgate/internal/handlers"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/middleware"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg        *config.Manager
	registry   *health.Registry
	logger     zerolog.Logger
	httpServer *http.Server
}

// New wires the full request path. The health registry and the router carry
// all cross-request state; everything else is stateless per request.
func New(cfg *config.Manager, logger zerolog.Logger) *Server {
	conf := cfg.Get()

	registry := health.NewRegistry(health.Config{
		FailureThreshold: conf.Health.FailureThreshold,
		InitialCooldown:  conf.Health.InitialCooldown(),
		MaxCooldown:      conf.Health.MaxCooldown(),
	}, logger)

	rt := router.New(cfg, registry, logger)
	client := upstream.NewClient(cfg, upstream.NewConfigCredentials(cfg), logger)
	eng := engine.New(rt, client, logger)

	chains := middleware.NewSet(cfg, logger)
	mux := http.NewServeMux()
	mux.Handle("/health", chains.HealthChain().Then(handlers.Health()))
	mux.Handle("/status", chains.HealthChain().Then(handlers.Status(cfg, registry)))
	mux.Handle("/v1/messages", chains.APIChain().Then(handlers.NewMessages(eng, logger)))
	mux.Handle("/", chains.APIChain().ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	addr := fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	return &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "server").Logger(),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
			// No write timeout: streaming responses stay open as long as the
			// upstream keeps producing.
		},
	}
}

// Start runs the server until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Addr returns the address the server was configured to listen on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
