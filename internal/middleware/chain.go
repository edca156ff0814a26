// Package middleware provides HTTP middleware for the gateway server.
package middleware

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/config"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in the order they are added.
type Chain struct {
	middlewares []Middleware
}

func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps the final handler with the chain, outermost first.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc is Then for handler funcs.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	return c.Then(fn)
}

// Set bundles the standard chains used by the server.
type Set struct {
	cfg    *config.Manager
	logger zerolog.Logger
}

func NewSet(cfg *config.Manager, logger zerolog.Logger) *Set {
	return &Set{cfg: cfg, logger: logger}
}

// APIChain protects the request-serving endpoints: telemetry swallowing,
// request logging, then authentication.
func (s *Set) APIChain() *Chain {
	return NewChain(
		TelemetrySink(s.logger),
		Logging(s.logger),
		Auth(s.cfg, s.logger),
	)
}

// HealthChain serves liveness and status endpoints without authentication.
func (s *Set) HealthChain() *Chain {
	return NewChain(
		Logging(s.logger),
	)
}
