// Package engine orchestrates one request end to end: route to candidates,
// call the provider client, and convert between the unified model and each
// backend's wire format.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/transform"
	"github.com/modelgate/modelgate/internal/unified"
)

// ChunkStream yields raw wire chunks from one backend stream. Next returns
// io.EOF when the stream is exhausted. Implementations must honor context
// cancellation.
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ProviderClient is the transport collaborator. Errors must be
// *unified.BackendError so the engine can apply the routing policy.
type ProviderClient interface {
	Send(ctx context.Context, candidate router.Candidate, body []byte) ([]byte, error)
	Stream(ctx context.Context, candidate router.Candidate, body []byte) (ChunkStream, error)
}

// Engine is the façade. One request is served by at most one candidate at a
// time: no speculative hedging, so a prompt is never billed twice.
type Engine struct {
	router *router.Router
	client ProviderClient
	logger zerolog.Logger
}

func New(r *router.Router, client ProviderClient, logger zerolog.Logger) *Engine {
	return &Engine{
		router: r,
		client: client,
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Complete serves a non-streaming request, walking candidates until one
// succeeds or a non-retryable failure surfaces.
func (e *Engine) Complete(ctx context.Context, req *unified.Request) (*unified.Response, error) {
	candidates := e.router.Route(req)
	if len(candidates) == 0 {
		return nil, unified.ErrNoCandidates
	}

	var lastErr error
	for _, candidate := range candidates {
		attempt := cloneForCandidate(req, candidate, false)

		body, err := transform.ToWire(attempt, candidate.Format)
		if err != nil {
			// A request we cannot encode for this format will not encode on
			// retry either.
			return nil, err
		}

		start := time.Now()
		respBody, err := e.client.Send(ctx, candidate, body)
		if err == nil {
			var resp *unified.Response
			resp, err = transform.FromWireResponse(respBody, candidate.Format, attempt)
			if err == nil {
				e.router.OnSuccess(candidate, time.Since(start))
				// The caller sees the model it asked for; the model that
				// actually served (possibly downgraded by a fallback chain)
				// stays visible in the logs.
				e.logger.Info().
					Str("provider", candidate.Provider).
					Str("served_model", candidate.Model).
					Str("requested_model", req.Model).
					Str("request_id", req.Metadata.RequestID).
					Dur("latency", time.Since(start)).
					Msg("request served")
				resp.Model = req.Model
				return resp, nil
			}
		}

		var terminal bool
		terminal, lastErr = e.recordFailure(candidate, err)
		if terminal {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", unified.ErrNoCandidates, lastErr)
}

// Stream serves a streaming request. Candidate failover happens only while
// establishing the stream; once events flow, a backend failure terminates
// the stream with an error event instead of switching candidates, since
// partial output has already been delivered.
func (e *Engine) Stream(ctx context.Context, req *unified.Request) (*EventStream, error) {
	candidates := e.router.Route(req)
	if len(candidates) == 0 {
		return nil, unified.ErrNoCandidates
	}

	var lastErr error
	for _, candidate := range candidates {
		attempt := cloneForCandidate(req, candidate, true)

		body, err := transform.ToWire(attempt, candidate.Format)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		chunks, err := e.client.Stream(ctx, candidate, body)
		if err == nil {
			e.logger.Info().
				Str("provider", candidate.Provider).
				Str("served_model", candidate.Model).
				Str("requested_model", req.Model).
				Str("request_id", req.Metadata.RequestID).
				Msg("stream established")
			return newEventStream(chunks, candidate, e.router, e.logger, start), nil
		}

		var terminal bool
		terminal, lastErr = e.recordFailure(candidate, err)
		if terminal {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", unified.ErrNoCandidates, lastErr)
}

// recordFailure feeds an attempt failure into the router and reports whether
// the candidate walk must stop.
func (e *Engine) recordFailure(candidate router.Candidate, err error) (terminal bool, lastErr error) {
	class := unified.ClassificationOf(err)

	var transformErr *unified.TransformError
	if errors.As(err, &transformErr) {
		// Unmappable upstream output fails fast; guessing would hide drift.
		return true, err
	}
	if class == unified.ClassNonRetryable {
		return true, err
	}

	e.logger.Warn().
		Str("provider", candidate.Provider).
		Str("model", candidate.Model).
		Str("class", string(class)).
		Err(err).
		Msg("candidate failed, advancing")

	e.router.OnFailure(candidate, class)
	return false, err
}

// cloneForCandidate shallow-copies the request with the candidate's model and
// the desired streaming mode. Messages and tools are request-scoped and
// read-only downstream, so they are shared.
func cloneForCandidate(req *unified.Request, candidate router.Candidate, stream bool) *unified.Request {
	clone := *req
	clone.Model = candidate.Model
	clone.Stream = stream
	return &clone
}
