// Package handlers contains the HTTP entry points of the gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/engine"
	"github.com/modelgate/modelgate/internal/transform"
	"github.com/modelgate/modelgate/internal/unified"
)

// maxRequestBody caps inbound request bodies at 64 MiB; long-context prompts
// with tool results stay well below this.
const maxRequestBody = 64 << 20

// Messages serves the Anthropic-compatible POST /v1/messages endpoint.
type Messages struct {
	engine *engine.Engine
	logger zerolog.Logger
}

func NewMessages(eng *engine.Engine, logger zerolog.Logger) *Messages {
	return &Messages{
		engine: eng,
		logger: logger.With().Str("component", "messages").Logger(),
	}
}

func (h *Messages) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "read request body: "+err.Error())
		return
	}

	req, err := transform.DecodeAnthropicRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	req.Metadata.RequestID = uuid.NewString()

	logger := h.logger.With().Str("request_id", req.Metadata.RequestID).Logger()
	logger.Info().
		Str("model", req.Model).
		Bool("stream", req.Stream).
		Int("messages", len(req.Messages)).
		Msg("inbound request")

	if req.Stream {
		h.stream(w, r, req, logger)
		return
	}
	h.complete(w, r, req, logger)
}

func (h *Messages) complete(w http.ResponseWriter, r *http.Request, req *unified.Request, logger zerolog.Logger) {
	resp, err := h.engine.Complete(r.Context(), req)
	if err != nil {
		logger.Error().Err(err).Msg("request failed")
		writeEngineError(w, err)
		return
	}

	data, err := transform.EncodeAnthropicResponse(resp)
	if err != nil {
		logger.Error().Err(err).Msg("encode response")
		writeError(w, http.StatusInternalServerError, "api_error", "encode response: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Messages) stream(w http.ResponseWriter, r *http.Request, req *unified.Request, logger zerolog.Logger) {
	es, err := h.engine.Stream(r.Context(), req)
	if err != nil {
		logger.Error().Err(err).Msg("establish stream failed")
		writeEngineError(w, err)
		return
	}
	defer es.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := es.Next(r.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// Caller went away; nothing left to write.
			logger.Debug().Err(err).Msg("stream consumer gone")
			return
		}
		if _, err := w.Write(transform.EncodeAnthropicEvent(ev)); err != nil {
			logger.Debug().Err(err).Msg("write stream event")
			return
		}
		flusher.Flush()
	}
}

// writeEngineError maps engine failures onto Anthropic-style error envelopes.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, unified.ErrNoCandidates) {
		// When the walk died on rate limits, tell the client to back off
		// rather than reporting a generic overload.
		var backendErr *unified.BackendError
		if errors.As(err, &backendErr) && backendErr.Class == unified.ClassRateLimited {
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", backendErr.Message)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", err.Error())
		return
	}

	var transformErr *unified.TransformError
	if errors.As(err, &transformErr) {
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}

	var backendErr *unified.BackendError
	if errors.As(err, &backendErr) {
		status := backendErr.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		kind := "api_error"
		switch {
		case status == http.StatusTooManyRequests:
			kind = "rate_limit_error"
		case status == http.StatusServiceUnavailable || status == 529:
			kind = "overloaded_error"
		case status >= 400 && status < 500:
			kind = "invalid_request_error"
		}
		writeError(w, status, kind, backendErr.Message)
		return
	}

	writeError(w, http.StatusInternalServerError, "api_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    kind,
			"message": message,
		},
	})
}
