package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/engine"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/unified"
)

type scriptedClient struct {
	response []byte
	err      error
	chunks   []string
}

func (c *scriptedClient) Send(ctx context.Context, candidate router.Candidate, body []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.response, nil
}

func (c *scriptedClient) Stream(ctx context.Context, candidate router.Candidate, body []byte) (engine.ChunkStream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &scriptedChunks{chunks: c.chunks}, nil
}

type scriptedChunks struct{ chunks []string }

func (s *scriptedChunks) Next(ctx context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return []byte(chunk), nil
}

func (s *scriptedChunks) Close() error { return nil }

func newTestHandler(t *testing.T, client engine.ProviderClient) *Messages {
	t.Helper()
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(&config.Config{
		Providers: []config.Provider{{Name: "p", Format: "openai", APIBase: "http://x"}},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {{Provider: "p", Model: "gpt-4o"}},
		},
	})
	registry := health.NewRegistry(health.Config{}, zerolog.Nop())
	rt := router.New(mgr, registry, zerolog.Nop())
	eng := engine.New(rt, client, zerolog.Nop())
	return NewMessages(eng, zerolog.Nop())
}

const anthropicRequestBody = `{
	"model": "claude-sonnet-4",
	"max_tokens": 256,
	"messages": [{"role": "user", "content": "hello"}]
}`

func TestMessagesComplete(t *testing.T) {
	client := &scriptedClient{
		response: []byte(`{"id":"r1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`),
	}
	handler := newTestHandler(t, client)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicRequestBody))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var wire map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wire))
	assert.Equal(t, "message", wire["type"])
	// The caller sees the model it asked for, not the backend model.
	assert.Equal(t, "claude-sonnet-4", wire["model"])
	assert.Equal(t, "end_turn", wire["stop_reason"])

	content := wire["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hi there", content[0].(map[string]any)["text"])
}

func TestMessagesStreaming(t *testing.T) {
	client := &scriptedClient{
		chunks: []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"content":"hel"}}]}`,
			`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
			`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		},
	}
	handler := newTestHandler(t, client)

	body := strings.Replace(anthropicRequestBody, `"max_tokens": 256,`, `"max_tokens": 256, "stream": true,`, 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	for _, event := range []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	} {
		assert.Contains(t, out, event)
	}
	assert.Contains(t, out, `"text":"hel"`)
	assert.Contains(t, out, `"text":"lo"`)
}

func TestMessagesInvalidBody(t *testing.T) {
	handler := newTestHandler(t, &scriptedClient{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":""}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestMessagesMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, &scriptedClient{})

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMessagesBackendErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "rate limited",
			err:        &unified.BackendError{Provider: "p", Status: 429, Class: unified.ClassRateLimited, Message: "slow down"},
			wantStatus: 429,
			wantKind:   "rate_limit_error",
		},
		{
			name:       "bad request upstream",
			err:        &unified.BackendError{Provider: "p", Status: 400, Class: unified.ClassNonRetryable, Message: "bad"},
			wantStatus: 400,
			wantKind:   "invalid_request_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, &scriptedClient{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicRequestBody))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var wire struct {
				Type  string `json:"type"`
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wire))
			assert.Equal(t, "error", wire.Type)
			assert.Equal(t, tt.wantKind, wire.Error.Type)
		})
	}
}

func TestMessagesNoBackendAvailable(t *testing.T) {
	client := &scriptedClient{err: &unified.BackendError{Provider: "p", Class: unified.ClassRetryable, Message: "down"}}
	handler := newTestHandler(t, client)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicRequestBody))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "overloaded_error")
}

func TestMessagesStreamMidFlightError(t *testing.T) {
	client := &scriptedClient{
		chunks: []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"content":"part"}}]}`,
		},
	}
	handler := newTestHandler(t, client)

	body := strings.Replace(anthropicRequestBody, `"max_tokens": 256,`, `"max_tokens": 256, "stream": true,`, 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// EOF without a finish reason: the decoder synthesizes a clean close.
	out := rec.Body.String()
	assert.Contains(t, out, "event: message_delta")
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, "event: message_stop")
}

func TestStatusEndpoint(t *testing.T) {
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(&config.Config{
		Providers: []config.Provider{{Name: "p", Format: "openai", APIBase: "http://x"}},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {{Provider: "p", Model: "m"}},
		},
	})
	registry := health.NewRegistry(health.Config{}, zerolog.Nop())
	registry.RecordFailure("p", unified.ClassRetryable)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	Status(mgr, registry).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Status    string `json:"status"`
		Providers []struct {
			Provider            string `json:"provider"`
			ConsecutiveFailures int    `json:"consecutive_failures"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	require.Len(t, payload.Providers, 1)
	assert.Equal(t, 1, payload.Providers[0].ConsecutiveFailures)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	Health().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
