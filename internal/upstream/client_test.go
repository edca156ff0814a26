package upstream

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/transform"
	"github.com/modelgate/modelgate/internal/unified"
)

func newTestClient(t *testing.T, serverURL, format string) (*Client, router.Candidate) {
	t.Helper()
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(&config.Config{
		Providers: []config.Provider{
			{Name: "test-provider", Format: format, APIBase: serverURL, APIKey: "secret"},
		},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {{Provider: "test-provider", Model: "m"}},
		},
	})
	client := NewClient(mgr, NewConfigCredentials(mgr), zerolog.Nop())
	candidate := router.Candidate{
		Provider: "test-provider",
		Model:    "m",
		Format:   transform.Format(format),
	}
	return client, candidate
}

func TestSendSuccess(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "openai")
	body, err := client.Send(context.Background(), candidate, []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
}

func TestSendAnthropicHeaders(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "anthropic")
	_, err := client.Send(context.Background(), candidate, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, "/v1/messages", gotPath)
}

func TestSendGeminiEndpoint(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "gemini")
	_, err := client.Send(context.Background(), candidate, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "/v1beta/models/m:generateContent", gotPath)
}

func TestSendGzipResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"compressed":true}`))
		gz.Close()
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "openai")
	body, err := client.Send(context.Background(), candidate, []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"compressed":true}`, string(body))
}

func TestSendStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   unified.Classification
	}{
		{http.StatusTooManyRequests, unified.ClassRateLimited},
		{http.StatusInternalServerError, unified.ClassRetryable},
		{http.StatusBadGateway, unified.ClassRetryable},
		{http.StatusBadRequest, unified.ClassNonRetryable},
		{http.StatusUnauthorized, unified.ClassNonRetryable},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		client, candidate := newTestClient(t, srv.URL, "openai")
		_, err := client.Send(context.Background(), candidate, []byte(`{}`))
		require.Error(t, err)

		var backendErr *unified.BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, tt.status, backendErr.Status)
		assert.Equal(t, tt.want, backendErr.Class, "status %d", tt.status)
		srv.Close()
	}
}

func TestSendUnknownProvider(t *testing.T) {
	client, _ := newTestClient(t, "http://unused", "openai")
	_, err := client.Send(context.Background(), router.Candidate{Provider: "ghost"}, nil)
	require.Error(t, err)
	assert.Equal(t, unified.ClassNonRetryable, unified.ClassificationOf(err))
}

func TestCredentialEnvOverride(t *testing.T) {
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(&config.Config{
		Providers: []config.Provider{{Name: "open-ai", Format: "openai", APIBase: "http://x", APIKey: "from-config"}},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {{Provider: "open-ai", Model: "m"}},
		},
	})
	creds := NewConfigCredentials(mgr)

	key, err := creds.GetCredential("open-ai")
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	t.Setenv("MODELGATE_OPEN_AI_API_KEY", "from-env")
	key, err = creds.GetCredential("open-ai")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Contains(t, r.URL.RawQuery+r.URL.Path, "chat/completions")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": comment to ignore\n")
		io.WriteString(w, "event: chunk\n")
		io.WriteString(w, "data: {\"n\":1}\n\n")
		io.WriteString(w, "data: {\"n\":2}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "openai")
	stream, err := client.Stream(context.Background(), candidate, []byte(`{}`))
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	chunk, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(chunk))

	chunk, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(chunk))

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"limit"}}`))
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "openai")
	_, err := client.Stream(context.Background(), candidate, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, unified.ClassRateLimited, unified.ClassificationOf(err))
}

func TestStreamGeminiEndpoint(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	client, candidate := newTestClient(t, srv.URL, "gemini")
	stream, err := client.Stream(context.Background(), candidate, []byte(`{}`))
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, "/v1beta/models/m:streamGenerateContent?alt=sse", gotURL)
}

func TestSendConnectionErrorRetryable(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, candidate := newTestClient(t, url, "openai")
	_, err := client.Send(context.Background(), candidate, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, unified.ClassRetryable, unified.ClassificationOf(err))
	assert.False(t, errors.Is(err, context.Canceled))
}
