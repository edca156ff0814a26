// Package upstream implements the provider transport: send a wire request to
// a configured backend and return the response body or chunk stream, with
// every failure classified for the routing policy.
package upstream

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/engine"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/transform"
	"github.com/modelgate/modelgate/internal/unified"
)

const anthropicVersion = "2023-06-01"

// CredentialProvider resolves the API credential for a backend. The default
// implementation reads the configured key, falling back to the environment.
type CredentialProvider interface {
	GetCredential(providerID string) (string, error)
}

type configCredentials struct {
	cfg *config.Manager
}

// NewConfigCredentials resolves credentials from the gateway configuration,
// with a MODELGATE_<PROVIDER>_API_KEY environment override.
func NewConfigCredentials(cfg *config.Manager) CredentialProvider {
	return &configCredentials{cfg: cfg}
}

func (c *configCredentials) GetCredential(providerID string) (string, error) {
	envKey := "MODELGATE_" + strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_API_KEY"
	if key := os.Getenv(envKey); key != "" {
		return key, nil
	}
	provider, ok := c.cfg.Get().ProviderByName(providerID)
	if !ok {
		return "", fmt.Errorf("provider %q not configured", providerID)
	}
	if provider.APIKey == "" {
		return "", fmt.Errorf("no credential for provider %q", providerID)
	}
	return provider.APIKey, nil
}

// Client is the HTTP provider client.
type Client struct {
	cfg         *config.Manager
	credentials CredentialProvider
	httpClient  *http.Client
	logger      zerolog.Logger
}

var _ engine.ProviderClient = (*Client)(nil)

func NewClient(cfg *config.Manager, credentials CredentialProvider, logger zerolog.Logger) *Client {
	return &Client{
		cfg:         cfg,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		logger:      logger.With().Str("component", "upstream").Logger(),
	}
}

// Send performs a non-streaming request and returns the decompressed body.
func (c *Client) Send(ctx context.Context, candidate router.Candidate, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, candidate, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, c.backendError(candidate, 0, unified.ClassRetryable, fmt.Sprintf("decompress response: %v", err), err)
	}
	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, c.backendError(candidate, 0, unified.ClassRetryable, fmt.Sprintf("read response: %v", err), err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(candidate, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// Stream performs a streaming request and returns the SSE chunk sequence.
func (c *Client) Stream(ctx context.Context, candidate router.Candidate, body []byte) (engine.ChunkStream, error) {
	resp, err := c.do(ctx, candidate, body, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, c.statusError(candidate, resp.StatusCode, errBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Tool-argument deltas can carry large payloads on a single data: line.
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	return &SSEStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

func (c *Client) do(ctx context.Context, candidate router.Candidate, body []byte, stream bool) (*http.Response, error) {
	cfg := c.cfg.Get()
	provider, ok := cfg.ProviderByName(candidate.Provider)
	if !ok {
		return nil, c.backendError(candidate, 0, unified.ClassNonRetryable,
			fmt.Sprintf("provider %q not configured", candidate.Provider), nil)
	}

	credential, err := c.credentials.GetCredential(candidate.Provider)
	if err != nil {
		return nil, c.backendError(candidate, 0, unified.ClassNonRetryable, err.Error(), err)
	}

	url := endpointFor(provider, candidate, stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, c.backendError(candidate, 0, unified.ClassNonRetryable, fmt.Sprintf("build request: %v", err), err)
	}

	req.Header.Set("Content-Type", "application/json")
	switch candidate.Format {
	case transform.FormatAnthropic:
		req.Header.Set("x-api-key", credential)
		req.Header.Set("anthropic-version", anthropicVersion)
	case transform.FormatGemini:
		req.Header.Set("x-goog-api-key", credential)
	default:
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	c.logger.Debug().
		Str("provider", candidate.Provider).
		Str("model", candidate.Model).
		Str("url", url).
		Bool("stream", stream).
		Msg("dispatching upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Timeouts and connection failures are retryable against another
		// backend.
		return nil, c.backendError(candidate, 0, unified.ClassRetryable, fmt.Sprintf("upstream request: %v", err), err)
	}
	return resp, nil
}

func endpointFor(provider *config.Provider, candidate router.Candidate, stream bool) string {
	base := strings.TrimSuffix(provider.APIBase, "/")
	switch candidate.Format {
	case transform.FormatAnthropic:
		return base + "/v1/messages"
	case transform.FormatGemini:
		verb := "generateContent"
		if stream {
			verb = "streamGenerateContent?alt=sse"
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s", base, candidate.Model, verb)
	default:
		return base + "/v1/chat/completions"
	}
}

func (c *Client) statusError(candidate router.Candidate, status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 512 {
		message = message[:512]
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return c.backendError(candidate, status, classifyStatus(status), message, nil)
}

func (c *Client) backendError(candidate router.Candidate, status int, class unified.Classification, message string, err error) error {
	return &unified.BackendError{
		Provider: candidate.Provider,
		Status:   status,
		Class:    class,
		Message:  message,
		Err:      err,
	}
}

func classifyStatus(status int) unified.Classification {
	switch {
	case status == http.StatusTooManyRequests:
		return unified.ClassRateLimited
	case status >= 500:
		return unified.ClassRetryable
	default:
		return unified.ClassNonRetryable
	}
}

func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// SSEStream yields the data payloads of a server-sent event stream, one JSON
// chunk per Next call. Cancellation propagates through the response body:
// the request context closes it, unblocking any in-flight read.
type SSEStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next data payload, or io.EOF at end of stream (including
// the OpenAI-style "[DONE]" sentinel).
func (s *SSEStream) Next(ctx context.Context) ([]byte, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil, io.EOF
		}
		if payload == "" {
			continue
		}
		return []byte(payload), nil
	}

	if err := s.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, &unified.BackendError{
			Class:   unified.ClassRetryable,
			Message: fmt.Sprintf("read stream: %v", err),
			Err:     err,
		}
	}
	return nil, io.EOF
}

func (s *SSEStream) Close() error {
	return s.body.Close()
}
