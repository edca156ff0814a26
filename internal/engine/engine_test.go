package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/unified"
)

// fakeClient scripts per-provider outcomes and records the attempt order.
type fakeClient struct {
	sendResponses map[string][]byte
	sendErrors    map[string]error
	streams       map[string][]string
	streamErrors  map[string]error
	midStreamErr  map[string]error
	calls         []string
}

func (f *fakeClient) Send(ctx context.Context, c router.Candidate, body []byte) ([]byte, error) {
	f.calls = append(f.calls, c.Provider)
	if err, ok := f.sendErrors[c.Provider]; ok {
		return nil, err
	}
	return f.sendResponses[c.Provider], nil
}

func (f *fakeClient) Stream(ctx context.Context, c router.Candidate, body []byte) (ChunkStream, error) {
	f.calls = append(f.calls, c.Provider)
	if err, ok := f.streamErrors[c.Provider]; ok {
		return nil, err
	}
	return &fakeChunkStream{chunks: f.streams[c.Provider], failWith: f.midStreamErr[c.Provider]}, nil
}

type fakeChunkStream struct {
	chunks   []string
	failWith error
	closed   bool
}

func (s *fakeChunkStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.chunks) == 0 {
		if s.failWith != nil {
			return nil, s.failWith
		}
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return []byte(chunk), nil
}

func (s *fakeChunkStream) Close() error {
	s.closed = true
	return nil
}

func newTestEngine(t *testing.T, client ProviderClient) (*Engine, *router.Router) {
	t.Helper()
	cfg := &config.Config{
		Providers: []config.Provider{
			{Name: "alpha", Format: "openai", APIBase: "http://alpha"},
			{Name: "beta", Format: "openai", APIBase: "http://beta"},
		},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {
				{Provider: "alpha", Model: "model-a"},
				{Provider: "beta", Model: "model-b"},
			},
		},
	}
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(cfg)
	registry := health.NewRegistry(health.Config{FailureThreshold: 2}, zerolog.Nop())
	rt := router.New(mgr, registry, zerolog.Nop())
	return New(rt, client, zerolog.Nop()), rt
}

func testRequest() *unified.Request {
	return &unified.Request{
		Model: "claude-sonnet-4",
		Messages: []unified.Message{
			{Role: unified.RoleUser, Content: []unified.ContentBlock{unified.TextBlock("hi")}},
		},
	}
}

const okOpenAIBody = `{"id":"r1","model":"model-a","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`

func TestCompleteSuccess(t *testing.T) {
	client := &fakeClient{
		sendResponses: map[string][]byte{"alpha": []byte(okOpenAIBody), "beta": []byte(okOpenAIBody)},
	}
	eng, _ := newTestEngine(t, client)

	resp, err := eng.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	// The response reports the requested model, not the backend one.
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	assert.Equal(t, unified.StopEndTurn, resp.StopReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello", resp.Content[0].Text)
	assert.Len(t, client.calls, 1)
}

// The requested model stays on the response; the model that actually served
// the request must be visible in the log.
func TestCompleteLogsServedModel(t *testing.T) {
	client := &fakeClient{
		sendResponses: map[string][]byte{"alpha": []byte(okOpenAIBody)},
	}
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(&config.Config{
		Providers: []config.Provider{{Name: "alpha", Format: "openai", APIBase: "http://alpha"}},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {{Provider: "alpha", Model: "model-a"}},
		},
	})
	registry := health.NewRegistry(health.Config{FailureThreshold: 2}, zerolog.Nop())
	rt := router.New(mgr, registry, zerolog.Nop())

	var buf bytes.Buffer
	eng := New(rt, client, zerolog.New(&buf))

	resp, err := eng.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", resp.Model)

	log := buf.String()
	assert.Contains(t, log, `"served_model":"model-a"`)
	assert.Contains(t, log, `"requested_model":"claude-sonnet-4"`)
}

func TestCompleteFailsOverOnRetryable(t *testing.T) {
	client := &fakeClient{
		sendErrors: map[string]error{
			"alpha": &unified.BackendError{Provider: "alpha", Status: 500, Class: unified.ClassRetryable, Message: "boom"},
		},
		sendResponses: map[string][]byte{"beta": []byte(okOpenAIBody)},
	}
	eng, _ := newTestEngine(t, client)

	resp, err := eng.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, client.calls)
	assert.Equal(t, "hello", resp.Content[0].Text)
}

func TestCompleteNonRetryableShortCircuits(t *testing.T) {
	client := &fakeClient{
		sendErrors: map[string]error{
			"alpha": &unified.BackendError{Provider: "alpha", Status: 400, Class: unified.ClassNonRetryable, Message: "bad request"},
		},
		sendResponses: map[string][]byte{"beta": []byte(okOpenAIBody)},
	}
	eng, _ := newTestEngine(t, client)

	_, err := eng.Complete(context.Background(), testRequest())
	require.Error(t, err)

	var backendErr *unified.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "alpha", backendErr.Provider)
	assert.Len(t, client.calls, 1, "second candidate must not be attempted")
}

func TestCompleteUnknownStopReasonIsTerminal(t *testing.T) {
	body := `{"id":"r1","choices":[{"message":{"role":"assistant","content":"x"},"finish_reason":"mystery"}]}`
	client := &fakeClient{
		sendResponses: map[string][]byte{"alpha": []byte(body), "beta": []byte(okOpenAIBody)},
	}
	eng, _ := newTestEngine(t, client)

	_, err := eng.Complete(context.Background(), testRequest())
	require.Error(t, err)
	var transformErr *unified.TransformError
	require.ErrorAs(t, err, &transformErr)
	assert.Len(t, client.calls, 1)
}

func TestCompleteAllCandidatesExhausted(t *testing.T) {
	retryable := &unified.BackendError{Class: unified.ClassRetryable, Message: "down"}
	client := &fakeClient{
		sendErrors: map[string]error{"alpha": retryable, "beta": retryable},
	}
	eng, _ := newTestEngine(t, client)

	_, err := eng.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, unified.ErrNoCandidates)
	assert.Len(t, client.calls, 2)
}

func TestCompleteNoCandidates(t *testing.T) {
	client := &fakeClient{}
	eng, rt := newTestEngine(t, client)

	// Trip both providers into cooldown.
	for i := 0; i < 2; i++ {
		rt.OnFailure(router.Candidate{Provider: "alpha"}, unified.ClassRetryable)
		rt.OnFailure(router.Candidate{Provider: "beta"}, unified.ClassRetryable)
	}

	_, err := eng.Complete(context.Background(), testRequest())
	assert.ErrorIs(t, err, unified.ErrNoCandidates)
	assert.Empty(t, client.calls)
}

func TestCompleteRateLimitAdvancesAndContinues(t *testing.T) {
	client := &fakeClient{
		sendErrors: map[string]error{
			"alpha": &unified.BackendError{Provider: "alpha", Status: 429, Class: unified.ClassRateLimited, Message: "slow down"},
		},
		sendResponses: map[string][]byte{"beta": []byte(okOpenAIBody)},
	}
	eng, _ := newTestEngine(t, client)

	resp, err := eng.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, client.calls)
	assert.NotNil(t, resp)
}

func TestStreamDeliversEvents(t *testing.T) {
	client := &fakeClient{
		streams: map[string][]string{
			"alpha": {
				`{"id":"c1","model":"model-a","choices":[{"delta":{"content":"hel"}}]}`,
				`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
				`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			},
		},
	}
	eng, _ := newTestEngine(t, client)

	es, err := eng.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var types []unified.EventType
	var text string
	for {
		ev, err := es.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		types = append(types, ev.Type)
		text += ev.TextDelta
	}

	assert.Equal(t, []unified.EventType{
		unified.EventMessageStart,
		unified.EventContentBlockStart,
		unified.EventContentBlockDelta,
		unified.EventContentBlockDelta,
		unified.EventContentBlockStop,
		unified.EventMessageDelta,
		unified.EventMessageStop,
	}, types)
	assert.Equal(t, "hello", text)
}

func TestStreamFailsOverBeforeFirstChunk(t *testing.T) {
	client := &fakeClient{
		streamErrors: map[string]error{
			"alpha": &unified.BackendError{Provider: "alpha", Status: 503, Class: unified.ClassRetryable, Message: "down"},
		},
		streams: map[string][]string{
			"beta": {`{"id":"c1","model":"model-b","choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`},
		},
	}
	eng, _ := newTestEngine(t, client)

	es, err := eng.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, client.calls)

	ev, err := es.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, unified.EventMessageStart, ev.Type)
}

// A failure after events have flowed must terminate with an error event, not
// switch to another backend.
func TestStreamMidFlightErrorIsTerminal(t *testing.T) {
	client := &fakeClient{
		streams: map[string][]string{
			"alpha": {`{"id":"c1","model":"model-a","choices":[{"delta":{"content":"partial"}}]}`},
		},
		midStreamErr: map[string]error{
			"alpha": &unified.BackendError{Provider: "alpha", Status: 429, Class: unified.ClassRateLimited, Message: "cut off"},
		},
	}
	eng, _ := newTestEngine(t, client)

	es, err := eng.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var events []unified.StreamEvent
	for {
		ev, err := es.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, unified.EventError, last.Type)
	assert.Equal(t, "rate_limit_error", last.ErrKind)
	assert.Len(t, client.calls, 1, "no mid-stream failover")
}

// A backend that aborts with an in-band error event ends the transport
// cleanly; the attempt must still count as a failure, not a success.
func TestStreamInBandErrorCountsAsFailure(t *testing.T) {
	client := &fakeClient{
		streams: map[string][]string{
			"alpha": {
				`{"type":"message_start","message":{"id":"m1","type":"message","model":"claude-sonnet-4"}}`,
				`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
			},
		},
	}
	mgr := config.NewManager(t.TempDir() + "/config.json")
	mgr.Set(&config.Config{
		Providers: []config.Provider{{Name: "alpha", Format: "anthropic", APIBase: "http://alpha"}},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {{Provider: "alpha", Model: "claude-sonnet-4"}},
		},
	})
	registry := health.NewRegistry(health.Config{FailureThreshold: 2}, zerolog.Nop())
	rt := router.New(mgr, registry, zerolog.Nop())
	eng := New(rt, client, zerolog.Nop())

	registry.RecordFailure("alpha", unified.ClassRetryable)

	es, err := eng.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var types []unified.EventType
	for {
		ev, err := es.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []unified.EventType{unified.EventMessageStart, unified.EventError}, types)

	// Prior failure plus the erroring stream reaches the threshold.
	assert.False(t, registry.Available("alpha"),
		"erroring stream must count toward cooldown, not reset it")
}

func TestStreamCancellation(t *testing.T) {
	client := &fakeClient{
		streams: map[string][]string{
			"alpha": {`{"id":"c1","model":"model-a","choices":[{"delta":{"content":"x"}}]}`},
		},
	}
	eng, _ := newTestEngine(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	es, err := eng.Stream(ctx, testRequest())
	require.NoError(t, err)

	cancel()
	// Drain any already-decoded events; the stream must end with ctx.Err().
	for {
		_, err := es.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			return
		}
	}
}
