package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/transform"
	"github.com/modelgate/modelgate/internal/unified"
)

// EventStream is the pull-based unified event sequence for one streaming
// request. The caller drives consumption one event at a time; the only
// buffering ahead of the caller is the decoder's in-flight block state plus
// the events decoded from the current chunk. It is finite, not restartable,
// and owned by a single request.
type EventStream struct {
	chunks    ChunkStream
	decoder   *transform.StreamDecoder
	candidate router.Candidate
	router    *router.Router
	logger    zerolog.Logger
	started   time.Time

	pending  []unified.StreamEvent
	done     bool
	reported bool
}

func newEventStream(chunks ChunkStream, candidate router.Candidate, r *router.Router, logger zerolog.Logger, started time.Time) *EventStream {
	return &EventStream{
		chunks:    chunks,
		decoder:   transform.NewStreamDecoder(candidate.Format),
		candidate: candidate,
		router:    r,
		logger:    logger,
		started:   started,
	}
}

// Next returns the next unified event, io.EOF once the sequence is complete,
// or the context error if the caller went away. A backend failure mid-stream
// is delivered as a terminal error event followed by io.EOF; the engine never
// retries mid-stream.
func (s *EventStream) Next(ctx context.Context) (unified.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return unified.StreamEvent{}, io.EOF
		}

		chunk, err := s.chunks.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
				continue
			}
			if ctx.Err() != nil {
				// Caller cancelled: discard assembly state, flush nothing.
				s.abandon()
				return unified.StreamEvent{}, ctx.Err()
			}
			s.finish(err)
			continue
		}

		events, decErr := s.decoder.Feed(chunk)
		s.pending = append(s.pending, events...)
		if decErr != nil {
			s.finish(decErr)
		}
	}
}

// finish seals the stream: on clean end the decoder synthesizes any missing
// stops; on failure a terminal error event is appended instead.
func (s *EventStream) finish(err error) {
	s.done = true
	defer s.chunks.Close()

	if err == nil {
		s.pending = append(s.pending, s.decoder.Finish()...)
		// A clean transport EOF can still hide an in-band backend error;
		// health accounting follows what the backend said, not the socket.
		if inband := s.decoder.Err(); inband != nil {
			s.logger.Warn().
				Str("provider", s.candidate.Provider).
				Err(inband).
				Msg("stream ended on in-band backend error")
			s.report(inband)
			return
		}
		s.report(nil)
		return
	}

	s.logger.Warn().
		Str("provider", s.candidate.Provider).
		Err(err).
		Msg("stream failed mid-flight")

	kind := "api_error"
	if unified.ClassificationOf(err) == unified.ClassRateLimited {
		kind = "rate_limit_error"
	}
	s.pending = append(s.pending, unified.StreamEvent{
		Type:       unified.EventError,
		ErrKind:    kind,
		ErrMessage: err.Error(),
	})
	s.report(err)
}

// abandon discards per-request state after caller cancellation.
func (s *EventStream) abandon() {
	s.done = true
	s.pending = nil
	s.chunks.Close()
	// Cancellation says nothing about backend health; report neither
	// success nor failure.
	s.reported = true
}

func (s *EventStream) report(err error) {
	if s.reported {
		return
	}
	s.reported = true
	if err == nil {
		s.router.OnSuccess(s.candidate, time.Since(s.started))
		return
	}
	s.router.OnFailure(s.candidate, unified.ClassificationOf(err))
}

// Close releases the underlying chunk stream. Safe to call at any point.
func (s *EventStream) Close() error {
	if !s.done {
		s.abandon()
	}
	return nil
}
