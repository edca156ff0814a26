package unified

import (
	"errors"
	"fmt"
)

// Classification tells the router what to do with a failed attempt.
type Classification string

const (
	// ClassRetryable covers timeouts, connection errors and 5xx responses;
	// the next candidate is tried.
	ClassRetryable Classification = "retryable"
	// ClassRateLimited covers 429-class responses; the provider's model is
	// downgraded along its fallback chain before the provider is offered again.
	ClassRateLimited Classification = "rate_limited"
	// ClassNonRetryable covers other 4xx and malformed-request failures;
	// surfaced to the caller immediately.
	ClassNonRetryable Classification = "non_retryable"
)

// BackendError is a failure reported by a provider backend, carrying the
// classification required by the routing policy.
type BackendError struct {
	Provider string
	Status   int
	Class    Classification
	Message  string
	Err      error
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: %s (status %d, %s)", e.Provider, e.Message, e.Status, e.Class)
	}
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Class)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TransformError is a conversion failure: an unmappable enum value or a wire
// shape that violates the expected schema. It fails fast rather than guessing
// so that provider format drift stays visible.
type TransformError struct {
	Format string
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %s", e.Format, e.Reason)
}

// ErrNoCandidates is returned when the router produced no usable candidate or
// every candidate failed with a retryable outcome.
var ErrNoCandidates = errors.New("no backend available")

// ClassificationOf extracts the routing classification from an error chain.
// Anything unclassified is treated as non-retryable: retrying an unknown
// failure risks repeating a client error against another paid backend.
func ClassificationOf(err error) Classification {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassNonRetryable
}
