// Package health tracks per-provider failure state shared by all in-flight
// requests. It is the only cross-request mutable structure in the engine.
package health

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/unified"
)

const (
	DefaultFailureThreshold = 3
	DefaultInitialCooldown  = 5 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute
)

// Config tunes cooldown behavior.
type Config struct {
	// FailureThreshold is the consecutive retryable failure count at which a
	// provider enters cooldown.
	FailureThreshold int
	// InitialCooldown is the first cooldown window; subsequent windows grow
	// exponentially up to MaxCooldown.
	InitialCooldown time.Duration
	MaxCooldown     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.InitialCooldown <= 0 {
		c.InitialCooldown = DefaultInitialCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	return c
}

// providerState is created lazily on first observation and never removed.
type providerState struct {
	consecutiveFailures int
	rateLimited         int
	cooldownUntil       time.Time
	lastLatency         time.Duration
	backoff             backoff.BackOff
}

// Registry is safe for concurrent use; all state transitions happen under one
// lock so a success racing a failure lands in one terminal state or the
// other, never a torn mix.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*providerState

	now func() time.Time
}

func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "health").Logger(),
		states: make(map[string]*providerState),
		now:    time.Now,
	}
}

func (r *Registry) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialCooldown
	eb.MaxInterval = r.cfg.MaxCooldown
	eb.Multiplier = 2.0
	// Deterministic, strictly non-decreasing cooldown growth.
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// state returns the entry for a provider, creating it on first observation
// and resetting it if its cooldown has lapsed. Callers hold r.mu.
func (r *Registry) state(providerID string) *providerState {
	st, ok := r.states[providerID]
	if !ok {
		st = &providerState{backoff: r.newBackoff()}
		r.states[providerID] = st
		return st
	}

	// An expired cooldown means the provider gets a fresh start.
	if !st.cooldownUntil.IsZero() && !r.now().Before(st.cooldownUntil) {
		st.cooldownUntil = time.Time{}
		st.consecutiveFailures = 0
		st.backoff = r.newBackoff()
	}

	return st
}

// RecordSuccess resets the provider's failure state and clears any cooldown.
func (r *Registry) RecordSuccess(providerID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(providerID)
	st.consecutiveFailures = 0
	st.rateLimited = 0
	st.cooldownUntil = time.Time{}
	st.lastLatency = latency
	st.backoff = r.newBackoff()
}

// RecordFailure updates failure counters according to the outcome class.
// Retryable failures count toward the cooldown threshold; rate limits are
// tracked separately and do not open a provider-level cooldown (the router
// handles them by downgrading the model instead).
func (r *Registry) RecordFailure(providerID string, class unified.Classification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(providerID)

	switch class {
	case unified.ClassRateLimited:
		st.rateLimited++
		return
	case unified.ClassRetryable:
		st.consecutiveFailures++
	default:
		return
	}

	if st.consecutiveFailures >= r.cfg.FailureThreshold {
		cooldown := st.backoff.NextBackOff()
		if cooldown == backoff.Stop || cooldown > r.cfg.MaxCooldown {
			cooldown = r.cfg.MaxCooldown
		}
		st.cooldownUntil = r.now().Add(cooldown)
		r.logger.Warn().
			Str("provider", providerID).
			Int("consecutive_failures", st.consecutiveFailures).
			Dur("cooldown", cooldown).
			Msg("provider entering cooldown")
	}
}

// Available reports whether the provider may be offered as a candidate.
func (r *Registry) Available(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// state() clears lapsed cooldowns, so any remaining deadline is active.
	st := r.state(providerID)
	return st.cooldownUntil.IsZero()
}

// RemainingCooldown reports how long until the provider becomes available
// again; zero when it already is.
func (r *Registry) RemainingCooldown(providerID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(providerID)
	if st.cooldownUntil.IsZero() {
		return 0
	}
	remaining := st.cooldownUntil.Sub(r.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ProviderStatus is a read-only snapshot for observability surfaces.
type ProviderStatus struct {
	ProviderID          string        `json:"provider_id"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RateLimited         int           `json:"rate_limited"`
	CooldownRemaining   time.Duration `json:"cooldown_remaining"`
	LastLatency         time.Duration `json:"last_latency"`
}

// Snapshot returns the current state of every observed provider.
func (r *Registry) Snapshot() []ProviderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProviderStatus, 0, len(r.states))
	for id, st := range r.states {
		remaining := time.Duration(0)
		if !st.cooldownUntil.IsZero() {
			if d := st.cooldownUntil.Sub(r.now()); d > 0 {
				remaining = d
			}
		}
		out = append(out, ProviderStatus{
			ProviderID:          id,
			ConsecutiveFailures: st.consecutiveFailures,
			RateLimited:         st.rateLimited,
			CooldownRemaining:   remaining,
			LastLatency:         st.lastLatency,
		})
	}
	return out
}
