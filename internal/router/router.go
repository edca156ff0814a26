// Package router turns a unified request into an ordered list of backend
// candidates and manages the shared state that ordering depends on: per
// category round-robin counters and per (provider, model) downgrade positions
// along rate-limit fallback chains.
package router

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/transform"
	"github.com/modelgate/modelgate/internal/unified"
)

// Candidate is one concrete attempt target. Produced fresh per request and
// never persisted.
type Candidate struct {
	Provider     string
	Model        string
	Format       transform.Format
	AttemptOrder int
}

// Router is safe for concurrent use. The candidate list handed to one request
// is stable: the health registry is consulted at route time only, so a
// provider failing mid-request does not reshuffle that request's view.
type Router struct {
	cfg    *config.Manager
	health *health.Registry
	logger zerolog.Logger

	mu        sync.Mutex
	counters  map[string]uint64
	downgrade map[string]int
}

func New(cfg *config.Manager, registry *health.Registry, logger zerolog.Logger) *Router {
	return &Router{
		cfg:       cfg,
		health:    registry,
		logger:    logger.With().Str("component", "router").Logger(),
		counters:  make(map[string]uint64),
		downgrade: make(map[string]int),
	}
}

// Categorize resolves the routing category for a request using static rules
// over the model name, the estimated input size and tool presence. An
// explicit category in the request metadata wins.
func (r *Router) Categorize(req *unified.Request) string {
	cfg := r.cfg.Get()

	if req.Metadata.Category != "" {
		return req.Metadata.Category
	}
	if EstimateTokens(req) > cfg.LongContextTokens {
		return config.CategoryLongContext
	}
	if req.Thinking {
		return config.CategoryThinking
	}
	if strings.Contains(req.Model, "haiku") {
		return config.CategoryBackground
	}
	for _, tool := range req.Tools {
		if strings.Contains(tool.Name, "web_search") {
			return config.CategorySearch
		}
	}
	return config.CategoryDefault
}

// Route produces the ordered candidate list for one request. Providers in
// cooldown are excluded up front; an empty result means no backend is
// currently available for the resolved category.
func (r *Router) Route(req *unified.Request) []Candidate {
	cfg := r.cfg.Get()
	category := r.Categorize(req)
	req.Metadata.Category = category

	pool := cfg.Categories[category]
	if len(pool) == 0 && category != config.CategoryDefault {
		pool = cfg.Categories[config.CategoryDefault]
	}

	available := make([]config.PoolEntry, 0, len(pool))
	for _, entry := range pool {
		if r.health.Available(entry.Provider) {
			available = append(available, entry)
		}
	}
	if len(available) == 0 {
		r.logger.Warn().Str("category", category).Msg("no available backend in category pool")
		return nil
	}

	ordered := r.order(category, available)

	candidates := make([]Candidate, 0, len(ordered))
	for i, entry := range ordered {
		provider, ok := cfg.ProviderByName(entry.Provider)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			Provider:     entry.Provider,
			Model:        r.effectiveModel(cfg, entry.Provider, entry.Model),
			Format:       transform.Format(provider.Format),
			AttemptOrder: i,
		})
	}

	r.logger.Debug().
		Str("category", category).
		Int("candidates", len(candidates)).
		Str("request_id", req.Metadata.RequestID).
		Msg("routed request")

	return candidates
}

// order applies the load-balancing policy: weighted rotation when any entry
// carries a weight, plain round-robin otherwise. The per-category counter is
// shared across requests.
func (r *Router) order(category string, pool []config.PoolEntry) []config.PoolEntry {
	r.mu.Lock()
	counter := r.counters[category]
	r.counters[category]++
	r.mu.Unlock()

	weighted := false
	for _, entry := range pool {
		if entry.Weight > 0 {
			weighted = true
			break
		}
	}

	schedule := pool
	if weighted {
		schedule = make([]config.PoolEntry, 0, len(pool))
		for _, entry := range pool {
			weight := entry.Weight
			if weight == 0 {
				weight = 1
			}
			for i := 0; i < weight; i++ {
				schedule = append(schedule, entry)
			}
		}
	}

	start := int(counter % uint64(len(schedule)))

	// Rotate, then keep the first occurrence of each (provider, model) pair.
	seen := make(map[string]bool, len(pool))
	out := make([]config.PoolEntry, 0, len(pool))
	for i := 0; i < len(schedule); i++ {
		entry := schedule[(start+i)%len(schedule)]
		key := entry.Provider + "/" + entry.Model
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry)
	}
	return out
}

// effectiveModel applies the current downgrade position along the fallback
// chain configured for this (provider, model) pair.
func (r *Router) effectiveModel(cfg *config.Config, provider, model string) string {
	key := config.FallbackKey(provider, model)

	r.mu.Lock()
	pos := r.downgrade[key]
	r.mu.Unlock()

	if pos == 0 {
		return model
	}
	chain := cfg.FallbackChains[key]
	if len(chain) == 0 {
		return model
	}
	if pos > len(chain) {
		pos = len(chain)
	}
	return chain[pos-1]
}

// OnSuccess records a successful attempt: the provider's failure state is
// reset and the original model is promoted again for future requests.
func (r *Router) OnSuccess(c Candidate, latency time.Duration) {
	r.health.RecordSuccess(c.Provider, latency)
	r.resetDowngrades(c.Provider)
}

// OnFailure feeds a failed attempt into the shared state. Rate limits
// advance the downgrade position for every chain rooted at a model this
// provider serves; retryable failures count toward the provider cooldown.
func (r *Router) OnFailure(c Candidate, class unified.Classification) {
	r.health.RecordFailure(c.Provider, class)

	if class != unified.ClassRateLimited {
		return
	}

	cfg := r.cfg.Get()
	advanced := false
	for key, chain := range cfg.FallbackChains {
		provider, model, ok := splitFallbackKey(key)
		if !ok || provider != c.Provider {
			continue
		}
		if r.currentModelFor(cfg, provider, model) != c.Model {
			continue
		}
		r.mu.Lock()
		if r.downgrade[key] < len(chain) {
			r.downgrade[key]++
			advanced = true
		}
		r.mu.Unlock()
	}

	if advanced {
		r.logger.Info().
			Str("provider", c.Provider).
			Str("model", c.Model).
			Msg("rate limited, advancing model fallback chain")
	}
}

func (r *Router) currentModelFor(cfg *config.Config, provider, model string) string {
	return r.effectiveModel(cfg, provider, model)
}

func (r *Router) resetDowngrades(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.downgrade {
		p, _, ok := splitFallbackKey(key)
		if ok && p == provider {
			delete(r.downgrade, key)
		}
	}
}

func splitFallbackKey(key string) (provider, model string, ok bool) {
	idx := strings.Index(key, "/")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
