package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/health"
)

// Health is the liveness endpoint.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

type providerStatus struct {
	Provider            string `json:"provider"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	RateLimited         int    `json:"rate_limited"`
	CooldownRemaining   string `json:"cooldown_remaining,omitempty"`
	LastLatencyMs       int64  `json:"last_latency_ms,omitempty"`
}

type statusResponse struct {
	Status     string           `json:"status"`
	Categories []string         `json:"categories"`
	Providers  []providerStatus `json:"providers"`
}

// Status reports per-provider health and the configured category pools.
func Status(cfg *config.Manager, registry *health.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conf := cfg.Get()

		categories := make([]string, 0, len(conf.Categories))
		for name := range conf.Categories {
			categories = append(categories, name)
		}

		snapshot := registry.Snapshot()
		providers := make([]providerStatus, 0, len(snapshot))
		for _, st := range snapshot {
			ps := providerStatus{
				Provider:            st.ProviderID,
				ConsecutiveFailures: st.ConsecutiveFailures,
				RateLimited:         st.RateLimited,
				LastLatencyMs:       st.LastLatency.Milliseconds(),
			}
			if st.CooldownRemaining > 0 {
				ps.CooldownRemaining = st.CooldownRemaining.Round(time.Millisecond).String()
			}
			providers = append(providers, ps)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(statusResponse{
			Status:     "ok",
			Categories: categories,
			Providers:  providers,
		})
	})
}
