package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// telemetryPaths are client-side telemetry endpoints that coding-agent
// clients POST to alongside their model traffic. The gateway has nowhere to
// forward them, so it acknowledges them locally instead of letting them fail
// and trip client-side retry loops.
var telemetryPaths = []string{
	"/v1/rgstr",
	"/v1/initialize",
	"/v1/log_event",
	"/api/event_report",
	"/api/roll_call",
}

// TelemetrySink intercepts telemetry traffic with a generic success response.
func TelemetrySink(logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range telemetryPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					logger.Debug().Str("path", r.URL.Path).Msg("swallowed telemetry request")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"success":true}`))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
