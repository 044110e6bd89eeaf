package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// Check is a named readiness probe, e.g. a database ping.
type Check struct {
	Name string
	Fn   func(context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler reports liveness when no checks are given and readiness
// otherwise. Every check runs with timeout; any failure answers 503.
func HealthHandler(log *slog.Logger, timeout time.Duration, checks ...Check) http.HandlerFunc {
	if log == nil {
		log = logger.Discard()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			for _, c := range checks {
				if err := c.Fn(ctx); err != nil {
					log.ErrorContext(ctx, "readiness check failed", slog.String("check", c.Name), logger.Error(err))
					resp.Checks[c.Name] = "unavailable"
					resp.Status = "unavailable"
					code = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[c.Name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
