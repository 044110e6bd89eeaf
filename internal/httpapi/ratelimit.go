package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dmitrymomot/subsync/pkg/logger"
	"github.com/dmitrymomot/subsync/pkg/ratelimiter"
)

// ErrRateLimited is returned when a caller exhausts its sync budget.
var ErrRateLimited = errors.New("too many sync requests, try again later")

// limitSyncs throttles routes that reach the billing provider, per caller.
// Limiter failures let the request through.
func limitSyncs(limiter *ratelimiter.Bucket, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), "sync:"+userID.String())
			if err != nil {
				log.WarnContext(r.Context(), "sync limiter unavailable", logger.Error(err), logger.UserID(userID))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				if secs := int(res.RetryAfter().Seconds()); secs > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				writeError(w, r, ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
