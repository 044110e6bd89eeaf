// Package httpserver runs an http.Server with configured timeouts until its
// context is cancelled and then shuts it down gracefully.
//
// Construction goes through New or NewFromConfig with functional options.
// Run listens on the configured address; Serve accepts an existing listener.
// Both block until the context ends, so callers typically pass a context from
// signal.NotifyContext. Listen and serve failures are wrapped with ErrStart,
// shutdown failures with ErrShutdown.
//
// HealthHandler builds liveness and readiness endpoints from named checks:
//
//	r.Get("/health", httpserver.HealthHandler(log, 2*time.Second,
//		httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)},
//	))
package httpserver
