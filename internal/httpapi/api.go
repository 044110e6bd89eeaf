package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/subsync/pkg/httpserver"
	"github.com/dmitrymomot/subsync/pkg/logger"
	"github.com/dmitrymomot/subsync/pkg/ratelimiter"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

const (
	defaultMaxWebhookBytes int64 = 1 << 20
	maxRequestBodyBytes    int64 = 64 << 10
	healthCheckTimeout           = 2 * time.Second
)

// API holds the dependencies of the HTTP handlers.
type API struct {
	rec       *subscription.Reconciler
	gate      *subscription.Gate
	recoverer *subscription.Recoverer
	usage     *subscription.UsageCounter
	parsers   map[string]subscription.WebhookParser
	limiter   *ratelimiter.Bucket

	adminToken      string
	maxWebhookBytes int64
	checks          []httpserver.Check
	metricsHandler  http.Handler
	requestMetrics  *requestMetrics
	logger          *slog.Logger
}

// Option configures the API.
type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecoverer enables POST /v1/admin/recover. It also needs WithAdminToken.
func WithRecoverer(rc *subscription.Recoverer) Option {
	return func(a *API) { a.recoverer = rc }
}

// WithAdminToken sets the bearer token for operator routes.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithUsageCounter includes current resource counts in the access summary.
func WithUsageCounter(u *subscription.UsageCounter) Option {
	return func(a *API) { a.usage = u }
}

// WithWebhookParser accepts deliveries at /webhooks/{name}.
func WithWebhookParser(name string, p subscription.WebhookParser) Option {
	return func(a *API) {
		if name != "" && p != nil {
			a.parsers[name] = p
		}
	}
}

// WithMaxWebhookBytes caps the accepted webhook body size.
func WithMaxWebhookBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxWebhookBytes = n
		}
	}
}

// WithSyncLimiter throttles the routes that call the billing provider
// (sync, checkout confirmation, cancel, resume) per user.
func WithSyncLimiter(b *ratelimiter.Bucket) Option {
	return func(a *API) { a.limiter = b }
}

// WithHealthChecks adds readiness checks served at /health/ready.
func WithHealthChecks(checks ...httpserver.Check) Option {
	return func(a *API) { a.checks = append(a.checks, checks...) }
}

// WithMetrics serves /metrics from g and records request metrics on reg.
func WithMetrics(reg prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(a *API) {
		a.metricsHandler = promhttp.HandlerFor(g, promhttp.HandlerOpts{Registry: reg})
		a.requestMetrics = newRequestMetrics(reg)
	}
}

// New creates the API. rec and gate are required.
func New(rec *subscription.Reconciler, gate *subscription.Gate, opts ...Option) *API {
	a := &API{
		rec:             rec,
		gate:            gate,
		parsers:         make(map[string]subscription.WebhookParser),
		maxWebhookBytes: defaultMaxWebhookBytes,
		logger:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logger.Component("http_api"))
	return a
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(a.logger))
	r.Use(Recoverer(a.logger))
	if a.requestMetrics != nil {
		r.Use(a.requestMetrics.middleware)
	}

	r.Get("/health", httpserver.HealthHandler(a.logger, healthCheckTimeout))
	r.Get("/health/ready", httpserver.HealthHandler(a.logger, healthCheckTimeout, a.checks...))
	if a.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", a.metricsHandler)
	}

	r.Post("/webhooks/{provider}", a.handleWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/plans", a.listPlans)

		r.Route("/subscription", func(r chi.Router) {
			r.Use(RequireUser)
			r.Get("/", a.summary)
			r.Post("/checkout", a.createCheckout)
			r.Post("/portal", a.portal)

			r.Group(func(r chi.Router) {
				if a.limiter != nil {
					r.Use(limitSyncs(a.limiter, a.logger))
				}
				r.Post("/sync", a.sync)
				r.Post("/checkout/confirm", a.confirmCheckout)
				r.Post("/cancel", a.cancel)
				r.Post("/resume", a.resume)
			})
		})

		if a.recoverer != nil && a.adminToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin(a.adminToken))
				r.Post("/recover", a.recoverSubscription)
			})
		}
	})

	return r
}
