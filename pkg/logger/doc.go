// Package logger builds log/slog loggers and provides attribute helpers with
// stable keys for billing data (user, plan, subscription, customer, provider).
//
//	log := logger.New(logger.WithEnvironment("production", "subsync"))
//	log.InfoContext(ctx, "subscription synced", logger.UserID(id), logger.PlanID("pro_monthly"))
//
// Helpers for optional values return an empty slog.Attr, which slog omits.
package logger
