package logger

import (
	"log/slog"
	"time"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
// If id is nil, it returns an empty Attr.
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

func PlanID(id string) slog.Attr {
	return slog.String("plan_id", id)
}

// SubscriptionID records the billing provider subscription reference.
// Empty ids produce an empty Attr so optimistic snapshots log cleanly.
func SubscriptionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("subscription_id", id)
}

// CustomerID records the billing provider customer reference.
func CustomerID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("customer_id", id)
}

func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// EventKind records a subscription lifecycle event kind.
func EventKind(kind string) slog.Attr {
	return slog.String("event_kind", kind)
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
