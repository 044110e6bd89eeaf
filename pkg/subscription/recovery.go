package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// DefaultRecoveryScanLimit caps how many provider customers one recovery inspects.
const DefaultRecoveryScanLimit = 500

// RecoverRequest identifies the user to recover. At least one field is required.
type RecoverRequest struct {
	UserID uuid.UUID
	Email  string
}

// RecoveredSubscription describes a successful recovery.
type RecoveredSubscription struct {
	UserID     uuid.UUID
	Email      string
	CustomerID string
	PlanID     string
	Snapshot   Snapshot
}

// Recoverer re-links a paying user whose stored ids were lost by searching
// provider customers by email. It is an operator tool, not a user-facing path.
type Recoverer struct {
	rec       *Reconciler
	scanLimit int
	logger    *slog.Logger
}

// RecovererOption configures a Recoverer.
type RecovererOption func(*Recoverer)

// WithRecoveryScanLimit overrides DefaultRecoveryScanLimit.
func WithRecoveryScanLimit(n int) RecovererOption {
	return func(rc *Recoverer) {
		if n > 0 {
			rc.scanLimit = n
		}
	}
}

// NewRecoverer uses the reconciler's catalog, cache, provider, profiles and events.
func NewRecoverer(rec *Reconciler, opts ...RecovererOption) *Recoverer {
	rc := &Recoverer{
		rec:       rec,
		scanLimit: DefaultRecoveryScanLimit,
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.logger = rec.logger.With(logger.Component("recovery"))
	return rc
}

// Recover finds the user's active subscription by email and overwrites the
// cached snapshot with it. Running it twice yields the same snapshot.
func (rc *Recoverer) Recover(ctx context.Context, req RecoverRequest) (*RecoveredSubscription, error) {
	userID, email, err := rc.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}

	customers, err := rc.rec.provider.ListCustomers(ctx, CustomerFilter{Email: email, Limit: rc.scanLimit})
	if err != nil {
		err = providerError(err)
		rc.fail(ctx, userID, email, err.Error())
		return nil, err
	}
	if len(customers) > rc.scanLimit {
		customers = customers[:rc.scanLimit]
	}

	var (
		found    *ProviderSubscription
		plan     Plan
		customer Customer
		lastErr  error
	)
	for _, c := range customers {
		if !strings.EqualFold(strings.TrimSpace(c.Email), email) {
			continue
		}
		subs, err := rc.rec.provider.ListSubscriptionsForCustomer(ctx, c.ID)
		if err != nil {
			lastErr = err
			rc.logger.WarnContext(ctx, "failed to list customer subscriptions",
				logger.CustomerID(c.ID), logger.Error(err))
			continue
		}
		for _, s := range sortedCandidates(subs) {
			p, ok := rc.rec.catalog.PlanForPrice(s.PriceID)
			if !ok {
				continue
			}
			found, plan, customer = &s, p, c
			break
		}
		if found != nil {
			break
		}
	}

	if found == nil {
		reason := "no active subscription found for email"
		if lastErr != nil {
			reason = providerError(lastErr).Error()
		}
		rc.fail(ctx, userID, email, reason)
		return nil, errors.Join(ErrNotFound, errors.New("no recoverable subscription; contact support"))
	}

	snap := Snapshot{
		UserID:            userID,
		PlanID:            plan.ID,
		Status:            found.Status,
		CustomerID:        customer.ID,
		SubscriptionID:    found.ID,
		CurrentPeriodEnd:  copyTime(found.CurrentPeriodEnd),
		CancelAtPeriodEnd: found.CancelAtPeriodEnd,
		SyncState:         SyncStateSynced,
	}
	rc.rec.cache.Clear(ctx, userID)
	rc.rec.cache.Set(ctx, userID, snap)
	rc.rec.persist(ctx, snap, nil)

	rc.logger.InfoContext(ctx, "subscription recovered",
		logger.UserID(userID), logger.PlanID(plan.ID), logger.CustomerID(customer.ID))
	rc.rec.emit(ctx, EventSynced, userID, map[string]any{
		"plan_id":         plan.ID,
		"status":          string(snap.Status),
		"subscription_id": snap.SubscriptionID,
		"customer_id":     customer.ID,
		"recovered":       true,
	})

	return &RecoveredSubscription{
		UserID:     userID,
		Email:      email,
		CustomerID: customer.ID,
		PlanID:     plan.ID,
		Snapshot:   snap.Clone(),
	}, nil
}

func (rc *Recoverer) resolveIdentity(ctx context.Context, req RecoverRequest) (uuid.UUID, string, error) {
	userID := req.UserID
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if userID == uuid.Nil && email == "" {
		return uuid.Nil, "", ErrRecoveryTargetRequired
	}

	if userID == uuid.Nil {
		id, err := rc.rec.profiles.FindUserIDByEmail(ctx, email)
		if err != nil {
			return uuid.Nil, "", lookupError(err, fmt.Errorf("no user with email %q", email))
		}
		userID = id
	}

	if email == "" {
		p, err := rc.rec.profiles.GetProfile(ctx, userID)
		if err != nil {
			return uuid.Nil, "", lookupError(err, fmt.Errorf("no profile for user %s", userID))
		}
		email = strings.ToLower(strings.TrimSpace(p.Email))
		if email == "" {
			return uuid.Nil, "", errors.Join(ErrNotFound, fmt.Errorf("user %s has no email", userID))
		}
	}

	return userID, email, nil
}

func (rc *Recoverer) fail(ctx context.Context, userID uuid.UUID, email, reason string) {
	rc.logger.WarnContext(ctx, "subscription recovery failed",
		logger.UserID(userID), slog.String("reason", reason))
	rc.rec.emit(ctx, EventRecoveryFailed, userID, map[string]any{
		"email":  email,
		"reason": reason,
	})
}

// sortedCandidates returns the entitled subscriptions, best first.
func sortedCandidates(subs []ProviderSubscription) []ProviderSubscription {
	out := make([]ProviderSubscription, 0, len(subs))
	for _, s := range subs {
		if s.Status.Entitled() {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, compareSubscriptions)
	return out
}

func lookupError(err, detail error) error {
	if errors.Is(err, ErrNotFound) {
		return errors.Join(ErrNotFound, detail)
	}
	return errors.Join(ErrPersistenceFailure, err)
}
