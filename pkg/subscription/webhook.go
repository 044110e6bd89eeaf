package subscription

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// HandleWebhook verifies a provider delivery and force-syncs the affected user.
// The provider payload is only used to route the sync; the snapshot itself is
// always rebuilt from a fresh provider read.
func (r *Reconciler) HandleWebhook(ctx context.Context, parser WebhookParser, payload []byte, header http.Header) (*WebhookEvent, error) {
	evt, err := parser.ParseWebhook(ctx, payload, header)
	if err != nil {
		return nil, err
	}
	if evt.Type == WebhookIgnored {
		r.logger.DebugContext(ctx, "webhook ignored", logger.EventKind(evt.ProviderEvent))
		return evt, nil
	}

	userID, err := r.resolveWebhookUser(ctx, evt)
	if err != nil {
		r.logger.WarnContext(ctx, "webhook user not resolved",
			logger.EventKind(evt.ProviderEvent),
			logger.CustomerID(evt.CustomerID),
			logger.SubscriptionID(evt.SubscriptionID),
			logger.Error(err))
		return evt, err
	}

	_, err = r.Sync(ctx, userID, SyncOptions{
		Force:          true,
		SubscriptionID: evt.SubscriptionID,
		CustomerID:     evt.CustomerID,
	})
	return evt, err
}

// resolveWebhookUser maps a delivery to a user: metadata first, then the
// profile holding the customer id, then the subscription's own metadata.
func (r *Reconciler) resolveWebhookUser(ctx context.Context, evt *WebhookEvent) (uuid.UUID, error) {
	if id, err := uuid.Parse(evt.UserID); err == nil && id != uuid.Nil {
		return id, nil
	}

	if evt.CustomerID != "" {
		id, err := r.profiles.FindUserIDByCustomerID(ctx, evt.CustomerID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return uuid.Nil, errors.Join(ErrPersistenceFailure, err)
		}
	}

	if evt.SubscriptionID != "" {
		sub, err := r.provider.GetSubscription(ctx, evt.SubscriptionID)
		if err != nil {
			return uuid.Nil, providerError(err)
		}
		if sub != nil {
			if id, err := uuid.Parse(sub.ExternalUserID); err == nil && id != uuid.Nil {
				return id, nil
			}
		}
	}

	return uuid.Nil, errors.Join(ErrNotFound, errors.New("webhook does not reference a known user"))
}
