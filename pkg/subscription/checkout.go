package subscription

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// CreateCheckout starts a hosted checkout for a paid plan.
// The user id travels to the provider as metadata so webhooks can be routed back.
func (r *Reconciler) CreateCheckout(ctx context.Context, userID uuid.UUID, planID string, opts CheckoutOptions) (*CheckoutSession, error) {
	if userID == uuid.Nil {
		return nil, ErrNotAuthenticated
	}
	plan, ok := r.catalog.Lookup(planID)
	if !ok {
		return nil, errors.Join(ErrPlanNotFound, fmt.Errorf("plan %q", planID))
	}
	if plan.IsFree() {
		return nil, errors.Join(ErrInvalidState, errors.New("free plan requires no checkout"))
	}
	if len(plan.PriceIDs) == 0 {
		return nil, errors.Join(ErrInvalidPlanConfiguration, ErrMissingPriceID, fmt.Errorf("plan %q", plan.ID))
	}

	profile := r.loadProfile(ctx, userID)
	current := r.current(ctx, userID, profile)
	if current != nil && !current.IsOptimistic() && current.IsPaid() && current.PlanID == plan.ID {
		return nil, errors.Join(ErrInvalidState, fmt.Errorf("already subscribed to %q", plan.ID))
	}

	req := CheckoutRequest{
		UserID:     userID.String(),
		PriceID:    plan.PriceIDs[0],
		Email:      opts.Email,
		SuccessURL: opts.SuccessURL,
		CancelURL:  opts.CancelURL,
	}
	if current != nil {
		req.CustomerID = current.CustomerID
	}
	if profile != nil {
		req.CustomerID = cmp.Or(req.CustomerID, profile.CustomerID)
		req.Email = cmp.Or(req.Email, profile.Email)
	}

	session, err := r.provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to create checkout session",
			logger.UserID(userID), logger.PlanID(plan.ID), logger.Error(err))
		return nil, providerError(err)
	}

	if session.CustomerID != "" && session.CustomerID != req.CustomerID {
		r.rememberCustomer(ctx, userID, profile, session.CustomerID)
	}

	r.logger.InfoContext(ctx, "checkout session created", logger.UserID(userID), logger.PlanID(plan.ID))
	return session, nil
}

// rememberCustomer stores a customer id created for checkout so the next
// sync can list its subscriptions without searching the provider.
func (r *Reconciler) rememberCustomer(ctx context.Context, userID uuid.UUID, profile *Profile, customerID string) {
	next := Profile{UserID: userID, PlanID: FreePlanID, Status: StatusActive}
	if profile != nil {
		next = *profile
	}
	next.CustomerID = customerID
	if err := r.profiles.SaveBilling(ctx, next); err != nil {
		r.logger.ErrorContext(ctx, "failed to store billing customer",
			logger.UserID(userID), logger.CustomerID(customerID), logger.Error(errors.Join(ErrPersistenceFailure, err)))
	}
}

// PortalURL returns a self-service billing portal session for the user.
func (r *Reconciler) PortalURL(ctx context.Context, userID uuid.UUID) (*PortalSession, error) {
	if userID == uuid.Nil {
		return nil, ErrNotAuthenticated
	}

	profile := r.loadProfile(ctx, userID)
	customerID := ""
	if current := r.current(ctx, userID, profile); current != nil {
		customerID = current.CustomerID
	}
	if customerID == "" && profile != nil {
		customerID = profile.CustomerID
	}
	if customerID == "" {
		return nil, errors.Join(ErrNotFound, errors.New("no billing customer; sync your subscription first"))
	}

	session, err := r.provider.CreateBillingPortalSession(ctx, customerID, r.portalReturnURL)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to create portal session",
			logger.UserID(userID), logger.CustomerID(customerID), logger.Error(err))
		return nil, providerError(err)
	}
	return session, nil
}
