package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Profile is the durable per-user billing record.
// Email is owned by the host application and never written by this package.
type Profile struct {
	UserID            uuid.UUID
	Email             string
	PlanID            string
	Status            Status
	CustomerID        string
	SubscriptionID    string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	UpdatedAt         time.Time
}

// ProfileStore persists billing fields of user profiles.
// Lookups return ErrNotFound when nothing matches.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	SaveBilling(ctx context.Context, p Profile) error
	FindUserIDByEmail(ctx context.Context, email string) (uuid.UUID, error)
	FindUserIDByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error)
}

// PaidUserLister lists users whose profile records a paid plan.
type PaidUserLister interface {
	ListPaidUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

func (p Profile) snapshot() Snapshot {
	snap := Snapshot{
		UserID:            p.UserID,
		PlanID:            p.PlanID,
		Status:            p.Status,
		CustomerID:        p.CustomerID,
		SubscriptionID:    p.SubscriptionID,
		CurrentPeriodEnd:  copyTime(p.CurrentPeriodEnd),
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		SyncState:         SyncStateFailed,
	}
	if snap.PlanID == "" {
		snap.PlanID = FreePlanID
	}
	if snap.Status == "" {
		snap.Status = StatusActive
	}
	return snap
}

func profileFromSnapshot(s Snapshot) Profile {
	return Profile{
		UserID:            s.UserID,
		PlanID:            s.PlanID,
		Status:            s.Status,
		CustomerID:        s.CustomerID,
		SubscriptionID:    s.SubscriptionID,
		CurrentPeriodEnd:  copyTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
}
