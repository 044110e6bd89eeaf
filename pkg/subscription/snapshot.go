package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is the reconciled view of one user's subscription.
type Snapshot struct {
	UserID            uuid.UUID  `json:"user_id"`
	PlanID            string     `json:"plan_id"`
	Status            Status     `json:"status"`
	CustomerID        string     `json:"customer_id,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	SyncState         SyncState  `json:"sync_state"`

	// Previous is the snapshot an optimistic upgrade replaced.
	// It is only set while SyncState is optimistic.
	Previous *Snapshot `json:"previous,omitempty"`
}

// FreeSnapshot is the baseline for a user with no paid subscription.
func FreeSnapshot(userID uuid.UUID) Snapshot {
	return Snapshot{
		UserID:    userID,
		PlanID:    FreePlanID,
		Status:    StatusActive,
		SyncState: SyncStateSynced,
	}
}

// IsOptimistic reports whether the snapshot is a provisional upgrade
// not yet confirmed by the provider.
func (s Snapshot) IsOptimistic() bool {
	return s.SyncState == SyncStateOptimistic
}

// IsPaid reports whether the snapshot currently grants a paid plan.
func (s Snapshot) IsPaid() bool {
	return s.PlanID != FreePlanID && s.PlanID != "" && s.Status.Entitled()
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	if s.CurrentPeriodEnd != nil {
		t := *s.CurrentPeriodEnd
		s.CurrentPeriodEnd = &t
	}
	if s.Previous != nil {
		prev := s.Previous.Clone()
		s.Previous = &prev
	}
	return s
}

// CacheEntry is the persisted form of a cached snapshot.
// UserID is stored separately so a mismatched entry can be detected on read.
type CacheEntry struct {
	Snapshot  Snapshot  `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
	UserID    uuid.UUID `json:"user_id"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
