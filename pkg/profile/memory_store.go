package profile

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]subscription.Profile
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[uuid.UUID]subscription.Profile),
		now:      time.Now,
	}
}

func (s *MemoryStore) GetProfile(_ context.Context, userID uuid.UUID) (*subscription.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	p.CurrentPeriodEnd = copyTime(p.CurrentPeriodEnd)
	return &p, nil
}

func (s *MemoryStore) SaveBilling(_ context.Context, p subscription.Profile) error {
	if p.UserID == uuid.Nil {
		return ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.profiles[p.UserID]
	p.Email = existing.Email
	p.PlanID = defaultPlan(p.PlanID)
	p.Status = subscription.Status(defaultStatus(p.Status))
	p.CurrentPeriodEnd = copyTime(p.CurrentPeriodEnd)
	p.UpdatedAt = s.now()
	s.profiles[p.UserID] = p
	return nil
}

// SetEmail records the account email, creating a free profile when needed.
func (s *MemoryStore) SetEmail(_ context.Context, userID uuid.UUID, email string) error {
	if userID == uuid.Nil {
		return ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		p = subscription.Profile{
			UserID: userID,
			PlanID: subscription.FreePlanID,
			Status: subscription.StatusActive,
		}
	}
	p.Email = normalizeEmail(email)
	p.UpdatedAt = s.now()
	s.profiles[userID] = p
	return nil
}

func (s *MemoryStore) FindUserIDByEmail(_ context.Context, email string) (uuid.UUID, error) {
	email = normalizeEmail(email)
	return s.find(func(p subscription.Profile) bool {
		return email != "" && normalizeEmail(p.Email) == email
	})
}

func (s *MemoryStore) FindUserIDByCustomerID(_ context.Context, customerID string) (uuid.UUID, error) {
	return s.find(func(p subscription.Profile) bool {
		return customerID != "" && p.CustomerID == customerID
	})
}

// find returns the most recently updated match.
func (s *MemoryStore) find(match func(subscription.Profile) bool) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found   uuid.UUID
		updated time.Time
	)
	for id, p := range s.profiles {
		if match(p) && (found == uuid.Nil || p.UpdatedAt.After(updated)) {
			found, updated = id, p.UpdatedAt
		}
	}
	if found == uuid.Nil {
		return uuid.Nil, subscription.ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) ListPaidUserIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.profiles))
	for id, p := range s.profiles {
		if p.PlanID != subscription.FreePlanID {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return ids, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
