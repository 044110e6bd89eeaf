package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/subsync/pkg/pg"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

// DB is the subset of pgxpool.Pool used by the store. pgx.Tx satisfies it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ subscription.ProfileStore   = (*PGStore)(nil)
	_ subscription.PaidUserLister = (*PGStore)(nil)
	_ subscription.ProfileStore   = (*MemoryStore)(nil)
	_ subscription.PaidUserLister = (*MemoryStore)(nil)
)

// PGStore persists billing profiles in PostgreSQL.
type PGStore struct {
	db DB
}

// NewPGStore creates a store on top of db. The schema must be migrated first.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

const selectProfile = `
SELECT user_id, email, plan_id, status, customer_id, subscription_id,
       current_period_end, cancel_at_period_end, updated_at
FROM billing_profiles`

func (s *PGStore) GetProfile(ctx context.Context, userID uuid.UUID) (*subscription.Profile, error) {
	row := s.db.QueryRow(ctx, selectProfile+` WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, errors.Join(ErrQueryFailed, err)
	}
	return p, nil
}

// SaveBilling upserts the billing columns. The email column is left as is.
func (s *PGStore) SaveBilling(ctx context.Context, p subscription.Profile) error {
	if p.UserID == uuid.Nil {
		return ErrInvalidUserID
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO billing_profiles (user_id, plan_id, status, customer_id, subscription_id,
                              current_period_end, cancel_at_period_end, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (user_id) DO UPDATE SET
    plan_id              = EXCLUDED.plan_id,
    status               = EXCLUDED.status,
    customer_id          = EXCLUDED.customer_id,
    subscription_id      = EXCLUDED.subscription_id,
    current_period_end   = EXCLUDED.current_period_end,
    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
    updated_at           = now()`,
		p.UserID,
		defaultPlan(p.PlanID),
		defaultStatus(p.Status),
		p.CustomerID,
		p.SubscriptionID,
		p.CurrentPeriodEnd,
		p.CancelAtPeriodEnd,
	)
	if err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}

// SetEmail records the account email used by subscription recovery.
// A profile row is created on the free plan when none exists.
func (s *PGStore) SetEmail(ctx context.Context, userID uuid.UUID, email string) error {
	if userID == uuid.Nil {
		return ErrInvalidUserID
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO billing_profiles (user_id, email) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()`,
		userID, normalizeEmail(email))
	if err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}

func (s *PGStore) FindUserIDByEmail(ctx context.Context, email string) (uuid.UUID, error) {
	return s.findUserID(ctx, `SELECT user_id FROM billing_profiles WHERE lower(email) = $1 ORDER BY updated_at DESC LIMIT 1`,
		normalizeEmail(email))
}

func (s *PGStore) FindUserIDByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	if customerID == "" {
		return uuid.Nil, subscription.ErrNotFound
	}
	return s.findUserID(ctx, `SELECT user_id FROM billing_profiles WHERE customer_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		customerID)
}

func (s *PGStore) findUserID(ctx context.Context, query, arg string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := s.db.QueryRow(ctx, query, arg).Scan(&id); err != nil {
		if pg.IsNotFoundError(err) {
			return uuid.Nil, subscription.ErrNotFound
		}
		return uuid.Nil, errors.Join(ErrQueryFailed, err)
	}
	return id, nil
}

// ListPaidUserIDs returns every user whose stored plan is not free.
func (s *PGStore) ListPaidUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id FROM billing_profiles WHERE plan_id <> $1 ORDER BY user_id`,
		subscription.FreePlanID)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	return ids, nil
}

func scanProfile(row pgx.Row) (*subscription.Profile, error) {
	var (
		p         subscription.Profile
		status    string
		periodEnd *time.Time
	)
	err := row.Scan(
		&p.UserID,
		&p.Email,
		&p.PlanID,
		&status,
		&p.CustomerID,
		&p.SubscriptionID,
		&periodEnd,
		&p.CancelAtPeriodEnd,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = subscription.Status(status)
	if periodEnd != nil {
		t := periodEnd.UTC()
		p.CurrentPeriodEnd = &t
	}
	return &p, nil
}

// counterTables maps limited resources to tables with a user_id column.
var counterTables = map[subscription.Resource]string{
	subscription.ResourceProjects: "projects",
	subscription.ResourceClients:  "clients",
	subscription.ResourceInvoices: "invoices",
}

// Counter returns a usage counter that counts the user's rows in the
// resource's table. Only the known resource tables are accepted, so the
// table name never comes from user input.
func Counter(db DB, res subscription.Resource) (subscription.CounterFunc, error) {
	table, ok := counterTables[res]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, res)
	}
	query := `SELECT count(*) FROM ` + pgx.Identifier{table}.Sanitize() + ` WHERE user_id = $1`
	return func(ctx context.Context, userID uuid.UUID) (int64, error) {
		var n int64
		if err := db.QueryRow(ctx, query, userID).Scan(&n); err != nil {
			return 0, errors.Join(ErrQueryFailed, err)
		}
		return n, nil
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func defaultPlan(id string) string {
	if id == "" {
		return subscription.FreePlanID
	}
	return id
}

func defaultStatus(s subscription.Status) string {
	if s == "" {
		return string(subscription.StatusActive)
	}
	return string(s)
}
