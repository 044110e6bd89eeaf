package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// DefaultResyncSchedule force-syncs paid users once an hour.
const DefaultResyncSchedule = "@hourly"

// ResyncScheduler periodically force-syncs every user with a paid profile,
// catching provider-side changes whose webhooks were lost.
type ResyncScheduler struct {
	cron    *cron.Cron
	rec     *Reconciler
	users   PaidUserLister
	logger  *slog.Logger
	timeout time.Duration
}

// SchedulerOption configures a ResyncScheduler.
type SchedulerOption func(*ResyncScheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *ResyncScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunTimeout bounds a single resync pass.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *ResyncScheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewResyncScheduler validates the cron spec and registers the job.
// The scheduler does nothing until Start is called.
func NewResyncScheduler(rec *Reconciler, users PaidUserLister, spec string, opts ...SchedulerOption) (*ResyncScheduler, error) {
	if spec == "" {
		spec = DefaultResyncSchedule
	}
	s := &ResyncScheduler{
		rec:     rec,
		users:   users,
		logger:  logger.Discard(),
		timeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("resync_scheduler"))

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, errors.Join(ErrInvalidResyncSchedule, err)
	}
	return s, nil
}

// Start runs the schedule in its own goroutine.
func (s *ResyncScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish or ctx to end.
func (s *ResyncScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce force-syncs every paid user and reports how many syncs ended
// synced and how many did not.
func (s *ResyncScheduler) RunOnce(ctx context.Context) (synced, failed int, err error) {
	ids, err := s.users.ListPaidUserIDs(ctx)
	if err != nil {
		return 0, 0, errors.Join(ErrPersistenceFailure, err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return synced, failed, ctx.Err()
		}
		snap, err := s.rec.Sync(ctx, id, SyncOptions{Force: true})
		if err != nil || snap.SyncState != SyncStateSynced {
			failed++
			continue
		}
		synced++
	}
	return synced, failed, nil
}

func (s *ResyncScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	synced, failed, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "resync pass aborted", logger.Error(err))
	}
	s.logger.InfoContext(ctx, "resync pass finished",
		slog.Int("synced", synced), slog.Int("failed", failed), logger.Duration(time.Since(start)))
}
