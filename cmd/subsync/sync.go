package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/subsync/internal/app"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

var errSyncTargetRequired = errors.New("either --user or --all is required")

func newSyncCmd(c *cli) *cobra.Command {
	var (
		user  string
		all   bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile subscriptions with the billing provider",
		Example: `  subsync sync --user 7d6c1c52-4a53-4a8e-9c55-3f1f1b7f2b10
  subsync sync --all`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if (user == "") == !all {
				return errSyncTargetRequired
			}
			if user != "" {
				if _, err := uuid.Parse(user); err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				if all {
					sched := a.Scheduler
					if sched == nil {
						var err error
						if sched, err = subscription.NewResyncScheduler(a.Reconciler, a.Profiles, "@daily",
							subscription.WithSchedulerLogger(a.Logger)); err != nil {
							return err
						}
					}
					synced, failed, err := sched.RunOnce(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]int{"synced": synced, "failed": failed})
				}

				snap, err := a.Reconciler.Sync(ctx, uuid.MustParse(user), subscription.SyncOptions{Force: force})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id to sync")
	cmd.Flags().BoolVar(&all, "all", false, "sync every user with a paid profile")
	cmd.Flags().BoolVar(&force, "force", true, "ignore a fresh cached snapshot")
	return cmd
}
