package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/subsync/internal/app"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

func newRecoverCmd(c *cli) *cobra.Command {
	var (
		email string
		user  string
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-link a paying user by searching provider customers by email",
		Example: `  subsync recover --email ada@example.com
  subsync recover --user 7d6c1c52-4a53-4a8e-9c55-3f1f1b7f2b10`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if email == "" && user == "" {
				return subscription.ErrRecoveryTargetRequired
			}
			if user != "" {
				if _, err := uuid.Parse(user); err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := subscription.RecoverRequest{Email: email}
			if user != "" {
				req.UserID = uuid.MustParse(user)
			}

			return c.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Recoverer.Recover(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"user_id":     res.UserID,
					"email":       res.Email,
					"customer_id": res.CustomerID,
					"plan_id":     res.PlanID,
					"snapshot":    res.Snapshot,
				})
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "billing email to search for")
	cmd.Flags().StringVar(&user, "user", "", "user id whose email should be searched")
	return cmd
}
