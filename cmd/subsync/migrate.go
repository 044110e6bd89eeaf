package main

import (
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/subsync/internal/app"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing profile schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Migrate(cmd.Context(), c.cfg, c.log); err != nil {
				return err
			}
			c.log.InfoContext(cmd.Context(), "migrations applied")
			return nil
		},
	}
}
