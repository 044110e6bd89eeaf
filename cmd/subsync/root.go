package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/subsync/internal/app"
	"github.com/dmitrymomot/subsync/pkg/config"
)

// cli carries state shared by subcommands.
type cli struct {
	envFiles []string
	cfg      app.Config
	log      *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "subsync",
		Short: "Subscription state reconciliation service",
		Long: `subsync keeps each user's subscription snapshot in line with the billing
provider (Stripe, Paddle or Polar) and answers feature and limit checks from it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	root.AddCommand(
		newServeCmd(c),
		newSyncCmd(c),
		newRecoverCmd(c),
		newMigrateCmd(c),
		newPlansCmd(c),
	)
	return root
}

func (c *cli) load() error {
	if err := config.LoadEnv(c.envFiles...); err != nil {
		return err
	}
	if err := config.Load(&c.cfg); err != nil {
		return err
	}
	c.log = app.NewLogger(c.cfg)
	return nil
}

// withApp builds the application for a one-shot command and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.New(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
