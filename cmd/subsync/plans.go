package main

import (
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/subsync/internal/app"
)

type planOutput struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	PriceIDs []string         `json:"price_ids"`
	Limits   map[string]int64 `json:"limits"`
	Features []string         `json:"features"`
}

func newPlansCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Print the plan catalog with its provider price mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := app.NewCatalog(c.cfg)
			if err != nil {
				return err
			}

			out := make([]planOutput, 0, len(catalog.Plans()))
			for _, p := range catalog.Plans() {
				po := planOutput{
					ID:       p.ID,
					Name:     p.Name,
					PriceIDs: append([]string{}, p.PriceIDs...),
					Limits:   make(map[string]int64, len(p.Limits)),
					Features: make([]string, 0, len(p.Features)),
				}
				for res, limit := range p.Limits {
					po.Limits[string(res)] = limit
				}
				for _, f := range p.Features {
					po.Features = append(po.Features, string(f))
				}
				out = append(out, po)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
