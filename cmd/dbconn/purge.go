package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burugo/dbconn/internal/app"
)

// cachePrefix is the common prefix of every table cache key.
const cachePrefix = "model.db.cache.tables."

func newPurgeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [prefix]",
		Short: "Remove cached table snapshots and counts",
		Example: `  dbconn purge
  dbconn purge model.db.cache.tables.localhost.shop.users`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := cachePrefix
			if len(args) == 1 {
				prefix = args[0]
			}
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.cleanup()

			p, ok := s.app.Cache.(app.Purger)
			if !ok {
				return errors.New("the configured cache backend cannot be purged")
			}
			n, err := p.Purge(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d keys\n", n)
			return nil
		},
	}
}
