package main

import (
	"github.com/spf13/cobra"

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/internal/app"
)

type statsReport struct {
	Counts     map[string]int64 `json:"counts,omitempty"`
	Connection dbconn.Stats     `json:"connection"`
	Cache      map[string]int   `json:"cache,omitempty"`
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "stats [table...]",
		Short:   "Count the given tables and print connection and cache statistics",
		Example: `  dbconn stats users orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.cleanup()

			report := statsReport{Counts: make(map[string]int64, len(args))}
			for _, table := range args {
				n, err := s.conn.Count(cmd.Context(), table, dbconn.Where{}, dbconn.Options{})
				if err != nil {
					return err
				}
				report.Counts[table] = n
			}
			report.Connection = s.conn.Stats()
			if r, ok := s.app.Cache.(app.StatsReporter); ok {
				report.Cache = r.Stats()
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}
