package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burugo/dbconn"
)

func newCountCmd(g *globalFlags) *cobra.Command {
	var where []string
	cmd := &cobra.Command{
		Use:     "count <table>",
		Short:   "Count rows of a table",
		Example: `  dbconn count users --where active=1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWhere(where)
			if err != nil {
				return err
			}
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.cleanup()

			n, err := s.conn.Count(cmd.Context(), args[0], w, dbconn.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "condition column=value (repeatable)")
	return cmd
}
