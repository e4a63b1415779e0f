package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/burugo/dbconn"
)

func newSelectCmd(g *globalFlags) *cobra.Command {
	var (
		where  []string
		order  string
		fields []string
		limit  int
		offset int
		debug  bool
	)
	cmd := &cobra.Command{
		Use:   "select <table>",
		Short: "Print matching rows as JSON lines",
		Example: `  dbconn select users --where id=3
  dbconn select users --order -id --limit 10 --fields id,name`,
		Args: cobra.ExactArgs(1),
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

			opts := dbconn.Options{
				OrderBy: parseOrder(order),
				Fields:  fields,
				Limit:   limit,
				Offset:  offset,
				Debug:   debug,
			}
			cur, err := s.conn.SelectAll(cmd.Context(), args[0], w, opts)
			if err != nil {
				return err
			}
			defer cur.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for cur.Next() {
				if err := enc.Encode(cur.Row()); err != nil {
					return err
				}
			}
			return cur.Err()
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "condition column=value (repeatable)")
	cmd.Flags().StringVar(&order, "order", "", "order columns, '-' prefix for descending")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "columns to return")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&debug, "debug", false, "log SQL statements")
	return cmd
}
