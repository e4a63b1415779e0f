package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/config"
	"github.com/burugo/dbconn/internal/app"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type globalFlags struct {
	configPath string
	database   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "dbconn",
		Short: "Governed, cached access to SQL databases",
		Long: `dbconn reads the databases described by a YAML config file through the
governed connection layer: guardrails, result caching and hook providers apply.

Examples:
  dbconn count users --where active=1
  dbconn select users --order -id --limit 10
  dbconn stats users orders
  dbconn purge`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "dbconn.yaml", "config file")
	root.PersistentFlags().StringVarP(&g.database, "db", "d", "", "database name (default: first configured)")

	root.AddCommand(newCountCmd(g), newSelectCmd(g), newStatsCmd(g), newPurgeCmd(g))
	return root
}

// session is an initialized app plus the selected connection.
type session struct {
	app     *app.App
	conn    *dbconn.Connection
	cleanup func()
}

func (g *globalFlags) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	a, cleanup, err := app.Initialize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	name := g.database
	if name == "" {
		name = cfg.Names()[0]
	}
	conn, err := a.Manager.Get(ctx, name)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &session{app: a, conn: conn, cleanup: cleanup}, nil
}

// parseWhere turns col=value pairs into a predicate. Integer-looking values
// become int64, "null" becomes IS NULL.
func parseWhere(pairs []string) (dbconn.Where, error) {
	if len(pairs) == 0 {
		return dbconn.Where{}, nil
	}
	conds := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		col, val, ok := strings.Cut(p, "=")
		col = strings.TrimSpace(col)
		if !ok || col == "" {
			return dbconn.Where{}, fmt.Errorf("invalid condition %q, want column=value", p)
		}
		switch {
		case strings.EqualFold(val, "null"):
			conds[col] = nil
		default:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				conds[col] = n
			} else {
				conds[col] = val
			}
		}
	}
	return dbconn.Cond(conds), nil
}

// parseOrder turns "name,-id" into ascending name, descending id.
func parseOrder(spec string) []dbconn.OrderField {
	var out []dbconn.OrderField
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "-"):
			out = append(out, dbconn.Desc(part[1:]))
		default:
			out = append(out, dbconn.Asc(strings.TrimPrefix(part, "+")))
		}
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
