// Package computed adds virtual columns to selected rows. Each column is an
// expr expression evaluated against the raw row, so it can be read and
// filtered like a stored column once its value is normalized.
package computed

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/burugo/dbconn"
)

// Column declares one virtual column.
type Column struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // native type name, e.g. "double", "int", "varchar"
	Expr string `yaml:"expr"`
}

type compiled struct {
	Column
	program *vm.Program
}

// Provider implements dbconn.SelectResultAlterer and
// dbconn.TableModelAlterer.
type Provider struct {
	tables map[string][]compiled
}

var (
	_ dbconn.SelectResultAlterer = (*Provider)(nil)
	_ dbconn.TableModelAlterer   = (*Provider)(nil)
)

// New compiles the column definitions, keyed by table.
func New(defs map[string][]Column) (*Provider, error) {
	p := &Provider{tables: make(map[string][]compiled, len(defs))}
	for table, cols := range defs {
		for _, col := range cols {
			if col.Name == "" {
				return nil, fmt.Errorf("%w: computed column on %q has no name", dbconn.ErrConfiguration, table)
			}
			program, err := expr.Compile(col.Expr, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("%w: failed to compile computed column %s.%s '%s': %w",
					dbconn.ErrConfiguration, table, col.Name, col.Expr, err)
			}
			p.tables[table] = append(p.tables[table], compiled{Column: col, program: program})
		}
	}
	return p, nil
}

// Columns returns the virtual column names of table, sorted.
func (p *Provider) Columns(table string) []string {
	var names []string
	for _, c := range p.tables[table] {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// AlterTableModel declares the virtual columns. Stored columns win over
// virtual ones with the same name.
func (p *Provider) AlterTableModel(_ context.Context, _ *dbconn.Connection, table string, model *dbconn.TableModel) (*dbconn.TableModel, error) {
	for _, c := range p.tables[table] {
		if _, exists := model.Columns[c.Name]; exists {
			continue
		}
		model.Columns[c.Name] = dbconn.Column{Type: dbconn.NormalizeColumnType(c.Type), Nullable: true}
	}
	return model, nil
}

// AlterSelectResult evaluates each virtual column against the row. When a
// field list is given, only listed columns are computed.
func (p *Provider) AlterSelectResult(_ context.Context, _ *dbconn.Connection, table string, row dbconn.Row, opts dbconn.Options) (dbconn.Row, error) {
	cols := p.tables[table]
	if len(cols) == 0 {
		return row, nil
	}
	out := row.Clone()
	env := map[string]interface{}(row)
	for _, c := range cols {
		if len(opts.Fields) > 0 && !contains(opts.Fields, c.Name) {
			continue
		}
		v, err := expr.Run(c.program, env)
		if err != nil {
			return nil, fmt.Errorf("computed column %s.%s: %w", table, c.Name, err)
		}
		out[c.Name] = v
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
