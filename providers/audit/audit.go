// Package audit records inserts and updates in an audit table through the
// hook pipeline. The audit row of an insert references the generated id of
// the row it describes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/burugo/dbconn"
)

// DefaultTable is the audit table used when Options.Table is empty.
const DefaultTable = "audit_log"

// Actions written to the action column.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
)

// Options configures the provider.
type Options struct {
	Table string   // audit table
	Only  []string // audited tables; empty means all
	Skip  []string // never audited
}

// Provider implements dbconn.InsertAlterer and dbconn.UpdateAlterer.
// Deletes are not audited. The audit table needs the columns table_name,
// action, row_id, changes and created_at.
type Provider struct {
	table string
	only  map[string]bool
	skip  map[string]bool
	now   func() time.Time
}

var (
	_ dbconn.InsertAlterer = (*Provider)(nil)
	_ dbconn.UpdateAlterer = (*Provider)(nil)
)

// New creates a provider.
func New(opts Options) *Provider {
	p := &Provider{table: opts.Table, only: set(opts.Only), skip: set(opts.Skip), now: time.Now}
	if p.table == "" {
		p.table = DefaultTable
	}
	p.skip[p.table] = true
	return p
}

func set(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}

func (p *Provider) audited(table string) bool {
	if p.skip[table] {
		return false
	}
	return len(p.only) == 0 || p.only[table]
}

func (p *Provider) entry(q dbconn.Query, action string) (dbconn.Query, error) {
	changes, err := json.Marshal(q.Data)
	if err != nil {
		return dbconn.Query{}, fmt.Errorf("encoding changes of %q: %w", q.Table, err)
	}
	return dbconn.Query{
		Kind:  dbconn.QueryInsert,
		Table: p.table,
		Data: dbconn.Row{
			"table_name": q.Table,
			"action":     action,
			"row_id":     nil,
			"changes":    string(changes),
			"created_at": p.now().UTC(),
		},
		Options: dbconn.Options{NoQueryLimit: q.Options.NoQueryLimit, Debug: q.Options.Debug},
	}, nil
}

// AlterInsert appends one audit row per audited insert. Its row_id is the
// id generated by that insert.
func (p *Provider) AlterInsert(_ context.Context, _ *dbconn.Connection, queries []dbconn.Query) ([]dbconn.Query, error) {
	out := append([]dbconn.Query(nil), queries...)
	for i, q := range queries {
		if !p.audited(q.Table) {
			continue
		}
		e, err := p.entry(q, ActionInsert)
		if err != nil {
			return nil, err
		}
		e.DependsOn = map[string]int{"row_id": i}
		out = append(out, e)
	}
	return out, nil
}

// AlterUpdate appends one audit row per audited update. The entry is an
// insert even inside an update batch; row_id is filled when the update
// targets a single id.
func (p *Provider) AlterUpdate(_ context.Context, _ *dbconn.Connection, queries []dbconn.Query) ([]dbconn.Query, error) {
	out := append([]dbconn.Query(nil), queries...)
	for _, q := range queries {
		if !p.audited(q.Table) || len(q.Data) == 0 {
			continue
		}
		e, err := p.entry(q, ActionUpdate)
		if err != nil {
			return nil, err
		}
		if q.Where.ID != nil {
			e.Data["row_id"] = *q.Where.ID
		}
		out = append(out, e)
	}
	return out, nil
}
