package dbconn

import (
	"context"
	"fmt"
)

// --- Provider capabilities ---
//
// A hook provider implements any subset of the interfaces below. Missing
// capabilities behave as identity.

// SelectAlterer rewrites the predicate and options of a select.
type SelectAlterer interface {
	AlterSelect(ctx context.Context, conn *Connection, table string, where Where, opts Options) (Where, Options, error)
}

// SelectResultAlterer rewrites each row returned by a select.
type SelectResultAlterer interface {
	AlterSelectResult(ctx context.Context, conn *Connection, table string, row Row, opts Options) (Row, error)
}

// InsertAlterer rewrites the physical queries of an insert; it may return
// more (or fewer) queries than it received.
type InsertAlterer interface {
	AlterInsert(ctx context.Context, conn *Connection, queries []Query) ([]Query, error)
}

// UpdateAlterer rewrites the physical queries of an update.
type UpdateAlterer interface {
	AlterUpdate(ctx context.Context, conn *Connection, queries []Query) ([]Query, error)
}

// DeleteAlterer rewrites the predicate and options of a delete.
type DeleteAlterer interface {
	AlterDelete(ctx context.Context, conn *Connection, table string, where Where, opts Options) (Where, Options, error)
}

// TableModelAlterer rewrites table metadata. It receives a private clone.
type TableModelAlterer interface {
	AlterTableModel(ctx context.Context, conn *Connection, table string, model *TableModel) (*TableModel, error)
}

// pipeline threads operation state through the providers in order. The
// provider list is resolved once when the connection is created.
type pipeline struct {
	conn      *Connection
	providers []Provider
}

func newPipeline(conn *Connection, registry ProviderRegistry) *pipeline {
	p := &pipeline{conn: conn}
	if registry != nil {
		p.providers = registry.FindProviders(ProviderKind)
	}
	return p
}

func (p *pipeline) alterSelect(ctx context.Context, table string, where Where, opts Options) (Where, Options, error) {
	for _, provider := range p.providers {
		h, ok := provider.(SelectAlterer)
		if !ok {
			continue
		}
		var err error
		where, opts, err = h.AlterSelect(ctx, p.conn, table, where.Clone(), opts.Clone())
		if err != nil {
			return where, opts, fmt.Errorf("alter select on %q (%T): %w", table, provider, err)
		}
	}
	return where, opts, nil
}

func (p *pipeline) hasSelectResultAlterers() bool {
	for _, provider := range p.providers {
		if _, ok := provider.(SelectResultAlterer); ok {
			return true
		}
	}
	return false
}

func (p *pipeline) alterSelectResult(ctx context.Context, table string, row Row, opts Options) (Row, error) {
	for _, provider := range p.providers {
		h, ok := provider.(SelectResultAlterer)
		if !ok {
			continue
		}
		var err error
		row, err = h.AlterSelectResult(ctx, p.conn, table, row, opts)
		if err != nil {
			return nil, fmt.Errorf("alter select result on %q (%T): %w", table, provider, err)
		}
	}
	return row, nil
}

func (p *pipeline) alterInsert(ctx context.Context, queries []Query) ([]Query, error) {
	for _, provider := range p.providers {
		h, ok := provider.(InsertAlterer)
		if !ok {
			continue
		}
		var err error
		queries, err = h.AlterInsert(ctx, p.conn, queries)
		if err != nil {
			return nil, fmt.Errorf("alter insert (%T): %w", provider, err)
		}
	}
	return queries, nil
}

func (p *pipeline) alterUpdate(ctx context.Context, queries []Query) ([]Query, error) {
	for _, provider := range p.providers {
		h, ok := provider.(UpdateAlterer)
		if !ok {
			continue
		}
		var err error
		queries, err = h.AlterUpdate(ctx, p.conn, queries)
		if err != nil {
			return nil, fmt.Errorf("alter update (%T): %w", provider, err)
		}
	}
	return queries, nil
}

func (p *pipeline) alterDelete(ctx context.Context, table string, where Where, opts Options) (Where, Options, error) {
	for _, provider := range p.providers {
		h, ok := provider.(DeleteAlterer)
		if !ok {
			continue
		}
		var err error
		where, opts, err = h.AlterDelete(ctx, p.conn, table, where.Clone(), opts.Clone())
		if err != nil {
			return where, opts, fmt.Errorf("alter delete on %q (%T): %w", table, provider, err)
		}
	}
	return where, opts, nil
}

func (p *pipeline) alterTableModel(ctx context.Context, table string, model *TableModel) (*TableModel, error) {
	for _, provider := range p.providers {
		h, ok := provider.(TableModelAlterer)
		if !ok {
			continue
		}
		altered, err := h.AlterTableModel(ctx, p.conn, table, model.Clone())
		if err != nil {
			return nil, fmt.Errorf("alter table model %q (%T): %w", table, provider, err)
		}
		if altered != nil {
			model = altered
		}
	}
	return model, nil
}

// resolveDependencies substitutes DependsOn columns of queries[i] with the
// ids generated by earlier queries of the batch.
func resolveDependencies(i int, q Query, ids []*int64) (Query, error) {
	if len(q.DependsOn) == 0 {
		return q, nil
	}
	data := q.Data.Clone()
	if data == nil {
		data = Row{}
	}
	for column, idx := range q.DependsOn {
		if idx < 0 || idx >= i {
			return q, fmt.Errorf("%w: query %d on %q depends on query %d which does not precede it", ErrConfiguration, i, q.Table, idx)
		}
		if ids[idx] == nil {
			return q, fmt.Errorf("%w: query %d on %q depends on query %d which produced no id", ErrConfiguration, i, q.Table, idx)
		}
		data[column] = *ids[idx]
	}
	q.Data = data
	return q, nil
}
