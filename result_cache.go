package dbconn

import (
	"context"
	"fmt"

	"github.com/burugo/dbconn/internal/cache"
)

// smallResultRows is the largest non primary-key result kept in memory.
const smallResultRows = 20

// cacheTag is the invalidation tag of a table; it doubles as the prefix of
// every external key of the table.
func (c *Connection) cacheTag(table string) string {
	return fmt.Sprintf("model.db.cache.tables.%s.%s.%s", c.config.Host, c.config.Name, table)
}

func (c *Connection) rowsKey(table string) string  { return c.cacheTag(table) + ".rows" }
func (c *Connection) countKey(table string) string { return c.cacheTag(table) + ".count" }

// IsSelectCacheable reports whether a select may be served from the table
// snapshot.
func (c *Connection) IsSelectCacheable(ctx context.Context, table string, where Where, opts Options) (bool, error) {
	model, err := c.GetTable(ctx, table)
	if err != nil {
		return false, err
	}
	return c.isSelectCacheable(ctx, table, model, where, opts)
}

func (c *Connection) isSelectCacheable(ctx context.Context, table string, model *TableModel, where Where, opts Options) (bool, error) {
	if opts.NoCache {
		return false, nil
	}
	if !where.IsEmpty() {
		if _, ok := where.primaryKeyValue(model.PrimaryKey); !ok {
			return false, nil
		}
	}
	if len(opts.Joins) > 0 || opts.GroupBy != "" {
		return false, nil
	}
	if opts.OrderByRaw != "" || opts.FieldsRaw != "" {
		return false, nil
	}
	if opts.hasUnsafeKeys() {
		return false, nil
	}
	if len(model.PrimaryKey) == 0 {
		return false, nil
	}
	if c.config.isCacheWhitelisted(table) {
		return true, nil
	}
	n, err := c.Count(ctx, table, Where{}, Options{})
	if err != nil {
		return false, err
	}
	return n <= MaxSnapshotRows, nil
}

// fromStore reads key through the external store, or computes directly when
// no store is configured.
func (c *Connection) fromStore(ctx context.Context, table, key string, compute ComputeFunc) (*CacheEntry, error) {
	if c.cache == nil {
		return compute(ctx)
	}
	entry, err := c.cache.GetOrCompute(ctx, key, SnapshotTTL, []string{c.cacheTag(table)}, compute)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", key, err)
	}
	if entry == nil {
		return &CacheEntry{}, nil
	}
	return entry, nil
}

// tableSnapshot returns every raw row of the table in primary-key order.
func (c *Connection) tableSnapshot(ctx context.Context, table string, model *TableModel) ([]Row, error) {
	if rows, ok := c.memo.Snapshot(table); ok {
		return rows, nil
	}
	gen := c.memo.Generation(table)
	entry, err := c.fromStore(ctx, table, c.rowsKey(table), func(ctx context.Context) (*CacheEntry, error) {
		order := make([]OrderField, len(model.PrimaryKey))
		for i, col := range model.PrimaryKey {
			order[i] = Asc(col)
		}
		// Stored rows are raw driver values: result hooks and normalization
		// run on every read, in the same order as on the direct path.
		o := Options{NoCache: true, NoAlter: true, OrderBy: order}
		sql, err := c.builder.BuildSelect(table, Where{}, o)
		if err != nil {
			return nil, fmt.Errorf("building snapshot select for %q: %w", table, err)
		}
		raw, err := c.query(ctx, sql, table, o)
		if err != nil {
			return nil, err
		}
		rows, err := newCursor(raw, nil).All()
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []Row{}
		}
		return &CacheEntry{Rows: rows}, nil
	})
	if err != nil {
		return nil, err
	}
	c.memo.SetSnapshot(table, entry.Rows, gen)
	return entry.Rows, nil
}

// selectFromSnapshot evaluates a cacheable select in memory.
func (c *Connection) selectFromSnapshot(ctx context.Context, table string, model *TableModel, rows []Row, where Where, opts Options) *Cursor {
	// Fields are projected by the result transform, after the hooks saw
	// the whole row.
	sel := cache.Selection{
		Offset: opts.Offset,
		Limit:  opts.Limit,
	}
	if id, ok := where.primaryKeyValue(model.PrimaryKey); ok {
		sel.PrimaryKey = model.PrimaryKey[0]
		sel.ID = &id
	}
	for _, o := range opts.OrderBy {
		sel.OrderBy = append(sel.OrderBy, cache.Order{Column: o.Column, Desc: o.Desc})
	}
	return newRowsCursor(cache.Apply(rows, sel), c.resultTransform(ctx, table, model, opts))
}

// cachedCount returns the full-table count through both cache layers.
func (c *Connection) cachedCount(ctx context.Context, table string) (int64, error) {
	if n, ok := c.memo.Count(table); ok {
		return n, nil
	}
	gen := c.memo.Generation(table)
	entry, err := c.fromStore(ctx, table, c.countKey(table), func(ctx context.Context) (*CacheEntry, error) {
		n, err := c.countQuery(ctx, table, Where{}, Options{NoCache: true})
		if err != nil {
			return nil, err
		}
		return &CacheEntry{Count: n}, nil
	})
	if err != nil {
		return 0, err
	}
	c.memo.SetCount(table, entry.Count, gen)
	return entry.Count, nil
}
