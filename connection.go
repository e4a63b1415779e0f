package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/burugo/dbconn/internal/cache"
	"github.com/burugo/dbconn/internal/utils"
)

// Deps are the collaborators of a Connection. Driver, Builder and Schema are
// required; Cache, Events and Providers are optional.
type Deps struct {
	Driver    Driver
	Builder   QueryBuilder
	Schema    SchemaProvider
	Cache     CacheStore
	Events    EventBus
	Providers ProviderRegistry
}

// Connection is a governed handle on one logical database. It is not safe
// for concurrent use; obtain one per name from a Manager.
type Connection struct {
	name    string
	config  Config
	driver  Driver
	builder QueryBuilder
	schema  SchemaProvider
	cache   CacheStore
	events  EventBus
	hooks   *pipeline

	depth    int
	txTables map[string]bool // tables changed inside the open transaction
	counters counters
	deferred map[string]*deferredBuffer
	tables   map[string]*TableModel
	memo     *cache.Memo[Row]
	closed   bool
}

// New validates cfg, applies defaults and returns a ready connection.
func New(name string, cfg Config, deps Deps) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Driver == nil {
		return nil, fmt.Errorf("%w: connection %q has no driver", ErrConfiguration, name)
	}
	if deps.Builder == nil {
		return nil, fmt.Errorf("%w: connection %q has no query builder", ErrConfiguration, name)
	}
	if deps.Schema == nil {
		return nil, fmt.Errorf("%w: connection %q has no schema provider", ErrConfiguration, name)
	}
	c := &Connection{
		name:     name,
		config:   cfg.withDefaults(),
		driver:   deps.Driver,
		builder:  deps.Builder,
		schema:   deps.Schema,
		cache:    deps.Cache,
		events:   deps.Events,
		txTables: make(map[string]bool),
		counters: newCounters(),
		deferred: make(map[string]*deferredBuffer),
		tables:   make(map[string]*TableModel),
		memo:     cache.NewMemo[Row](),
	}
	if c.events == nil {
		c.events = nopBus{}
	}
	c.hooks = newPipeline(c, deps.Providers)
	return c, nil
}

// Name returns the logical name of the connection.
func (c *Connection) Name() string {
	return c.name
}

// Config returns a copy of the effective configuration.
func (c *Connection) Config() Config {
	return c.config.withDefaults()
}

// Builder returns the query builder, for providers composing raw SQL.
func (c *Connection) Builder() QueryBuilder {
	return c.builder
}

// --- Writes ---

// Insert adds a row and returns its generated id. Deferred inserts, and
// inserts a provider dropped, return a nil id.
func (c *Connection) Insert(ctx context.Context, table string, data Row, opts Options) (*int64, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Defer != nil {
		return nil, c.deferInsert(ctx, table, data, opts)
	}
	if err := c.checkDeferred(table, "insert"); err != nil {
		return nil, err
	}

	queries := []Query{{Table: table, Data: data.Clone(), Options: opts}}
	if !opts.NoAlter {
		var err error
		if queries, err = c.hooks.alterInsert(ctx, queries); err != nil {
			return nil, err
		}
	}

	ids, _, err := c.runBatch(ctx, queries, QueryInsert)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids[0], nil
}

// runBatch executes the queries of a write in order. Queries without an
// explicit kind run as def. Every update is checked for a missing predicate
// before anything executes. It returns the generated id of each query and the
// result of the first executed update.
func (c *Connection) runBatch(ctx context.Context, queries []Query, def QueryKind) ([]*int64, *Result, error) {
	for i := range queries {
		if queries[i].Kind == QueryDefault {
			queries[i].Kind = def
		}
		q := queries[i]
		switch q.Kind {
		case QueryInsert:
		case QueryUpdate:
			if q.Where.IsEmpty() && !q.Options.Confirm {
				return nil, nil, fmt.Errorf("%w: full-table update of %q without confirm", ErrUnsafeOperation, q.Table)
			}
		default:
			return nil, nil, fmt.Errorf("%w: query %d on %q has unknown kind %d", ErrConfiguration, i, q.Table, q.Kind)
		}
	}

	var first *Result
	ids := make([]*int64, len(queries))
	for i, q := range queries {
		q, err := resolveDependencies(i, q, ids)
		if err != nil {
			return nil, nil, err
		}
		if q.Kind == QueryInsert {
			if q.Options.Defer != nil {
				if err := c.deferInsert(ctx, q.Table, q.Data, q.Options); err != nil {
					return nil, nil, err
				}
				continue
			}
			if err := c.checkDeferred(q.Table, "insert"); err != nil {
				return nil, nil, err
			}
			if ids[i], err = c.insertOne(ctx, q); err != nil {
				return nil, nil, err
			}
			continue
		}
		res, err := c.updateOne(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		if res == nil {
			continue
		}
		if res.LastInsertID != 0 {
			ids[i] = &res.LastInsertID
		}
		if first == nil {
			first = res
		}
	}
	return ids, first, nil
}

func (c *Connection) insertOne(ctx context.Context, q Query) (*int64, error) {
	c.events.Publish(ctx, Event{Type: EventInsert, Connection: c.name, Table: q.Table, Data: q.Data, Options: &q.Options})
	sql, err := c.builder.BuildInsert(q.Table, []Row{q.Data}, q.Options)
	if err != nil {
		return nil, fmt.Errorf("building insert for %q: %w", q.Table, err)
	}
	if sql == "" {
		return nil, nil
	}
	if err := c.ensureTransaction(ctx); err != nil {
		return nil, err
	}
	res, err := c.Exec(ctx, sql, q.Table, q.Options)
	if err != nil {
		return nil, err
	}
	id := res.LastInsertID
	c.events.Publish(ctx, Event{Type: EventInserted, Connection: c.name, Table: q.Table, ID: &id, Data: q.Data})
	return &id, nil
}

// Update modifies the rows matched by where and returns the result of the
// first executed statement, or nil when nothing was executed.
func (c *Connection) Update(ctx context.Context, table string, where Where, data Row, opts Options) (*Result, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := c.checkDeferred(table, "update"); err != nil {
		return nil, err
	}
	if where.IsEmpty() && !opts.Confirm {
		return nil, fmt.Errorf("%w: full-table update of %q without confirm", ErrUnsafeOperation, table)
	}

	queries := []Query{{Table: table, Where: where.Clone(), Data: data.Clone(), Options: opts}}
	if !opts.NoAlter {
		var err error
		if queries, err = c.hooks.alterUpdate(ctx, queries); err != nil {
			return nil, err
		}
	}

	_, first, err := c.runBatch(ctx, queries, QueryUpdate)
	if err != nil {
		return nil, err
	}
	return first, nil
}

func (c *Connection) updateOne(ctx context.Context, q Query) (*Result, error) {
	if err := c.checkDeferred(q.Table, "update"); err != nil {
		return nil, err
	}
	if q.Where.IsEmpty() && !q.Options.Confirm {
		return nil, fmt.Errorf("%w: full-table update of %q without confirm", ErrUnsafeOperation, q.Table)
	}
	c.events.Publish(ctx, Event{Type: EventUpdate, Connection: c.name, Table: q.Table, Where: &q.Where, Data: q.Data, Options: &q.Options})
	w, err := c.resolveWhere(ctx, q.Table, q.Where)
	if err != nil {
		return nil, err
	}
	sql, err := c.builder.BuildUpdate(q.Table, w, q.Data, q.Options)
	if err != nil {
		return nil, fmt.Errorf("building update for %q: %w", q.Table, err)
	}
	if sql == "" {
		return nil, nil
	}
	if err := c.ensureTransaction(ctx); err != nil {
		return nil, err
	}
	res, err := c.Exec(ctx, sql, q.Table, q.Options)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Delete removes the rows matched by where. Foreign-key failures surface as
// *ConstraintViolationError.
func (c *Connection) Delete(ctx context.Context, table string, where Where, opts Options) (*Result, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := c.checkDeferred(table, "delete"); err != nil {
		return nil, err
	}
	if where.IsEmpty() && !opts.Confirm {
		return nil, fmt.Errorf("%w: full-table delete of %q without confirm", ErrUnsafeOperation, table)
	}
	if !opts.NoAlter {
		var err error
		if where, opts, err = c.hooks.alterDelete(ctx, table, where, opts); err != nil {
			return nil, err
		}
	}

	c.events.Publish(ctx, Event{Type: EventDelete, Connection: c.name, Table: table, Where: &where, Options: &opts})
	w, err := c.resolveWhere(ctx, table, where)
	if err != nil {
		return nil, err
	}
	sql, err := c.builder.BuildDelete(table, w, opts)
	if err != nil {
		return nil, fmt.Errorf("building delete for %q: %w", table, err)
	}
	if sql == "" {
		return nil, nil
	}
	if err := c.ensureTransaction(ctx); err != nil {
		return nil, err
	}
	res, err := c.Exec(ctx, sql, table, opts)
	if err != nil {
		if cv := ParseConstraintViolation(err); cv != nil {
			return nil, cv
		}
		return nil, err
	}
	return &res, nil
}

// UpdateOrInsert updates the row matched by where when it exists and
// inserts where merged with data otherwise. It returns the primary key of
// the affected row.
func (c *Connection) UpdateOrInsert(ctx context.Context, table string, where Where, data Row, opts Options) (int64, error) {
	model, err := c.GetTable(ctx, table)
	if err != nil {
		return 0, err
	}
	pk, ok := model.SinglePrimaryKey()
	if !ok {
		return 0, fmt.Errorf("%w: table %q needs a single-column primary key", ErrConfiguration, table)
	}

	readOpts := Options{NoAlter: opts.NoAlter, NoQueryLimit: opts.NoQueryLimit, Debug: opts.Debug}
	existing, err := c.Select(ctx, table, where, readOpts)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		id, ok := utils.ToInt64(existing[pk])
		if !ok {
			return 0, fmt.Errorf("%w: table %q has a non-integer primary key %v", ErrConfiguration, table, existing[pk])
		}
		writeOpts := opts.Clone()
		writeOpts.Defer = nil
		if _, err := c.Update(ctx, table, ByID(id), data, writeOpts); err != nil {
			return 0, err
		}
		return id, nil
	}

	row := Row{}
	if where.ID != nil {
		row[pk] = *where.ID
	}
	for k, v := range where.Conditions {
		if _, isOp := v.(Op); isOp || v == nil {
			continue
		}
		row[k] = v
	}
	for k, v := range data {
		row[k] = v
	}
	insertOpts := opts.Clone()
	insertOpts.Defer = nil
	id, err := c.Insert(ctx, table, row, insertOpts)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, fmt.Errorf("%w: insert into %q produced no id", ErrConfiguration, table)
	}
	return *id, nil
}

// resolveWhere turns the bare primary-key shortcut into a condition on the
// table's primary-key column.
func (c *Connection) resolveWhere(ctx context.Context, table string, where Where) (Where, error) {
	if where.ID == nil {
		return where, nil
	}
	model, err := c.GetTable(ctx, table)
	if err != nil {
		return where, err
	}
	pk, ok := model.SinglePrimaryKey()
	if !ok {
		return where, fmt.Errorf("%w: table %q has no single-column primary key for an id lookup", ErrConfiguration, table)
	}
	w := Where{Conditions: make(map[string]interface{}, len(where.Conditions)+1)}
	for k, v := range where.Conditions {
		w.Conditions[k] = v
	}
	w.Conditions[pk] = *where.ID
	return w, nil
}

// --- Reads ---

// Select returns the first matching row, or nil.
func (c *Connection) Select(ctx context.Context, table string, where Where, opts Options) (Row, error) {
	opts.Limit = 1
	opts.NoStream = true
	cur, err := c.SelectAll(ctx, table, where, opts)
	if err != nil {
		return nil, err
	}
	rows, err := cur.All()
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// SelectAll returns the matching rows. The cursor is lazy unless
// Options.NoStream is set, in which case it is materialized first.
func (c *Connection) SelectAll(ctx context.Context, table string, where Where, opts Options) (*Cursor, error) {
	cur, err := c.selectAll(ctx, table, where, opts)
	if err != nil {
		return nil, err
	}
	if !opts.NoStream {
		return cur, nil
	}
	rows, err := cur.All()
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows, nil), nil
}

func (c *Connection) selectAll(ctx context.Context, table string, where Where, opts Options) (*Cursor, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := c.checkDeferred(table, "read"); err != nil {
		return nil, err
	}
	model, err := c.GetTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !opts.NoAlter {
		if where, opts, err = c.hooks.alterSelect(ctx, table, where, opts); err != nil {
			return nil, err
		}
	}
	c.events.Publish(ctx, Event{Type: EventSelect, Connection: c.name, Table: table, Where: &where, Options: &opts})

	// Primary-key lookups only use a snapshot that is already loaded, so a
	// read after a write never refetches the whole table.
	_, byPK := where.primaryKeyValue(model.PrimaryKey)
	if byPK {
		if _, loaded := c.memo.Snapshot(table); !loaded {
			return c.selectDirect(ctx, table, model, where, opts)
		}
	}
	cacheable, err := c.isSelectCacheable(ctx, table, model, where, opts)
	if err != nil {
		return nil, err
	}
	if cacheable {
		rows, err := c.tableSnapshot(ctx, table, model)
		if err != nil {
			return nil, err
		}
		return c.selectFromSnapshot(ctx, table, model, rows, where, opts), nil
	}
	return c.selectDirect(ctx, table, model, where, opts)
}

// selectDirect runs the select against the driver, memoizing small and
// primary-key results for the lifetime of the connection.
func (c *Connection) selectDirect(ctx context.Context, table string, model *TableModel, where Where, opts Options) (*Cursor, error) {
	memoable := !opts.NoCache && !opts.NoInMemoryCache && len(opts.Joins) == 0
	var key string
	if memoable {
		key = memoKey(where, opts)
		if rows, ok := c.memo.Get(table, key); ok {
			return newRowsCursor(cache.Apply(rows, cache.Selection{}), nil), nil
		}
	}

	w, err := c.resolveWhere(ctx, table, where)
	if err != nil {
		return nil, err
	}
	// Result hooks may read columns outside Fields or produce virtual ones,
	// so they get whole rows and the transform projects afterwards.
	sqlOpts := opts
	if len(opts.Fields) > 0 && !opts.NoAlter && c.hooks.hasSelectResultAlterers() {
		sqlOpts = opts.Clone()
		sqlOpts.Fields = nil
	}
	sql, err := c.builder.BuildSelect(table, w, sqlOpts)
	if err != nil {
		return nil, fmt.Errorf("building select for %q: %w", table, err)
	}
	raw, err := c.query(ctx, sql, table, opts)
	if err != nil {
		return nil, err
	}
	cur := newCursor(raw, c.resultTransform(ctx, table, model, opts))
	if memoable {
		gen := c.memo.Generation(table)
		max := smallResultRows
		if _, byPK := where.primaryKeyValue(model.PrimaryKey); byPK {
			max = -1
		}
		cur.collect(max, func(rows []Row) {
			if rows == nil {
				rows = []Row{}
			}
			c.memo.Set(table, key, rows, gen)
		})
	}
	return cur, nil
}

// resultTransform runs the result hooks, normalizes the row and projects it
// to Options.Fields.
func (c *Connection) resultTransform(ctx context.Context, table string, model *TableModel, opts Options) func(Row) (Row, error) {
	alter := !opts.NoAlter && c.hooks.hasSelectResultAlterers()
	return func(row Row) (Row, error) {
		if alter {
			var err error
			if row, err = c.hooks.alterSelectResult(ctx, table, row, opts); err != nil {
				return nil, err
			}
		}
		row = normalizeRow(model, row)
		if len(opts.Fields) > 0 {
			row = cache.Project(row, opts.Fields)
		}
		return row, nil
	}
}

// Count returns the number of matching rows. Full-table counts without
// options are cached.
func (c *Connection) Count(ctx context.Context, table string, where Where, opts Options) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.checkDeferred(table, "count"); err != nil {
		return 0, err
	}
	if where.IsEmpty() && opts.IsZero() {
		return c.cachedCount(ctx, table)
	}
	return c.countQuery(ctx, table, where, opts)
}

func (c *Connection) countQuery(ctx context.Context, table string, where Where, opts Options) (int64, error) {
	if err := opts.validate(); err != nil {
		return 0, err
	}
	o := opts.Clone()
	o.Fields, o.FieldsRaw = nil, "COUNT(*)"
	o.OrderBy, o.OrderByRaw = nil, ""
	o.Limit, o.Offset = 0, 0
	w, err := c.resolveWhere(ctx, table, where)
	if err != nil {
		return 0, err
	}
	sql, err := c.builder.BuildSelect(table, w, o)
	if err != nil {
		return 0, fmt.Errorf("building count for %q: %w", table, err)
	}
	raw, err := c.query(ctx, sql, table, o)
	if err != nil {
		return 0, err
	}
	rows, err := newCursor(raw, nil).All()
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for _, v := range rows[0] {
		if n, ok := utils.ToInt64(v); ok {
			return n, nil
		}
		return 0, fmt.Errorf("%w: unexpected count value %v (%T)", ErrDriver, v, v)
	}
	return 0, nil
}

// UnionSelect returns the UNION of several selects. Per-part options are
// merged with opts minus ordering and paging, which apply to the union as a
// whole; only raw ordering is supported there. Rows are returned as the
// driver produced them.
func (c *Connection) UnionSelect(ctx context.Context, parts []UnionPart, opts Options) (*Cursor, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(opts.OrderBy) > 0 {
		return nil, fmt.Errorf("%w: union selects only support raw ordering", ErrConfiguration)
	}
	if len(parts) == 0 {
		return newRowsCursor(nil, nil), nil
	}

	shared := opts.Clone()
	shared.OrderByRaw = ""
	shared.Limit, shared.Offset = 0, 0
	merged := make([]UnionPart, len(parts))
	for i, p := range parts {
		if err := c.checkDeferred(p.Table, "read"); err != nil {
			return nil, err
		}
		w, err := c.resolveWhere(ctx, p.Table, p.Where.Clone())
		if err != nil {
			return nil, err
		}
		merged[i] = UnionPart{Table: p.Table, Where: w, Options: mergeOptions(p.Options, shared)}
	}

	sql, err := c.builder.BuildUnion(merged, opts)
	if err != nil {
		return nil, fmt.Errorf("building union: %w", err)
	}
	if sql == "" {
		return newRowsCursor(nil, nil), nil
	}
	return c.Query(ctx, sql, "", opts)
}

// --- Lifecycle ---

// Close flushes deferred inserts, commits an open transaction and closes the
// driver. When a flush fails the open transaction is rolled back instead, so
// the unit of work is not committed without its buffered rows. The driver is
// closed on every path and all errors are returned joined. Further calls are
// no-ops.
func (c *Connection) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	var errs []error
	tables := make([]string, 0, len(c.deferred))
	for table := range c.deferred {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		if err := c.Flush(ctx, table); err != nil {
			errs = append(errs, err)
		}
	}

	if c.depth > 0 {
		if len(errs) > 0 {
			log.Printf("ERROR: closing %q with unflushed rows, rolling back: %v", c.name, errors.Join(errs...))
			if _, err := c.Rollback(); err != nil {
				errs = append(errs, err)
			}
		} else {
			c.depth = 1
			if _, err := c.Commit(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.depth = 0
	c.deferred = make(map[string]*deferredBuffer)
	c.closed = true
	if err := c.driver.Close(); err != nil {
		errs = append(errs, wrapDriverError("close", err))
	}
	return errors.Join(errs...)
}
