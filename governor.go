package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"unicode"
)

// --- Transactions ---

// Begin opens a native transaction when none is active and increments the
// nesting depth. Nested calls only increment the depth.
func (c *Connection) Begin(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.depth == 0 {
		if err := c.driver.Begin(ctx); err != nil {
			return wrapDriverError("begin transaction", err)
		}
	}
	c.depth++
	return nil
}

// Commit decrements the nesting depth and commits natively once it reaches
// zero. It reports false when no transaction was active.
func (c *Connection) Commit() (bool, error) {
	if c.depth == 0 {
		return false, nil
	}
	c.depth--
	if c.depth > 0 {
		return true, nil
	}
	if err := c.driver.Commit(); err != nil {
		return true, wrapDriverError("commit transaction", err)
	}
	c.txTables = make(map[string]bool)
	return true, nil
}

// Rollback discards the whole transaction regardless of nesting depth.
// It reports false when no transaction was active. Tables changed inside the
// transaction are invalidated again once the driver has rolled back.
func (c *Connection) Rollback() (bool, error) {
	if c.depth == 0 {
		return false, nil
	}
	c.depth = 0
	rbErr := c.driver.Rollback()

	tables := make([]string, 0, len(c.txTables))
	for table := range c.txTables {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	c.txTables = make(map[string]bool)
	var invErr error
	ctx := context.Background()
	for _, table := range tables {
		if err := c.ChangedTable(ctx, table); err != nil && invErr == nil {
			invErr = err
		}
	}

	if rbErr != nil {
		return true, wrapDriverError("rollback transaction", rbErr)
	}
	return true, invErr
}

// InTransaction reports whether a native transaction is open.
func (c *Connection) InTransaction() bool {
	return c.depth > 0
}

// TransactionDepth returns the current nesting depth.
func (c *Connection) TransactionDepth() int {
	return c.depth
}

// ensureTransaction opens a transaction for a write when none is active.
// Writes never commit on their own.
func (c *Connection) ensureTransaction(ctx context.Context) error {
	if c.depth > 0 {
		return nil
	}
	return c.Begin(ctx)
}

// --- Guardrails ---

// counters tracks governed statements. Counts only grow while the
// connection lives.
type counters struct {
	query map[string]int
	table map[string]int
	total int
}

func newCounters() counters {
	return counters{query: make(map[string]int), table: make(map[string]int)}
}

// hit records one statement and reports the first ceiling it breaches.
func (q *counters) hit(sql, table string, limits *Limits) error {
	q.query[sql]++
	q.total++
	if table != "" {
		q.table[table]++
	}
	if limits == nil {
		return nil
	}
	if limits.Query != nil && q.query[sql] > *limits.Query {
		return fmt.Errorf("%w: per query limit %d reached for %q", ErrGuardrailExceeded, *limits.Query, sql)
	}
	if limits.Table != nil && table != "" && q.table[table] > *limits.Table {
		return fmt.Errorf("%w: per table limit %d reached for table %q", ErrGuardrailExceeded, *limits.Table, table)
	}
	if limits.Total != nil && q.total > *limits.Total {
		return fmt.Errorf("%w: total limit %d reached", ErrGuardrailExceeded, *limits.Total)
	}
	return nil
}

// SetQueryLimit changes a ceiling at runtime; nil removes it. The category is
// one of LimitQuery, LimitTable or LimitTotal.
func (c *Connection) SetQueryLimit(category string, n *int) error {
	if n != nil && *n < 0 {
		return fmt.Errorf("%w: negative %s limit %d", ErrConfiguration, category, *n)
	}
	var v *int
	if n != nil {
		v = IntPtr(*n)
	}
	switch category {
	case LimitQuery:
		c.config.Limits.Query = v
	case LimitTable:
		c.config.Limits.Table = v
	case LimitTotal:
		c.config.Limits.Total = v
	default:
		return fmt.Errorf("%w: unknown query limit %q", ErrConfiguration, category)
	}
	return nil
}

// Stats is a read-only view of the statement counters.
type Stats struct {
	Queries          map[string]int `json:"queries"`
	Tables           map[string]int `json:"tables"`
	Total            int            `json:"total"`
	TransactionDepth int            `json:"transaction_depth"`
	DeferredRows     map[string]int `json:"deferred_rows,omitempty"`
}

// Stats returns a copy of the counters.
func (c *Connection) Stats() Stats {
	s := Stats{
		Queries:          make(map[string]int, len(c.counters.query)),
		Tables:           make(map[string]int, len(c.counters.table)),
		Total:            c.counters.total,
		TransactionDepth: c.depth,
	}
	for k, v := range c.counters.query {
		s.Queries[k] = v
	}
	for k, v := range c.counters.table {
		s.Tables[k] = v
	}
	if len(c.deferred) > 0 {
		s.DeferredRows = make(map[string]int, len(c.deferred))
		for table, buf := range c.deferred {
			s.DeferredRows[table] = len(buf.rows)
		}
	}
	return s
}

// --- Execution ---

func (c *Connection) govern(ctx context.Context, sql, table string, opts Options) error {
	if c.closed {
		return ErrClosed
	}
	if opts.Debug {
		log.Printf("QUERY: %s", sql)
	}
	if !opts.NoQueryLimit {
		if err := c.counters.hit(sql, table, c.config.Limits); err != nil {
			log.Printf("GOVERNOR: %v", err)
			return err
		}
	}
	c.events.Publish(ctx, Event{Type: EventQuery, Connection: c.name, Table: table, Query: sql})
	return nil
}

// Query runs a governed statement returning rows. table may be empty; when
// named it is counted against the per-table ceiling, and a statement that is
// not a read (e.g. DELETE ... RETURNING) invalidates the table's caches.
func (c *Connection) Query(ctx context.Context, sql, table string, opts Options) (*Cursor, error) {
	raw, err := c.query(ctx, sql, table, opts)
	if err != nil {
		return nil, err
	}
	if table != "" && !isReadStatement(sql) {
		if err := c.ChangedTable(ctx, table); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return newCursor(raw, nil), nil
}

// readKeywords are the leading keywords of statements that change nothing.
var readKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true, "PRAGMA": true,
	"EXPLAIN": true, "DESCRIBE": true, "DESC": true, "VALUES": true,
}

func isReadStatement(sql string) bool {
	word := strings.TrimLeft(strings.TrimSpace(sql), "(")
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word = word[:i]
	}
	return readKeywords[strings.ToUpper(word)]
}

// Exec runs a governed statement returning no rows. A successful statement
// against a named table invalidates that table's caches.
func (c *Connection) Exec(ctx context.Context, sql, table string, opts Options) (Result, error) {
	if err := c.govern(ctx, sql, table, opts); err != nil {
		return Result{}, err
	}
	res, err := c.driver.Exec(ctx, sql)
	if err != nil {
		return Result{}, wrapDriverError("exec", err)
	}
	if table != "" {
		if err := c.ChangedTable(ctx, table); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Connection) query(ctx context.Context, sql, table string, opts Options) (RowCursor, error) {
	if err := c.govern(ctx, sql, table, opts); err != nil {
		return nil, err
	}
	rows, err := c.driver.Query(ctx, sql)
	if err != nil {
		return nil, wrapDriverError("query", err)
	}
	return rows, nil
}

// ChangedTable drops every cached entry of the table, in memory and in the
// external store, and notifies subscribers.
func (c *Connection) ChangedTable(ctx context.Context, table string) error {
	if c.depth > 0 {
		c.txTables[table] = true
	}
	c.memo.Purge(table)
	if c.cache != nil {
		if err := c.cache.InvalidateTags(ctx, c.cacheTag(table)); err != nil {
			return fmt.Errorf("invalidating cache of table %q: %w", table, err)
		}
	}
	c.events.Publish(ctx, Event{Type: EventTableChanged, Connection: c.name, Table: table})
	return nil
}

func wrapDriverError(op string, err error) error {
	if errors.Is(err, ErrDriver) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDriver, err)
}
