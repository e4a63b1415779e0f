package dbconn

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// deferredBuffer accumulates rows for one table. Every row shares the
// options that opened the buffer.
type deferredBuffer struct {
	opts Options
	rows []Row
}

func (c *Connection) checkDeferred(table, action string) error {
	if _, open := c.deferred[table]; open {
		return fmt.Errorf("%w: table %q has open deferred inserts; cannot %s", ErrUnsafeOperation, table, action)
	}
	return nil
}

// deferInsert buffers a row and flushes once the threshold is reached.
func (c *Connection) deferInsert(ctx context.Context, table string, data Row, opts Options) error {
	buf, open := c.deferred[table]
	if !open {
		buf = &deferredBuffer{opts: opts.Clone()}
		c.deferred[table] = buf
	} else if !buf.opts.sameAs(opts) {
		return fmt.Errorf("%w: cannot defer inserts with different options on table %q", ErrConfiguration, table)
	}
	buf.rows = append(buf.rows, data.Clone())
	if n := *buf.opts.Defer; n > 0 && len(buf.rows) >= n {
		return c.Flush(ctx, table)
	}
	return nil
}

// Flush writes the buffered rows of a table as one bulk insert. Tables
// without a buffer are a no-op.
func (c *Connection) Flush(ctx context.Context, table string) error {
	buf, open := c.deferred[table]
	if !open {
		return nil
	}
	if len(buf.rows) == 0 {
		delete(c.deferred, table)
		return nil
	}

	opts := buf.opts.Clone()
	opts.Defer = nil
	sql, err := c.builder.BuildInsert(table, buf.rows, opts)
	if err != nil {
		return fmt.Errorf("building bulk insert for %q: %w", table, err)
	}
	if sql != "" {
		if err := c.ensureTransaction(ctx); err != nil {
			return err
		}
		// A failed flush keeps the buffer so the caller can retry.
		if _, err := c.Exec(ctx, sql, table, opts); err != nil {
			return fmt.Errorf("bulk insert of %d rows into %q: %w", len(buf.rows), table, err)
		}
		if opts.Debug {
			log.Printf("DB BULK INSERT: %d rows into %s", len(buf.rows), table)
		}
	}
	delete(c.deferred, table)
	return nil
}

// FlushAll flushes every open buffer in table-name order.
func (c *Connection) FlushAll(ctx context.Context) error {
	tables := make([]string, 0, len(c.deferred))
	for table := range c.deferred {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		if err := c.Flush(ctx, table); err != nil {
			return err
		}
	}
	return nil
}
