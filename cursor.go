package dbconn

// Cursor is a lazy, single-pass sequence of rows. It is not restartable;
// use All to materialize it explicitly.
//
//	cur, err := conn.SelectAll(ctx, "users", dbconn.Where{}, dbconn.Options{})
//	if err != nil { ... }
//	defer cur.Close()
//	for cur.Next() {
//		row := cur.Row()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	src       RowCursor // nil when backed by rows
	rows      []Row
	pos       int
	transform func(Row) (Row, error)

	// collection for the in-memory result cache
	collectMax int // -1 = unbounded
	collected  []Row
	overflow   bool
	onComplete func([]Row)

	row  Row
	err  error
	done bool
}

func newCursor(src RowCursor, transform func(Row) (Row, error)) *Cursor {
	return &Cursor{src: src, transform: transform}
}

func newRowsCursor(rows []Row, transform func(Row) (Row, error)) *Cursor {
	return &Cursor{rows: rows, transform: transform}
}

// collect hands a copy of every produced row to fn once the cursor is
// exhausted without error, provided no more than max rows (max < 0 means no
// bound) were produced.
func (c *Cursor) collect(max int, fn func([]Row)) {
	c.collectMax = max
	c.onComplete = fn
}

// Next advances to the next row. It returns false when the sequence is
// exhausted or an error occurred; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	var row Row
	if c.src != nil {
		if !c.src.Next() {
			c.finish(c.src.Err())
			return false
		}
		raw := make(map[string]interface{})
		if err := c.src.MapScan(raw); err != nil {
			c.finish(wrapDriverError("scan row", err))
			return false
		}
		row = Row(raw)
	} else {
		if c.pos >= len(c.rows) {
			c.finish(nil)
			return false
		}
		row = c.rows[c.pos]
		c.pos++
	}
	if c.transform != nil {
		var err error
		if row, err = c.transform(row); err != nil {
			c.finish(err)
			return false
		}
	}
	c.row = row
	if c.onComplete != nil && !c.overflow {
		if c.collectMax >= 0 && len(c.collected) >= c.collectMax {
			c.overflow = true
			c.collected = nil
		} else {
			c.collected = append(c.collected, row.Clone())
		}
	}
	return true
}

func (c *Cursor) finish(err error) {
	c.done = true
	c.row = nil
	if err != nil && c.err == nil {
		c.err = err
	}
	if c.src != nil {
		if cerr := c.src.Close(); cerr != nil && c.err == nil {
			c.err = wrapDriverError("close rows", cerr)
		}
		c.src = nil
	}
	if c.err == nil && !c.overflow && c.onComplete != nil {
		c.onComplete(c.collected)
	}
	c.onComplete = nil
	c.collected = nil
}

// Row returns the current row.
func (c *Cursor) Row() Row {
	return c.row
}

// Err returns the first error met while iterating.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the underlying driver cursor. Closing before exhaustion
// skips result memoization.
func (c *Cursor) Close() error {
	if c.done {
		return nil
	}
	c.onComplete = nil
	c.finish(nil)
	return c.err
}

// All drains the cursor into a slice and closes it.
func (c *Cursor) All() ([]Row, error) {
	var rows []Row
	for c.Next() {
		rows = append(rows, c.row)
	}
	return rows, c.Err()
}
