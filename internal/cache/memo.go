package cache

// Row is the constraint satisfied by result row types.
type Row interface {
	~map[string]interface{}
}

// tableEntries holds everything memoized for one table.
type tableEntries[R Row] struct {
	snapshot    []R
	hasSnapshot bool
	count       int64
	hasCount    bool
	results     map[string][]R // serialized where+options -> rows
}

// Memo is the connection-local result cache. Every entry belongs to a table;
// Purge drops all entries of a table at once and bumps its generation so
// writes computed before the purge are discarded.
//
// A Memo is not safe for concurrent use; it lives inside one connection.
type Memo[R Row] struct {
	tables      map[string]*tableEntries[R]
	generations map[string]uint64
}

// NewMemo creates an empty memo.
func NewMemo[R Row]() *Memo[R] {
	return &Memo[R]{
		tables:      make(map[string]*tableEntries[R]),
		generations: make(map[string]uint64),
	}
}

// Generation returns the invalidation counter of a table. Capture it before
// computing a value and pass it to the matching Set call.
func (m *Memo[R]) Generation(table string) uint64 {
	return m.generations[table]
}

func (m *Memo[R]) entries(table string, gen uint64) *tableEntries[R] {
	if m.generations[table] != gen {
		return nil
	}
	e, ok := m.tables[table]
	if !ok {
		e = &tableEntries[R]{results: make(map[string][]R)}
		m.tables[table] = e
	}
	return e
}

// Snapshot returns the memoized full-table rows.
func (m *Memo[R]) Snapshot(table string) ([]R, bool) {
	e, ok := m.tables[table]
	if !ok || !e.hasSnapshot {
		return nil, false
	}
	return e.snapshot, true
}

// SetSnapshot stores the full-table rows unless the table changed since gen.
func (m *Memo[R]) SetSnapshot(table string, rows []R, gen uint64) bool {
	e := m.entries(table, gen)
	if e == nil {
		return false
	}
	e.snapshot, e.hasSnapshot = rows, true
	return true
}

// Count returns the memoized full-table count.
func (m *Memo[R]) Count(table string) (int64, bool) {
	e, ok := m.tables[table]
	if !ok || !e.hasCount {
		return 0, false
	}
	return e.count, true
}

// SetCount stores the full-table count unless the table changed since gen.
func (m *Memo[R]) SetCount(table string, n int64, gen uint64) bool {
	e := m.entries(table, gen)
	if e == nil {
		return false
	}
	e.count, e.hasCount = n, true
	return true
}

// Get returns the memoized result of one query.
func (m *Memo[R]) Get(table, key string) ([]R, bool) {
	e, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	rows, ok := e.results[key]
	return rows, ok
}

// Set stores the result of one query unless the table changed since gen.
func (m *Memo[R]) Set(table, key string, rows []R, gen uint64) bool {
	e := m.entries(table, gen)
	if e == nil {
		return false
	}
	e.results[key] = rows
	return true
}

// Purge drops every entry of the table.
func (m *Memo[R]) Purge(table string) {
	delete(m.tables, table)
	m.generations[table]++
}

// Len returns the number of memoized query results across all tables,
// snapshots and counts included.
func (m *Memo[R]) Len() int {
	n := 0
	for _, e := range m.tables {
		n += len(e.results)
		if e.hasSnapshot {
			n++
		}
		if e.hasCount {
			n++
		}
	}
	return n
}
