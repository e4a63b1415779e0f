package dbconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/burugo/dbconn/internal/cache"
	"github.com/burugo/dbconn/internal/utils"
)

// --- Fake builder and driver ---
//
// The fake builder renders each structured statement as its JSON text and
// remembers the statement under that text; the fake driver evaluates the
// remembered statement against in-memory tables. Equal statements produce
// equal SQL, so guardrails see realistic query texts.

type stmt struct {
	Kind     string                 `json:"kind"`
	Table    string                 `json:"table,omitempty"`
	Where    map[string]interface{} `json:"where,omitempty"`
	Count    bool                   `json:"count,omitempty"`
	Fields   []string               `json:"fields,omitempty"`
	Order    []OrderField           `json:"order,omitempty"`
	OrderRaw string                 `json:"order_raw,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Offset   int                    `json:"offset,omitempty"`
	Rows     []Row                  `json:"rows,omitempty"`
	Data     Row                    `json:"data,omitempty"`
	Parts    []stmt                 `json:"parts,omitempty"`
}

type registry map[string]stmt

type fakeBuilder struct {
	reg registry
}

func (b *fakeBuilder) render(s stmt) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	text := strings.ToUpper(s.Kind) + " " + string(raw)
	b.reg[text] = s
	return text, nil
}

func selectStmt(table string, w Where, opts Options) (stmt, error) {
	if w.ID != nil {
		return stmt{}, fmt.Errorf("unresolved id shortcut")
	}
	return stmt{
		Kind:   "select",
		Table:  table,
		Where:  w.Conditions,
		Count:  opts.FieldsRaw == "COUNT(*)",
		Fields: opts.Fields,
		Order:  opts.OrderBy,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}, nil
}

func (b *fakeBuilder) BuildSelect(table string, w Where, opts Options) (string, error) {
	s, err := selectStmt(table, w, opts)
	if err != nil {
		return "", err
	}
	return b.render(s)
}

func (b *fakeBuilder) BuildInsert(table string, rows []Row, _ Options) (string, error) {
	return b.render(stmt{Kind: "insert", Table: table, Rows: rows})
}

func (b *fakeBuilder) BuildUpdate(table string, w Where, data Row, _ Options) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	return b.render(stmt{Kind: "update", Table: table, Where: w.Conditions, Data: data})
}

func (b *fakeBuilder) BuildDelete(table string, w Where, _ Options) (string, error) {
	return b.render(stmt{Kind: "delete", Table: table, Where: w.Conditions})
}

func (b *fakeBuilder) BuildUnion(parts []UnionPart, opts Options) (string, error) {
	u := stmt{Kind: "union", OrderRaw: opts.OrderByRaw, Limit: opts.Limit}
	for _, p := range parts {
		s, err := selectStmt(p.Table, p.Where, p.Options)
		if err != nil {
			return "", err
		}
		u.Parts = append(u.Parts, s)
	}
	return b.render(u)
}

type sliceRows struct {
	rows []Row
	pos  int
	cur  Row
}

func (r *sliceRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.cur = r.rows[r.pos]
	r.pos++
	return true
}

func (r *sliceRows) MapScan(dest map[string]interface{}) error {
	for k, v := range r.cur {
		dest[k] = v
	}
	return nil
}

func (r *sliceRows) Err() error   { return nil }
func (r *sliceRows) Close() error { return nil }

type fakeDriver struct {
	reg    registry
	tables map[string][]Row
	nextID map[string]int64

	queries   []string
	execs     []string
	begins    int
	commits   int
	rollbacks int
	closed    bool
	inTx      bool

	execErr error            // returned once by the next Exec
	raw     map[string][]Row // rows for raw SQL
}

func (d *fakeDriver) matches(row Row, where map[string]interface{}) bool {
	for k, v := range where {
		if v == nil {
			if row[k] != nil {
				return false
			}
			continue
		}
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (d *fakeDriver) selectRows(s stmt) []Row {
	var matched []Row
	for _, row := range d.tables[s.Table] {
		if d.matches(row, s.Where) {
			matched = append(matched, row)
		}
	}
	if s.Count {
		return []Row{{"COUNT(*)": int64(len(matched))}}
	}
	sel := cache.Selection{Offset: s.Offset, Limit: s.Limit, Fields: s.Fields}
	for _, o := range s.Order {
		sel.OrderBy = append(sel.OrderBy, cache.Order{Column: o.Column, Desc: o.Desc})
	}
	return cache.Apply(matched, sel)
}

func (d *fakeDriver) Query(_ context.Context, sql string) (RowCursor, error) {
	d.queries = append(d.queries, sql)
	s, ok := d.reg[sql]
	if !ok {
		return &sliceRows{rows: d.raw[sql]}, nil
	}
	switch s.Kind {
	case "select":
		return &sliceRows{rows: d.selectRows(s)}, nil
	case "union":
		var out []Row
		for _, p := range s.Parts {
			out = append(out, d.selectRows(p)...)
		}
		if s.Limit > 0 && len(out) > s.Limit {
			out = out[:s.Limit]
		}
		return &sliceRows{rows: out}, nil
	}
	return nil, fmt.Errorf("unexpected query %s", sql)
}

func (d *fakeDriver) Exec(_ context.Context, sql string) (Result, error) {
	d.execs = append(d.execs, sql)
	if err := d.execErr; err != nil {
		d.execErr = nil
		return Result{}, err
	}
	s, ok := d.reg[sql]
	if !ok {
		return Result{}, nil
	}
	switch s.Kind {
	case "insert":
		var res Result
		for _, r := range s.Rows {
			row := r.Clone()
			id, ok := utils.ToInt64(row["id"])
			if !ok {
				d.nextID[s.Table]++
				id = d.nextID[s.Table]
			} else if id > d.nextID[s.Table] {
				d.nextID[s.Table] = id
			}
			row["id"] = id
			d.tables[s.Table] = append(d.tables[s.Table], row)
			res.LastInsertID = id
			res.RowsAffected++
		}
		return res, nil
	case "update":
		var res Result
		for _, row := range d.tables[s.Table] {
			if d.matches(row, s.Where) {
				for k, v := range s.Data {
					row[k] = v
				}
				res.RowsAffected++
			}
		}
		return res, nil
	case "delete":
		var res Result
		kept := d.tables[s.Table][:0]
		for _, row := range d.tables[s.Table] {
			if d.matches(row, s.Where) {
				res.RowsAffected++
				continue
			}
			kept = append(kept, row)
		}
		d.tables[s.Table] = kept
		return res, nil
	}
	return Result{}, fmt.Errorf("unexpected exec %s", sql)
}

func (d *fakeDriver) Begin(context.Context) error {
	if d.inTx {
		return fmt.Errorf("transaction already open")
	}
	d.begins++
	d.inTx = true
	return nil
}

func (d *fakeDriver) Commit() error {
	d.commits++
	d.inTx = false
	return nil
}

func (d *fakeDriver) Rollback() error {
	d.rollbacks++
	d.inTx = false
	return nil
}

func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}

// countKind counts executed statements of one kind, e.g. "SELECT".
func countKind(statements []string, kind string) int {
	n := 0
	for _, s := range statements {
		if strings.HasPrefix(s, kind+" ") {
			n++
		}
	}
	return n
}

// seed replaces the rows of a table.
func (d *fakeDriver) seed(table string, rows ...Row) {
	d.tables[table] = nil
	for _, r := range rows {
		row := r.Clone()
		d.tables[table] = append(d.tables[table], row)
		if id, ok := utils.ToInt64(row["id"]); ok && id > d.nextID[table] {
			d.nextID[table] = id
		}
	}
}

// --- Fake schema ---

type fakeSchema struct {
	models map[string]*TableModel
	calls  int
}

func (s *fakeSchema) GetTable(_ context.Context, name string) (*TableModel, error) {
	s.calls++
	return s.models[name], nil
}

func testModels() map[string]*TableModel {
	return map[string]*TableModel{
		"users": {
			Name:       "users",
			Columns:    map[string]Column{"id": {Type: "int"}, "name": {Type: "varchar"}, "age": {Type: "int", Nullable: true}, "pos": {Type: "point", Nullable: true}},
			PrimaryKey: []string{"id"},
		},
		"posts": {
			Name:       "posts",
			Columns:    map[string]Column{"id": {Type: "int"}, "user_id": {Type: "int"}, "title": {Type: "varchar"}},
			PrimaryKey: []string{"id"},
		},
		"tags": {
			Name:       "tags",
			Columns:    map[string]Column{"post_id": {Type: "int"}, "tag": {Type: "varchar"}},
			PrimaryKey: []string{"post_id", "tag"},
		},
		"logs": {
			Name:    "logs",
			Columns: map[string]Column{"line": {Type: "text"}},
		},
	}
}

// --- Counting cache store ---

type countingStore struct {
	entries     map[string]*CacheEntry
	tags        map[string][]string
	gets        map[string]int
	computes    map[string]int
	ttls        map[string]time.Duration
	invalidated []string
}

func newCountingStore() *countingStore {
	return &countingStore{
		entries:  make(map[string]*CacheEntry),
		tags:     make(map[string][]string),
		gets:     make(map[string]int),
		computes: make(map[string]int),
		ttls:     make(map[string]time.Duration),
	}
}

func (s *countingStore) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, compute ComputeFunc) (*CacheEntry, error) {
	s.gets[key]++
	if e, ok := s.entries[key]; ok {
		return e, nil
	}
	s.computes[key]++
	e, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	s.entries[key] = e
	s.ttls[key] = ttl
	for _, t := range tags {
		s.tags[t] = append(s.tags[t], key)
	}
	return e, nil
}

func (s *countingStore) DeleteKeys(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

func (s *countingStore) InvalidateTags(_ context.Context, tags ...string) error {
	for _, t := range tags {
		s.invalidated = append(s.invalidated, t)
		for _, k := range s.tags[t] {
			delete(s.entries, k)
		}
		delete(s.tags, t)
	}
	return nil
}

// --- Recording bus ---

type recordingBus struct {
	events []Event
}

func (b *recordingBus) Publish(_ context.Context, e Event) {
	b.events = append(b.events, e)
}

func (b *recordingBus) types() []EventType {
	var out []EventType
	for _, e := range b.events {
		if e.Type != EventQuery {
			out = append(out, e.Type)
		}
	}
	return out
}

// --- Harness ---

type harness struct {
	conn   *Connection
	driver *fakeDriver
	schema *fakeSchema
	store  *countingStore
	bus    *recordingBus
}

func newHarness(t *testing.T, cfg Config, providers ...Provider) *harness {
	t.Helper()
	reg := registry{}
	h := &harness{
		driver: &fakeDriver{reg: reg, tables: map[string][]Row{}, nextID: map[string]int64{}, raw: map[string][]Row{}},
		schema: &fakeSchema{models: testModels()},
		store:  newCountingStore(),
		bus:    &recordingBus{},
	}
	conn, err := New("main", cfg, Deps{
		Driver:    h.driver,
		Builder:   &fakeBuilder{reg: reg},
		Schema:    h.schema,
		Cache:     h.store,
		Events:    h.bus,
		Providers: StaticRegistry(providers),
	})
	require.NoError(t, err)
	h.conn = conn
	return h
}

func (h *harness) seedUsers(n int) {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{"id": int64(i + 1), "name": fmt.Sprintf("user%d", i+1), "age": int64(20 + i%10), "pos": nil}
	}
	h.driver.seed("users", rows...)
}

func (h *harness) selects() int {
	return countKind(h.driver.queries, "SELECT")
}
