package dbconn

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/burugo/dbconn/internal/utils"
)

// Row is a single result row keyed by column name.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// --- Where ---

// Where selects the rows an operation targets. The zero value targets the
// whole table. Use ByID for the bare primary-key shortcut and Cond for a
// structured predicate.
type Where struct {
	ID         *int64                 `json:"id,omitempty"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
}

// ByID targets a single row by its primary key.
func ByID(id int64) Where {
	return Where{ID: &id}
}

// Cond targets rows matching every condition. Values may be scalars
// (equality), nil (IS NULL), slices (IN) or an Op.
func Cond(conditions map[string]interface{}) Where {
	return Where{Conditions: conditions}
}

// IsEmpty reports whether the predicate targets the full table.
func (w Where) IsEmpty() bool {
	return w.ID == nil && len(w.Conditions) == 0
}

// Clone copies the conditions map so providers can rewrite it freely.
func (w Where) Clone() Where {
	c := Where{}
	if w.ID != nil {
		id := *w.ID
		c.ID = &id
	}
	if w.Conditions != nil {
		c.Conditions = make(map[string]interface{}, len(w.Conditions))
		for k, v := range w.Conditions {
			c.Conditions[k] = v
		}
	}
	return c
}

// primaryKeyValue returns the primary-key id when w is an exact
// single-primary-key lookup for a table whose primary key is pk.
func (w Where) primaryKeyValue(pk []string) (int64, bool) {
	if w.ID != nil {
		return *w.ID, len(w.Conditions) == 0 && len(pk) == 1
	}
	if len(w.Conditions) != 1 || len(pk) != 1 {
		return 0, false
	}
	v, ok := w.Conditions[pk[0]]
	if !ok {
		return 0, false
	}
	return utils.ToInt64(v)
}

// Op is a condition with an explicit operator, e.g. Op{">", 10}.
type Op struct {
	Operator string      `json:"op"`
	Value    interface{} `json:"value"`
}

// --- Options ---

// OrderField is one key of a structured ORDER BY.
type OrderField struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Asc and Desc build OrderFields.
func Asc(column string) OrderField  { return OrderField{Column: column} }
func Desc(column string) OrderField { return OrderField{Column: column, Desc: true} }

// Options carries the recognized per-call option keys. The zero value is
// the default for every key.
type Options struct {
	NoCache bool `json:"no_cache,omitempty"` // cache: false

	OrderBy    []OrderField `json:"order_by,omitempty"`     // order_by, structured form
	OrderByRaw string       `json:"order_by_raw,omitempty"` // order_by, raw SQL form
	Fields     []string     `json:"fields,omitempty"`       // fields, structured form
	FieldsRaw  string       `json:"fields_raw,omitempty"`   // fields, raw SQL form
	GroupBy    string       `json:"group_by,omitempty"`
	Joins      []string     `json:"joins,omitempty"`
	Limit      int          `json:"limit,omitempty"` // 0 = no limit
	Offset     int          `json:"offset,omitempty"`

	// NoStream makes SelectAll materialize before returning (stream: false).
	NoStream bool `json:"no_stream,omitempty"`

	// Defer buffers inserts: nil = immediate, 0 = until flush, n>0 = every n rows.
	Defer *int `json:"defer,omitempty"`

	// Confirm allows full-table updates and deletes.
	Confirm bool `json:"confirm,omitempty"`
	// NoAlter bypasses the hook pipeline (alter: false).
	NoAlter bool `json:"no_alter,omitempty"`
	// NoInMemoryCache disables the connection-local memo (in_memory_cache: false).
	NoInMemoryCache bool `json:"no_in_memory_cache,omitempty"`
	// NoQueryLimit skips guardrail accounting (query_limit: false).
	NoQueryLimit bool `json:"no_query_limit,omitempty"`
	// Debug logs the SQL text of every statement.
	Debug bool `json:"debug,omitempty"`

	// Extra carries provider-specific keys. Any key makes a select uncacheable.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// DeferFor returns a pointer suitable for Options.Defer.
func DeferFor(n int) *int {
	return &n
}

// Clone copies the slices and maps of o.
func (o Options) Clone() Options {
	c := o
	c.OrderBy = append([]OrderField(nil), o.OrderBy...)
	c.Fields = append([]string(nil), o.Fields...)
	c.Joins = append([]string(nil), o.Joins...)
	if o.Defer != nil {
		d := *o.Defer
		c.Defer = &d
	}
	if o.Extra != nil {
		c.Extra = make(map[string]interface{}, len(o.Extra))
		for k, v := range o.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// IsZero reports whether no option is set.
func (o Options) IsZero() bool {
	return reflect.DeepEqual(normalizedOptions(o), Options{})
}

// hasUnsafeKeys reports whether any option outside {cache, order_by, limit,
// offset, fields, stream} is set.
func (o Options) hasUnsafeKeys() bool {
	return o.GroupBy != "" || len(o.Joins) > 0 || o.Defer != nil || o.Confirm ||
		o.NoAlter || o.NoInMemoryCache || o.NoQueryLimit || o.Debug || len(o.Extra) > 0
}

// sameAs compares two option sets field by field, treating nil and empty
// slices/maps as equal.
func (o Options) sameAs(other Options) bool {
	return reflect.DeepEqual(normalizedOptions(o), normalizedOptions(other))
}

func normalizedOptions(o Options) Options {
	if len(o.OrderBy) == 0 {
		o.OrderBy = nil
	}
	if len(o.Fields) == 0 {
		o.Fields = nil
	}
	if len(o.Joins) == 0 {
		o.Joins = nil
	}
	if len(o.Extra) == 0 {
		o.Extra = nil
	}
	return o
}

// mergeOptions overlays override onto base. Set fields of override win;
// Extra maps are merged key by key, recursing into nested maps.
func mergeOptions(base, override Options) Options {
	m := base.Clone()
	m.NoCache = m.NoCache || override.NoCache
	m.NoStream = m.NoStream || override.NoStream
	m.Confirm = m.Confirm || override.Confirm
	m.NoAlter = m.NoAlter || override.NoAlter
	m.NoInMemoryCache = m.NoInMemoryCache || override.NoInMemoryCache
	m.NoQueryLimit = m.NoQueryLimit || override.NoQueryLimit
	m.Debug = m.Debug || override.Debug
	if len(override.OrderBy) > 0 {
		m.OrderBy = append([]OrderField(nil), override.OrderBy...)
	}
	if override.OrderByRaw != "" {
		m.OrderByRaw = override.OrderByRaw
	}
	if len(override.Fields) > 0 {
		m.Fields = append([]string(nil), override.Fields...)
	}
	if override.FieldsRaw != "" {
		m.FieldsRaw = override.FieldsRaw
	}
	if override.GroupBy != "" {
		m.GroupBy = override.GroupBy
	}
	if len(override.Joins) > 0 {
		m.Joins = append(m.Joins, override.Joins...)
	}
	if override.Limit > 0 {
		m.Limit = override.Limit
	}
	if override.Offset > 0 {
		m.Offset = override.Offset
	}
	if override.Defer != nil {
		m.Defer = DeferFor(*override.Defer)
	}
	if len(override.Extra) > 0 {
		m.Extra = mergeMaps(m.Extra, override.Extra)
	}
	return m
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		sub, ok := v.(map[string]interface{})
		existing, ok2 := out[k].(map[string]interface{})
		if ok && ok2 {
			out[k] = mergeMaps(existing, sub)
			continue
		}
		out[k] = v
	}
	return out
}

func (o Options) validate() error {
	if o.Limit < 0 || o.Offset < 0 {
		return fmt.Errorf("%w: invalid limit %d / offset %d", ErrConfiguration, o.Limit, o.Offset)
	}
	if o.Defer != nil && *o.Defer < 0 {
		return fmt.Errorf("%w: invalid defer value %d", ErrConfiguration, *o.Defer)
	}
	return nil
}

// --- Physical sub-operations ---

// QueryKind is the statement a Query runs as.
type QueryKind int

const (
	// QueryDefault runs as the operation of the batch: an insert inside
	// Insert, an update inside Update.
	QueryDefault QueryKind = iota
	QueryInsert
	QueryUpdate
)

// Query is one physical insert or update produced by the hook pipeline.
type Query struct {
	Kind    QueryKind
	Table   string
	Where   Where
	Data    Row
	Options Options
	// DependsOn maps a column of Data to the index of an earlier query in the
	// same batch; the column is set to that query's generated id before execution.
	DependsOn map[string]int
}

// memoKey serializes a where/options pair deterministically. encoding/json
// sorts map keys, so equal predicates always produce equal keys.
func memoKey(where Where, opts Options) string {
	raw, err := json.Marshal(struct {
		Where   Where   `json:"w"`
		Options Options `json:"o"`
	}{where, normalizedOptions(opts)})
	if err != nil {
		return fmt.Sprintf("unserializable:%v:%v", where, opts)
	}
	return string(raw)
}
