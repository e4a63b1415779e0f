// Package sqlbuilder renders dbconn operations as SQL text. Values are
// inlined as escaped literals, since the connection contract carries plain
// statements.
package sqlbuilder

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/burugo/dbconn"
)

// DefaultPrimaryKey is the column targeted by a bare Where.ID when the
// connection did not resolve it.
const DefaultPrimaryKey = "id"

var allowedOperators = map[string]bool{
	"=": true, "!=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true,
	"LIKE": true, "NOT LIKE": true, "IN": true, "NOT IN": true, "IS": true, "IS NOT": true,
}

// Builder is the default dbconn.QueryBuilder.
type Builder struct {
	dialect Dialect
}

var _ dbconn.QueryBuilder = (*Builder)(nil)

// New creates a builder for the dialect.
func New(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Dialect returns the dialect of the builder.
func (b *Builder) Dialect() Dialect {
	return b.dialect
}

// --- Identifiers and values ---

// Ident quotes a possibly qualified identifier ("orders.id"). "*" parts are
// left as is.
func (b *Builder) Ident(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p != "*" {
			parts[i] = b.dialect.QuoteIdent(p)
		}
	}
	return strings.Join(parts, ".")
}

// Value renders a Go value as an SQL literal.
func (b *Builder) Value(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case string:
		return b.dialect.QuoteString(x), nil
	case []byte:
		return b.dialect.QuoteString(string(x)), nil
	case int:
		return strconv.Itoa(x), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), nil
	case float32:
		return formatFloat(float64(x)), nil
	case float64:
		return formatFloat(x), nil
	case time.Time:
		return b.dialect.QuoteString(x.Format("2006-01-02 15:04:05")), nil
	case []float64:
		if len(x) != 2 {
			return "", fmt.Errorf("%w: point needs 2 coordinates, got %d", dbconn.ErrConfiguration, len(x))
		}
		return b.dialect.Point(x[0], x[1]), nil
	case fmt.Stringer:
		return b.dialect.QuoteString(x.String()), nil
	}
	return "", fmt.Errorf("%w: unsupported value type %T", dbconn.ErrConfiguration, v)
}

// --- Predicates ---

func (b *Builder) where(w dbconn.Where) (string, error) {
	conds := make(map[string]interface{}, len(w.Conditions)+1)
	for k, v := range w.Conditions {
		conds[k] = v
	}
	if w.ID != nil {
		if _, set := conds[DefaultPrimaryKey]; !set {
			conds[DefaultPrimaryKey] = *w.ID
		}
	}
	if len(conds) == 0 {
		return "", nil
	}

	columns := make([]string, 0, len(conds))
	for k := range conds {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		p, err := b.condition(col, conds[col])
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func (b *Builder) condition(column string, v interface{}) (string, error) {
	col := b.Ident(column)
	if op, ok := v.(dbconn.Op); ok {
		return b.operator(col, op)
	}
	if v == nil {
		return col + " IS NULL", nil
	}
	if isList(v) {
		return b.in(col, "IN", v)
	}
	lit, err := b.Value(v)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", column, err)
	}
	return col + " = " + lit, nil
}

func (b *Builder) operator(col string, op dbconn.Op) (string, error) {
	operator := strings.ToUpper(strings.TrimSpace(op.Operator))
	if !allowedOperators[operator] {
		return "", fmt.Errorf("%w: unsupported operator %q", dbconn.ErrConfiguration, op.Operator)
	}
	switch {
	case operator == "IN" || operator == "NOT IN":
		return b.in(col, operator, op.Value)
	case op.Value == nil && (operator == "=" || operator == "IS"):
		return col + " IS NULL", nil
	case op.Value == nil && (operator == "!=" || operator == "<>" || operator == "IS NOT"):
		return col + " IS NOT NULL", nil
	}
	lit, err := b.Value(op.Value)
	if err != nil {
		return "", err
	}
	return col + " " + operator + " " + lit, nil
}

func (b *Builder) in(col, operator string, list interface{}) (string, error) {
	if !isList(list) {
		return "", fmt.Errorf("%w: %s needs a list, got %T", dbconn.ErrConfiguration, operator, list)
	}
	rv := reflect.ValueOf(list)
	if rv.Len() == 0 {
		if operator == "IN" {
			return "1 = 0", nil
		}
		return "1 = 1", nil
	}
	items := make([]string, rv.Len())
	for i := range items {
		lit, err := b.Value(rv.Index(i).Interface())
		if err != nil {
			return "", err
		}
		items[i] = lit
	}
	return col + " " + operator + " (" + strings.Join(items, ", ") + ")", nil
}

// isList reports slices and arrays that are not byte strings.
func isList(v interface{}) bool {
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// --- Statements ---

// BuildSelect renders a SELECT.
func (b *Builder) BuildSelect(table string, w dbconn.Where, opts dbconn.Options) (string, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	switch {
	case opts.FieldsRaw != "":
		sb.WriteString(opts.FieldsRaw)
	case len(opts.Fields) > 0:
		fields := make([]string, len(opts.Fields))
		for i, f := range opts.Fields {
			fields[i] = b.Ident(f)
		}
		sb.WriteString(strings.Join(fields, ", "))
	case len(opts.Joins) > 0:
		sb.WriteString(b.Ident(table) + ".*")
	default:
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(b.Ident(table))
	for _, j := range opts.Joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}

	clause, err := b.where(w)
	if err != nil {
		return "", err
	}
	sb.WriteString(clause)

	if opts.GroupBy != "" {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(opts.GroupBy)
	}
	sb.WriteString(b.orderBy(opts))
	sb.WriteString(b.dialect.Paging(opts.Limit, opts.Offset))
	return sb.String(), nil
}

func (b *Builder) orderBy(opts dbconn.Options) string {
	if opts.OrderByRaw != "" {
		return " ORDER BY " + opts.OrderByRaw
	}
	if len(opts.OrderBy) == 0 {
		return ""
	}
	keys := make([]string, len(opts.OrderBy))
	for i, o := range opts.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		keys[i] = b.Ident(o.Column) + " " + dir
	}
	return " ORDER BY " + strings.Join(keys, ", ")
}

// BuildInsert renders a single or bulk INSERT. Columns missing from some
// rows are inserted as NULL.
func (b *Builder) BuildInsert(table string, rows []dbconn.Row, _ dbconn.Options) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	if len(columns) == 0 {
		if len(rows) > 1 {
			return "", fmt.Errorf("%w: bulk insert into %q without columns", dbconn.ErrConfiguration, table)
		}
		return b.dialect.EmptyInsert(b.Ident(table)), nil
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = b.Ident(c)
	}
	tuples := make([]string, len(rows))
	for i, row := range rows {
		values := make([]string, len(columns))
		for j, c := range columns {
			lit, err := b.Value(row[c])
			if err != nil {
				return "", fmt.Errorf("column %s: %w", c, err)
			}
			values[j] = lit
		}
		tuples[i] = "(" + strings.Join(values, ", ") + ")"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", b.Ident(table), strings.Join(quoted, ", "), strings.Join(tuples, ", ")), nil
}

// BuildUpdate renders an UPDATE. An empty payload yields "".
func (b *Builder) BuildUpdate(table string, w dbconn.Where, data dbconn.Row, _ dbconn.Options) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	columns := make([]string, 0, len(data))
	for k := range data {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	sets := make([]string, len(columns))
	for i, c := range columns {
		lit, err := b.Value(data[c])
		if err != nil {
			return "", fmt.Errorf("column %s: %w", c, err)
		}
		sets[i] = b.Ident(c) + " = " + lit
	}
	clause, err := b.where(w)
	if err != nil {
		return "", err
	}
	return "UPDATE " + b.Ident(table) + " SET " + strings.Join(sets, ", ") + clause, nil
}

// BuildDelete renders a DELETE.
func (b *Builder) BuildDelete(table string, w dbconn.Where, _ dbconn.Options) (string, error) {
	clause, err := b.where(w)
	if err != nil {
		return "", err
	}
	return "DELETE FROM " + b.Ident(table) + clause, nil
}

// BuildUnion joins the part selects with UNION and appends the raw ordering
// and paging of opts.
func (b *Builder) BuildUnion(parts []dbconn.UnionPart, opts dbconn.Options) (string, error) {
	if len(parts) == 0 {
		return "", nil
	}
	if len(opts.OrderBy) > 0 {
		return "", fmt.Errorf("%w: union selects only support raw ordering", dbconn.ErrConfiguration)
	}
	selects := make([]string, len(parts))
	for i, p := range parts {
		sql, err := b.BuildSelect(p.Table, p.Where, p.Options)
		if err != nil {
			return "", fmt.Errorf("union part %d: %w", i, err)
		}
		selects[i] = sql
	}
	sql := strings.Join(selects, " UNION ")
	if opts.OrderByRaw != "" {
		sql += " ORDER BY " + opts.OrderByRaw
	}
	return sql + b.dialect.Paging(opts.Limit, opts.Offset), nil
}
