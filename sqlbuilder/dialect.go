package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the syntax differences between backends.
type Dialect interface {
	Name() string
	// QuoteIdent quotes a single identifier part.
	QuoteIdent(name string) string
	// QuoteString renders a string literal.
	QuoteString(s string) string
	// Point renders a spatial point literal.
	Point(x, y float64) string
	// EmptyInsert renders an insert of a row with only default values.
	EmptyInsert(table string) string
	// Paging renders the LIMIT/OFFSET clause; limit 0 means no limit.
	Paging(limit, offset int) string
}

// MySQL is the dialect of MySQL and MariaDB.
var MySQL Dialect = mysqlDialect{}

// SQLite is the dialect of SQLite 3.
var SQLite Dialect = sqliteDialect{}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

var mysqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
)

func (mysqlDialect) QuoteString(s string) string {
	return "'" + mysqlEscaper.Replace(s) + "'"
}

func (mysqlDialect) Point(x, y float64) string {
	return fmt.Sprintf("POINT(%s, %s)", formatFloat(x), formatFloat(y))
}

func (d mysqlDialect) EmptyInsert(table string) string {
	return "INSERT INTO " + table + " () VALUES ()"
}

func (mysqlDialect) Paging(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d,%d", offset, limit)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT %d,18446744073709551615", offset)
	}
	return ""
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Point stores points as WKT text; SQLite has no spatial type.
func (d sqliteDialect) Point(x, y float64) string {
	return d.QuoteString(fmt.Sprintf("POINT(%s %s)", formatFloat(x), formatFloat(y)))
}

func (sqliteDialect) EmptyInsert(table string) string {
	return "INSERT INTO " + table + " DEFAULT VALUES"
}

func (sqliteDialect) Paging(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
