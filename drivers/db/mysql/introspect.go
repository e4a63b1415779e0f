package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/burugo/dbconn"
)

const errNoSuchTable = 1146

// Queryer is satisfied by *db.Adapter.
type Queryer interface {
	Queryer() sqlx.QueryerContext
}

// Introspector implements dbconn.SchemaProvider for MySQL.
type Introspector struct {
	DB Queryer
}

var _ dbconn.SchemaProvider = (*Introspector)(nil)

type showColumn struct {
	Field   string         `db:"Field"`
	Type    string         `db:"Type"`
	Null    string         `db:"Null"`
	Key     string         `db:"Key"`
	Default sql.NullString `db:"Default"`
	Extra   string         `db:"Extra"`
}

// GetTable introspects the table with SHOW COLUMNS and reads the primary key
// order from information_schema. A missing table yields nil.
func (mi *Introspector) GetTable(ctx context.Context, name string) (*dbconn.TableModel, error) {
	if mi.DB == nil {
		return nil, fmt.Errorf("%w: mysql introspector has no database", dbconn.ErrConfiguration)
	}
	q := mi.DB.Queryer()

	var cols []showColumn
	if err := sqlx.SelectContext(ctx, q, &cols, "SHOW COLUMNS FROM "+quoteIdent(name)); err != nil {
		var me *mysqldriver.MySQLError
		if errors.As(err, &me) && me.Number == errNoSuchTable {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: SHOW COLUMNS failed: %w", dbconn.ErrDriver, err)
	}

	model := &dbconn.TableModel{Name: name, Columns: make(map[string]dbconn.Column, len(cols))}
	for _, c := range cols {
		model.Columns[c.Field] = dbconn.Column{
			Type:     dbconn.NormalizeColumnType(c.Type),
			Nullable: c.Null == "YES",
		}
	}

	var pk []string
	err := sqlx.SelectContext(ctx, q, &pk,
		"SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE"+
			" WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'"+
			" ORDER BY ORDINAL_POSITION", name)
	if err != nil {
		return nil, fmt.Errorf("%w: primary key lookup failed: %w", dbconn.ErrDriver, err)
	}
	model.PrimaryKey = pk
	return model, nil
}

func quoteIdent(name string) string {
	out := []byte{'`'}
	for i := 0; i < len(name); i++ {
		if name[i] == '`' {
			out = append(out, '`')
		}
		out = append(out, name[i])
	}
	return string(append(out, '`'))
}
