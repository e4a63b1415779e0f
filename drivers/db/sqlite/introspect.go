package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/burugo/dbconn"
)

// Queryer is satisfied by *db.Adapter; statements run on its open
// transaction, if any.
type Queryer interface {
	Queryer() sqlx.QueryerContext
}

// Introspector implements dbconn.SchemaProvider for SQLite.
type Introspector struct {
	DB Queryer
}

var _ dbconn.SchemaProvider = (*Introspector)(nil)

type columnInfo struct {
	CID       int            `db:"cid"`
	Name      string         `db:"name"`
	Type      string         `db:"type"`
	NotNull   int            `db:"notnull"`
	DfltValue sql.NullString `db:"dflt_value"`
	PK        int            `db:"pk"`
}

// GetTable introspects the table with PRAGMA table_info. A missing table
// yields nil.
func (si *Introspector) GetTable(ctx context.Context, name string) (*dbconn.TableModel, error) {
	if si.DB == nil {
		return nil, fmt.Errorf("%w: sqlite introspector has no database", dbconn.ErrConfiguration)
	}
	var cols []columnInfo
	if err := sqlx.SelectContext(ctx, si.DB.Queryer(), &cols, fmt.Sprintf("PRAGMA table_info(%q)", name)); err != nil {
		return nil, fmt.Errorf("%w: PRAGMA table_info failed: %w", dbconn.ErrDriver, err)
	}
	if len(cols) == 0 {
		return nil, nil
	}

	model := &dbconn.TableModel{Name: name, Columns: make(map[string]dbconn.Column, len(cols))}
	var pk []columnInfo
	for _, c := range cols {
		model.Columns[c.Name] = dbconn.Column{
			Type:     dbconn.NormalizeColumnType(c.Type),
			Nullable: c.NotNull == 0,
		}
		if c.PK > 0 {
			pk = append(pk, c)
		}
	}
	// pk holds the 1-based position inside the primary key
	sort.Slice(pk, func(i, j int) bool { return pk[i].PK < pk[j].PK })
	for _, c := range pk {
		model.PrimaryKey = append(model.PrimaryKey, c.Name)
	}
	return model, nil
}
