// Package sqlite opens SQLite databases as dbconn drivers.
package sqlite

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/drivers/db"
)

const (
	defaultBusyTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// DSN builds the go-sqlite3 connection string with foreign keys enforced.
func DSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeout.Milliseconds())
}

// Open opens the database at path and verifies it with a ping. An
// in-memory database is limited to a single pooled connection so every
// statement sees the same data.
func Open(ctx context.Context, path string) (*db.Adapter, error) {
	log.Printf("Initializing SQLite adapter with path: %s", path)
	pool, err := sqlx.Open("sqlite3", DSN(path, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sqlite database %s: %w", dbconn.ErrDriver, path, err)
	}
	if path == Memory {
		pool.SetMaxOpenConns(1)
	} else {
		pool.SetMaxOpenConns(defaultMaxOpenConns)
		pool.SetMaxIdleConns(defaultMaxIdleConns)
		pool.SetConnMaxLifetime(defaultConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping sqlite database: %w", dbconn.ErrDriver, err)
	}
	log.Println("SQLite adapter initialized successfully.")
	return db.NewAdapter(pool, "sqlite", ClassifyError), nil
}

// --- Error classification ---

var deleteTarget = regexp.MustCompile(`(?i)^\s*DELETE\s+FROM\s+"?([^"\s]+)"?`)

type foreignKey struct {
	ID       int     `db:"id"`
	Seq      int     `db:"seq"`
	Table    string  `db:"table"`
	From     string  `db:"from"`
	To       *string `db:"to"`
	OnUpdate string  `db:"on_update"`
	OnDelete string  `db:"on_delete"`
	Match    string  `db:"match"`
}

// ClassifyError turns a failed DELETE into a *dbconn.ConstraintViolationError.
// SQLite does not name the offending constraint, so the referencing table
// is looked up in the schema.
func ClassifyError(ctx context.Context, q sqlx.QueryerContext, query string, err error) error {
	if !strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return nil
	}
	m := deleteTarget.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	referenced := m[1]

	var tables []string
	if lerr := sqlx.SelectContext(ctx, q, &tables, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name"); lerr != nil {
		log.Printf("WARN: sqlite foreign key lookup failed: %v", lerr)
		return nil
	}
	for _, table := range tables {
		var fks []foreignKey
		if lerr := sqlx.SelectContext(ctx, q, &fks, fmt.Sprintf("PRAGMA foreign_key_list(%q)", table)); lerr != nil {
			log.Printf("WARN: sqlite foreign key lookup on %s failed: %v", table, lerr)
			continue
		}
		for _, fk := range fks {
			if !strings.EqualFold(fk.Table, referenced) {
				continue
			}
			to := ""
			if fk.To != nil {
				to = *fk.To
			}
			return &dbconn.ConstraintViolationError{
				ReferencingTable: table,
				Column:           fk.From,
				ReferencedTable:  referenced,
				ReferencedColumn: to,
				Err:              err,
			}
		}
	}
	return nil
}
