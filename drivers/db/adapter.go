// Package db adapts a *sqlx.DB to the dbconn.Driver contract. Backend
// packages (sqlite, mysql) open the pool and plug in error classification
// and schema introspection.
package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/burugo/dbconn"
)

// Classifier may rewrite a failed statement's error, for example into a
// *dbconn.ConstraintViolationError. q is the handle the statement ran on.
// Returning nil keeps the original error.
type Classifier func(ctx context.Context, q sqlx.QueryerContext, query string, err error) error

// Adapter implements dbconn.Driver over sqlx. While a transaction is open
// every statement runs on it.
type Adapter struct {
	db       *sqlx.DB
	tx       *sqlx.Tx
	dialect  string
	classify Classifier

	closeMx sync.Mutex
	closed  bool
}

var _ dbconn.Driver = (*Adapter)(nil)

// NewAdapter wraps an open pool. classify may be nil.
func NewAdapter(db *sqlx.DB, dialect string, classify Classifier) *Adapter {
	return &Adapter{db: db, dialect: dialect, classify: classify}
}

// DB returns the underlying pool.
func (a *Adapter) DB() *sqlx.DB {
	return a.db
}

// Queryer returns the open transaction, or the pool when none is open.
func (a *Adapter) Queryer() sqlx.QueryerContext {
	if a.tx != nil {
		return a.tx
	}
	return a.db
}

func (a *Adapter) execer() sqlx.ExecerContext {
	if a.tx != nil {
		return a.tx
	}
	return a.db
}

// Query runs a statement returning rows.
func (a *Adapter) Query(ctx context.Context, query string) (dbconn.RowCursor, error) {
	if a.isClosed() {
		return nil, fmt.Errorf("%w: adapter is closed", dbconn.ErrDriver)
	}
	start := time.Now()
	q := a.Queryer()
	rows, err := q.QueryxContext(ctx, query)
	if err != nil {
		log.Printf("DB Query Error: %s (%s) - %v", query, time.Since(start), err)
		return nil, a.fail(ctx, q, query, "query", err)
	}
	log.Printf("DB Query: %s (%s)", query, time.Since(start))
	return &rowCursor{rows: rows}, nil
}

// Exec runs a statement returning no rows.
func (a *Adapter) Exec(ctx context.Context, query string) (dbconn.Result, error) {
	if a.isClosed() {
		return dbconn.Result{}, fmt.Errorf("%w: adapter is closed", dbconn.ErrDriver)
	}
	start := time.Now()
	result, err := a.execer().ExecContext(ctx, query)
	duration := time.Since(start)
	if err != nil {
		log.Printf("DB Exec Error: %s (%s) - %v", query, duration, err)
		return dbconn.Result{}, a.fail(ctx, a.Queryer(), query, "exec", err)
	}
	// Drivers without support report an error here; zero is fine then.
	rowsAffected, _ := result.RowsAffected()
	lastInsertID, _ := result.LastInsertId()
	log.Printf("DB Exec: %s (Affected: %d, LastInsertID: %d) (%s)", query, rowsAffected, lastInsertID, duration)
	return dbconn.Result{RowsAffected: rowsAffected, LastInsertID: lastInsertID}, nil
}

// Begin opens the native transaction.
func (a *Adapter) Begin(ctx context.Context) error {
	if a.isClosed() {
		return fmt.Errorf("%w: adapter is closed", dbconn.ErrDriver)
	}
	if a.tx != nil {
		return fmt.Errorf("%w: %s transaction already open", dbconn.ErrDriver, a.dialect)
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin %s transaction: %w", dbconn.ErrDriver, a.dialect, err)
	}
	a.tx = tx
	log.Println("DB Transaction Started")
	return nil
}

// Commit commits the native transaction.
func (a *Adapter) Commit() error {
	if a.tx == nil {
		return fmt.Errorf("%w: no %s transaction to commit", dbconn.ErrDriver, a.dialect)
	}
	tx := a.tx
	a.tx = nil
	if err := tx.Commit(); err != nil {
		log.Printf("DB Transaction Commit Error: %v", err)
		return fmt.Errorf("%w: %s commit: %w", dbconn.ErrDriver, a.dialect, err)
	}
	log.Println("DB Transaction Committed")
	return nil
}

// Rollback discards the native transaction.
func (a *Adapter) Rollback() error {
	if a.tx == nil {
		return fmt.Errorf("%w: no %s transaction to roll back", dbconn.ErrDriver, a.dialect)
	}
	tx := a.tx
	a.tx = nil
	if err := tx.Rollback(); err != nil {
		log.Printf("DB Transaction Rollback Error: %v", err)
		return fmt.Errorf("%w: %s rollback: %w", dbconn.ErrDriver, a.dialect, err)
	}
	log.Println("DB Transaction Rolled Back")
	return nil
}

// Close rolls back a dangling transaction and closes the pool.
func (a *Adapter) Close() error {
	a.closeMx.Lock()
	defer a.closeMx.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.tx != nil {
		if err := a.tx.Rollback(); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("DB Close: rollback of open transaction failed: %v", err)
		}
		a.tx = nil
	}
	log.Printf("%s adapter closed.", a.dialect)
	return a.db.Close()
}

func (a *Adapter) isClosed() bool {
	a.closeMx.Lock()
	defer a.closeMx.Unlock()
	return a.closed
}

func (a *Adapter) fail(ctx context.Context, q sqlx.QueryerContext, query, op string, err error) error {
	wrapped := fmt.Errorf("%w: %s %s: %w", dbconn.ErrDriver, a.dialect, op, err)
	if a.classify != nil {
		if classified := a.classify(ctx, q, query, wrapped); classified != nil {
			return classified
		}
	}
	return wrapped
}

// rowCursor turns the raw []byte values of text columns into strings.
type rowCursor struct {
	rows *sqlx.Rows
}

func (c *rowCursor) Next() bool { return c.rows.Next() }
func (c *rowCursor) Err() error { return c.rows.Err() }
func (c *rowCursor) Close() error {
	return c.rows.Close()
}

func (c *rowCursor) MapScan(dest map[string]interface{}) error {
	if err := c.rows.MapScan(dest); err != nil {
		return err
	}
	for k, v := range dest {
		if b, ok := v.([]byte); ok {
			dest[k] = string(b)
		}
	}
	return nil
}
