// Package mysql opens MySQL databases as dbconn drivers.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/drivers/db"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// MySQL error numbers for foreign-key failures.
const (
	errRowIsReferenced = 1451 // deleting/updating a parent row
	errNoReferencedRow = 1452 // inserting/updating a child row
)

// DSN renders the driver connection string for a connection config.
func DSN(cfg dbconn.Config) string {
	c := mysqldriver.NewConfig()
	c.User = cfg.Username
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Name
	if cfg.Charset != "" {
		c.Params = map[string]string{"charset": cfg.Charset}
	}
	return c.FormatDSN()
}

// Open connects to the server described by cfg and verifies the connection.
// cfg should already carry defaults (see dbconn.Config.WithDefaults).
func Open(ctx context.Context, cfg dbconn.Config) (*db.Adapter, error) {
	log.Printf("Initializing MySQL adapter for %s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
	pool, err := sqlx.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open mysql connection: %w", dbconn.ErrDriver, err)
	}
	pool.SetMaxOpenConns(defaultMaxOpenConns)
	pool.SetMaxIdleConns(defaultMaxIdleConns)
	pool.SetConnMaxLifetime(defaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping mysql database: %w", dbconn.ErrDriver, err)
	}
	log.Println("MySQL adapter initialized successfully.")
	return db.NewAdapter(pool, "mysql", ClassifyError), nil
}

// ClassifyError re-wraps foreign-key failures as
// *dbconn.ConstraintViolationError.
func ClassifyError(_ context.Context, _ sqlx.QueryerContext, _ string, err error) error {
	var me *mysqldriver.MySQLError
	if !errors.As(err, &me) {
		return nil
	}
	if me.Number != errRowIsReferenced && me.Number != errNoReferencedRow {
		return nil
	}
	if cv := dbconn.ParseConstraintViolation(err); cv != nil {
		return cv
	}
	return nil
}
