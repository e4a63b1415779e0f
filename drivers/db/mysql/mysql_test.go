package mysql

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burugo/dbconn"
)

func TestDSN(t *testing.T) {
	dsn := DSN(dbconn.Config{Host: "db", Port: 3307, Username: "app", Password: "s3cret", Name: "shop", Charset: "utf8mb4"})
	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", parsed.User)
	assert.Equal(t, "s3cret", parsed.Passwd)
	assert.Equal(t, "tcp", parsed.Net)
	assert.Equal(t, "db:3307", parsed.Addr)
	assert.Equal(t, "shop", parsed.DBName)
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestClassifyError(t *testing.T) {
	ctx := context.Background()
	fk := &mysqldriver.MySQLError{
		Number: errRowIsReferenced,
		Message: "Cannot delete or update a parent row: a foreign key constraint fails " +
			"(`shop`.`orders`, CONSTRAINT `fk_user` FOREIGN KEY (`user_id`) REFERENCES `users` (`id`))",
	}
	err := ClassifyError(ctx, nil, "DELETE FROM `users` WHERE `id` = 1", fmt.Errorf("%w: mysql exec: %w", dbconn.ErrDriver, fk))
	var cv *dbconn.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "orders", cv.ReferencingTable)
	assert.Equal(t, "user_id", cv.Column)
	assert.ErrorIs(t, err, dbconn.ErrDriver)

	assert.Nil(t, ClassifyError(ctx, nil, "", &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.Nil(t, ClassifyError(ctx, nil, "", errors.New("a foreign key constraint fails")))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`users`", quoteIdent("users"))
	assert.Equal(t, "`a``b`", quoteIdent("a`b"))
}
