package dbconn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fkMessage = "Error 1451 (23000): Cannot delete or update a parent row: a foreign key constraint fails " +
	"(`shop`.`orders`, CONSTRAINT `fk_user` FOREIGN KEY (`user_id`) REFERENCES `users` (`id`))"

func TestParseConstraintViolation(t *testing.T) {
	cv := ParseConstraintViolation(errors.New(fkMessage))
	require.NotNil(t, cv)
	assert.Equal(t, "orders", cv.ReferencingTable)
	assert.Equal(t, "user_id", cv.Column)
	assert.Equal(t, "users", cv.ReferencedTable)
	assert.Equal(t, "id", cv.ReferencedColumn)
	assert.Contains(t, cv.Error(), `referenced by table "orders" in column "user_id"`)

	assert.Nil(t, ParseConstraintViolation(nil))
	assert.Nil(t, ParseConstraintViolation(errors.New("Error 1062: Duplicate entry")))
	assert.Nil(t, ParseConstraintViolation(errors.New("a foreign key constraint fails (unparseable)")))

	wrapped := fmt.Errorf("delete: %w", cv)
	assert.Same(t, cv, ParseConstraintViolation(wrapped))
}

func TestDelete_ForeignKeyViolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seedUsers(1)
	h.driver.execErr = errors.New(fkMessage)

	_, err := h.conn.Delete(ctx, "users", ByID(1), Options{})
	var cv *ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "orders", cv.ReferencingTable)
	assert.ErrorIs(t, err, ErrDriver)

	// other driver failures are only wrapped
	h.driver.execErr = assert.AnError
	_, err = h.conn.Delete(ctx, "users", ByID(1), Options{})
	assert.ErrorIs(t, err, ErrDriver)
	assert.False(t, errors.As(err, &cv))
}
