package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/drivers/db"
	"github.com/burugo/dbconn/sqlbuilder"
)

const schema = `
CREATE TABLE users (id INTEGER PRIMARY KEY, name VARCHAR(64) NOT NULL, score DECIMAL(6,2), pos TEXT);
CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL REFERENCES users(id), title TEXT);
CREATE TABLE tags (tag TEXT NOT NULL, post_id INTEGER NOT NULL, PRIMARY KEY (post_id, tag));
`

func openTest(t *testing.T) *db.Adapter {
	t.Helper()
	ctx := context.Background()
	a, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	_, err = a.Exec(ctx, schema)
	require.NoError(t, err)
	return a
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/x.db?_busy_timeout=5000&_foreign_keys=on", DSN("/tmp/x.db", 0))
	assert.Contains(t, DSN(Memory, 0), "file::memory:")
}

func TestIntrospector(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	si := &Introspector{DB: a}

	users, err := si.GetTable(ctx, "users")
	require.NoError(t, err)
	require.NotNil(t, users)
	assert.Equal(t, []string{"id"}, users.PrimaryKey)
	assert.Equal(t, dbconn.Column{Type: "integer", Nullable: true}, users.Columns["id"])
	assert.Equal(t, dbconn.Column{Type: "varchar", Nullable: false}, users.Columns["name"])
	assert.Equal(t, "decimal", users.Columns["score"].Type)

	tags, err := si.GetTable(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"post_id", "tag"}, tags.PrimaryKey)

	missing, err := si.GetTable(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = (&Introspector{}).GetTable(ctx, "users")
	assert.ErrorIs(t, err, dbconn.ErrConfiguration)
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	res, err := a.Exec(ctx, "INSERT INTO users (name) VALUES ('ada'), ('bob')")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	assert.Equal(t, int64(2), res.LastInsertID)

	cur, err := a.Query(ctx, "SELECT id, name FROM users ORDER BY id")
	require.NoError(t, err)
	var names []interface{}
	for cur.Next() {
		row := map[string]interface{}{}
		require.NoError(t, cur.MapScan(row))
		names = append(names, row["name"])
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	assert.Equal(t, []interface{}{"ada", "bob"}, names)

	_, err = a.Query(ctx, "SELECT * FROM nope")
	assert.ErrorIs(t, err, dbconn.ErrDriver)
}

func TestAdapter_Transactions(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	assert.ErrorIs(t, a.Commit(), dbconn.ErrDriver)
	assert.ErrorIs(t, a.Rollback(), dbconn.ErrDriver)

	require.NoError(t, a.Begin(ctx))
	assert.ErrorIs(t, a.Begin(ctx), dbconn.ErrDriver)
	_, err := a.Exec(ctx, "INSERT INTO users (name) VALUES ('gone')")
	require.NoError(t, err)
	require.NoError(t, a.Rollback())

	require.NoError(t, a.Begin(ctx))
	_, err = a.Exec(ctx, "INSERT INTO users (name) VALUES ('kept')")
	require.NoError(t, err)
	require.NoError(t, a.Commit())

	var names []string
	require.NoError(t, a.DB().SelectContext(ctx, &names, "SELECT name FROM users"))
	assert.Equal(t, []string{"kept"}, names)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, dbconn.ErrDriver)
}

func TestClassifyError_ForeignKey(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	_, err := a.Exec(ctx, "INSERT INTO users (id, name) VALUES (1, 'ada')")
	require.NoError(t, err)
	_, err = a.Exec(ctx, "INSERT INTO posts (user_id, title) VALUES (1, 'hi')")
	require.NoError(t, err)

	_, err = a.Exec(ctx, `DELETE FROM "users" WHERE "id" = 1`)
	var cv *dbconn.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "posts", cv.ReferencingTable)
	assert.Equal(t, "user_id", cv.Column)
	assert.Equal(t, "users", cv.ReferencedTable)
	assert.Equal(t, "id", cv.ReferencedColumn)
	assert.ErrorIs(t, err, dbconn.ErrDriver)

	// other failures are left alone
	assert.Nil(t, ClassifyError(ctx, a.Queryer(), "DELETE FROM users", errors.New("disk I/O error")))
	assert.Nil(t, ClassifyError(ctx, a.Queryer(), "UPDATE users SET id = 2", errors.New("FOREIGN KEY constraint failed")))
}

func TestConnection_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	conn, err := dbconn.New("local", dbconn.Config{}, dbconn.Deps{
		Driver:  a,
		Builder: sqlbuilder.New(sqlbuilder.SQLite),
		Schema:  &Introspector{DB: a},
	})
	require.NoError(t, err)

	id, err := conn.Insert(ctx, "users", dbconn.Row{"name": "ada", "score": 12.5, "pos": []float64{1, 2}}, dbconn.Options{})
	require.NoError(t, err)
	require.NotNil(t, id)
	_, err = conn.Insert(ctx, "posts", dbconn.Row{"user_id": *id, "title": "hello"}, dbconn.Options{})
	require.NoError(t, err)

	row, err := conn.Select(ctx, "users", dbconn.ByID(*id), dbconn.Options{})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, *id, row["id"])
	assert.Equal(t, "ada", row["name"])
	assert.Equal(t, 12.5, row["score"])

	n, err := conn.Count(ctx, "posts", dbconn.Where{}, dbconn.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = conn.Delete(ctx, "users", dbconn.ByID(*id), dbconn.Options{})
	var cv *dbconn.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "posts", cv.ReferencingTable)

	_, err = conn.Delete(ctx, "posts", dbconn.Cond(map[string]interface{}{"user_id": *id}), dbconn.Options{})
	require.NoError(t, err)
	_, err = conn.Delete(ctx, "users", dbconn.ByID(*id), dbconn.Options{})
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))
}
