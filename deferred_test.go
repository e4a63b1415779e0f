package dbconn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredInsert_FlushesAtThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	opts := Options{Defer: DeferFor(3)}

	for i := 0; i < 2; i++ {
		id, err := h.conn.Insert(ctx, "users", Row{"name": "u"}, opts)
		require.NoError(t, err)
		assert.Nil(t, id)
	}
	assert.Empty(t, h.driver.execs)
	assert.Equal(t, 2, h.conn.Stats().DeferredRows["users"])

	_, err := h.conn.Insert(ctx, "users", Row{"name": "u"}, opts)
	require.NoError(t, err)
	require.Len(t, h.driver.execs, 1, "one bulk insert")
	assert.Len(t, h.driver.reg[h.driver.execs[0]].Rows, 3)
	assert.Len(t, h.driver.tables["users"], 3)
	assert.Nil(t, h.conn.Stats().DeferredRows)
}

func TestDeferredInsert_RejectsDifferentOptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.conn.Insert(ctx, "users", Row{"name": "a"}, Options{Defer: DeferFor(0)})
	require.NoError(t, err)
	_, err = h.conn.Insert(ctx, "users", Row{"name": "b"}, Options{Defer: DeferFor(0), Debug: true})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = h.conn.Insert(ctx, "users", Row{"name": "b"}, Options{Defer: DeferFor(5)})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, h.driver.execs)
	assert.Equal(t, 1, h.conn.Stats().DeferredRows["users"])

	// other tables have their own buffer
	_, err = h.conn.Insert(ctx, "posts", Row{"title": "t"}, Options{Defer: DeferFor(0), Debug: true})
	require.NoError(t, err)
}

func TestDeferredInsert_BlocksOtherAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.conn.Insert(ctx, "users", Row{"name": "a"}, Options{Defer: DeferFor(0)})
	require.NoError(t, err)

	_, err = h.conn.Select(ctx, "users", ByID(1), Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	_, err = h.conn.SelectAll(ctx, "users", Where{}, Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	_, err = h.conn.Count(ctx, "users", Where{}, Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	_, err = h.conn.Update(ctx, "users", ByID(1), Row{"name": "b"}, Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	_, err = h.conn.Delete(ctx, "users", ByID(1), Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	_, err = h.conn.Insert(ctx, "users", Row{"name": "c"}, Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	_, err = h.conn.UnionSelect(ctx, []UnionPart{{Table: "users"}}, Options{})
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	assert.Empty(t, h.driver.queries)

	// unrelated tables are unaffected
	_, err = h.conn.Count(ctx, "posts", Where{}, Options{})
	require.NoError(t, err)

	require.NoError(t, h.conn.Flush(ctx, "users"))
	row, err := h.conn.Select(ctx, "users", ByID(1), Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", row["name"])
}

func TestFlushAll_InTableOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.conn.Insert(ctx, "users", Row{"name": "a"}, Options{Defer: DeferFor(0)})
	require.NoError(t, err)
	_, err = h.conn.Insert(ctx, "posts", Row{"title": "t"}, Options{Defer: DeferFor(0)})
	require.NoError(t, err)

	require.NoError(t, h.conn.Flush(ctx, "logs"), "no buffer is a no-op")
	require.NoError(t, h.conn.FlushAll(ctx))
	require.Len(t, h.driver.execs, 2)
	assert.Equal(t, "posts", h.driver.reg[h.driver.execs[0]].Table)
	assert.Equal(t, "users", h.driver.reg[h.driver.execs[1]].Table)
	assert.Contains(t, h.store.invalidated, h.conn.cacheTag("users"))
}

func TestFlush_FailureKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	for _, name := range []string{"a", "b"} {
		_, err := h.conn.Insert(ctx, "users", Row{"name": name}, Options{Defer: DeferFor(0)})
		require.NoError(t, err)
	}

	h.driver.execErr = assert.AnError
	err := h.conn.Flush(ctx, "users")
	require.ErrorIs(t, err, ErrDriver)
	assert.Equal(t, 2, h.conn.Stats().DeferredRows["users"])

	require.NoError(t, h.conn.Flush(ctx, "users"))
	assert.Len(t, h.driver.tables["users"], 2)
}

func TestClose_FlushesAndCommits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.conn.Insert(ctx, "users", Row{"name": "a"}, Options{Defer: DeferFor(10)})
	require.NoError(t, err)
	require.NoError(t, h.conn.Begin(ctx))
	require.NoError(t, h.conn.Begin(ctx))

	require.NoError(t, h.conn.Close(ctx))
	assert.Len(t, h.driver.tables["users"], 1)
	assert.Equal(t, 1, h.driver.commits)
	assert.True(t, h.driver.closed)

	require.NoError(t, h.conn.Close(ctx), "second close is a no-op")
	_, err = h.conn.Insert(ctx, "users", Row{"name": "b"}, Options{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.conn.SelectAll(ctx, "users", Where{}, Options{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.conn.Exec(ctx, "SET x = 1", "", Options{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_FailedFlushRollsBackAndReleasesDriver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.conn.Insert(ctx, "users", Row{"name": "a"}, Options{})
	require.NoError(t, err)
	_, err = h.conn.Insert(ctx, "posts", Row{"title": "p"}, Options{Defer: DeferFor(0)})
	require.NoError(t, err)
	require.True(t, h.conn.InTransaction())
	h.driver.execErr = errors.New("disk full")

	err = h.conn.Close(ctx)
	require.ErrorIs(t, err, ErrDriver)
	assert.ErrorContains(t, err, "disk full")
	assert.True(t, h.driver.closed)
	assert.Equal(t, 0, h.driver.commits)
	assert.Equal(t, 1, h.driver.rollbacks)
	assert.False(t, h.conn.InTransaction())
	assert.Nil(t, h.conn.Stats().DeferredRows)

	require.NoError(t, h.conn.Close(ctx), "second close is a no-op")
	_, err = h.conn.Insert(ctx, "users", Row{"name": "b"}, Options{})
	assert.ErrorIs(t, err, ErrClosed)
}
