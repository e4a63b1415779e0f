package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burugo/dbconn"
)

func countEntry(n int64) dbconn.ComputeFunc {
	return func(context.Context) (*dbconn.CacheEntry, error) {
		return &dbconn.CacheEntry{Count: n}, nil
	}
}

func TestGetOrCompute_CachesValue(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	calls := 0
	compute := func(context.Context) (*dbconn.CacheEntry, error) {
		calls++
		return &dbconn.CacheEntry{Rows: []dbconn.Row{{"id": int64(1)}}}, nil
	}

	first, err := s.GetOrCompute(ctx, "k", time.Hour, nil, compute)
	require.NoError(t, err)
	second, err := s.GetOrCompute(ctx, "k", time.Hour, nil, compute)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	stats := s.Stats()
	assert.Equal(t, 1, stats["GetHit"])
	assert.Equal(t, 1, stats["GetMiss"])
}

func TestGetOrCompute_ErrorNotStored(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	boom := errors.New("boom")
	_, err := s.GetOrCompute(ctx, "k", time.Hour, nil, func(context.Context) (*dbconn.CacheEntry, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())

	got, err := s.GetOrCompute(ctx, "k", time.Hour, nil, countEntry(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Count)
}

func TestGetOrCompute_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.GetOrCompute(ctx, "k", time.Minute, nil, countEntry(1))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	got, err := s.GetOrCompute(ctx, "k", time.Minute, nil, countEntry(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Count)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	var calls int32
	release := make(chan struct{})
	compute := func(context.Context) (*dbconn.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &dbconn.CacheEntry{Count: 7}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.GetOrCompute(ctx, "k", time.Hour, nil, compute)
			assert.NoError(t, err)
			assert.Equal(t, int64(7), got.Count)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	// late arrivals may find the stored entry, but compute never runs twice
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidateTags(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, _ = s.GetOrCompute(ctx, "t.users.rows", time.Hour, []string{"t.users"}, countEntry(1))
	_, _ = s.GetOrCompute(ctx, "t.users.count", time.Hour, []string{"t.users"}, countEntry(1))
	_, _ = s.GetOrCompute(ctx, "t.posts.rows", time.Hour, []string{"t.posts"}, countEntry(1))
	require.Equal(t, 3, s.Len())

	require.NoError(t, s.InvalidateTags(ctx, "t.users", "unknown"))
	assert.Equal(t, 1, s.Len())
	_, ok := s.peek("t.posts.rows")
	assert.True(t, ok)
}

func TestDeleteKeysAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, k := range []string{"a.1", "a.2", "b.1"} {
		_, _ = s.GetOrCompute(ctx, k, 0, []string{k}, countEntry(1))
	}
	require.NoError(t, s.DeleteKeys(ctx, "b.1", "missing"))
	assert.Equal(t, 2, s.Len())

	n, err := s.Purge(ctx, "a.")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.Len())
}

func TestGetOrCompute_InvalidatedDuringComputeIsNotStored(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	tags := []string{"db.users"}

	// another connection writes the table while the snapshot is read
	got, err := s.GetOrCompute(ctx, "db.users.rows", time.Hour, tags, func(ctx context.Context) (*dbconn.CacheEntry, error) {
		require.NoError(t, s.InvalidateTags(ctx, "db.users"))
		return &dbconn.CacheEntry{Count: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Count, "the caller still gets its value")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, s.Stats()["StaleDrop"])

	got, err = s.GetOrCompute(ctx, "db.users.rows", time.Hour, tags, countEntry(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Count)
	assert.Equal(t, 1, s.Len())

	// invalidating an unrelated tag does not drop the entry
	got, err = s.GetOrCompute(ctx, "db.posts.rows", time.Hour, []string{"db.posts"}, func(ctx context.Context) (*dbconn.CacheEntry, error) {
		require.NoError(t, s.InvalidateTags(ctx, "db.users"))
		return &dbconn.CacheEntry{Count: 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Count)
	assert.Equal(t, 1, s.Len(), "db.users.rows was invalidated, db.posts.rows stored")
}
