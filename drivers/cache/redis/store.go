// Package redis implements dbconn.CacheStore on Redis. Entries are
// gob-encoded; every tag is a Redis set holding the keys registered under it,
// plus a version counter bumped on invalidation. A computed entry is stored
// under WATCH on the versions of its tags, so an invalidation issued by
// another process during the compute drops it.
package redis

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/burugo/dbconn"
)

func init() {
	// Column values travel inside interface{} maps.
	gob.Register(time.Time{})
	gob.Register([]float64{})
}

// tagPrefix namespaces the tag sets, versionPrefix their version counters.
const (
	tagPrefix     = "tag:"
	versionPrefix = "tagver:"
)

// errStale aborts a set whose tags were invalidated during the compute.
var errStale = errors.New("tag invalidated during compute")

// Store implements dbconn.CacheStore using Redis.
// The counters field tracks operation statistics for monitoring.
type Store struct {
	rdb               *redis.Client
	group             singleflight.Group
	mu                sync.Mutex     // Protects counters map
	counters          map[string]int // e.g. "Get", "GetMiss", "Compute"
	createdInternally bool
}

var (
	_ dbconn.CacheStore = (*Store)(nil)
	_ io.Closer         = (*Store)(nil)
)

// Options holds configuration for the Redis client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewStore wraps rdb, or dials a new client from opts when rdb is nil.
func NewStore(ctx context.Context, rdb *redis.Client, opts *Options) (*Store, error) {
	createdInternally := false
	if rdb == nil {
		if opts == nil {
			opts = &Options{}
		}
		rdb = redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
		createdInternally = true

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}
	log.Println("Redis cache store initialized successfully.")
	return &Store{rdb: rdb, counters: make(map[string]int), createdInternally: createdInternally}, nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if s.createdInternally && s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func (s *Store) incrementCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
}

// GetOrCompute returns the entry under key. On a miss, concurrent callers in
// this process share a single compute call; its result is stored with ttl and
// registered under tags.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, compute dbconn.ComputeFunc) (*dbconn.CacheEntry, error) {
	s.incrementCounter("Get")
	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		entry, derr := decode(data)
		if derr == nil {
			s.incrementCounter("GetHit")
			return entry, nil
		}
		log.Printf("WARN: CACHE GET: undecodable entry for key '%s', recomputing: %v", key, derr)
	case err == redis.Nil:
	default:
		s.incrementCounter("GetError")
		return nil, fmt.Errorf("redis Get error for key '%s': %w", key, err)
	}
	s.incrementCounter("GetMiss")

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		s.incrementCounter("Compute")
		versions, verr := tagVersions(ctx, s.rdb, tags)
		entry, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			entry = &dbconn.CacheEntry{}
		}
		if verr != nil {
			log.Printf("WARN: CACHE SET: not storing key '%s': %v", key, verr)
			return entry, nil
		}
		if err := s.set(ctx, key, entry, ttl, tags, versions); err != nil {
			// The computed value is still good; only sharing it failed.
			log.Printf("WARN: CACHE SET: %v", err)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dbconn.CacheEntry), nil
}

func versionKeys(tags []string) []string {
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = versionPrefix + tag
	}
	return keys
}

type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// tagVersions reads the version counters of tags; a missing counter is "".
func tagVersions(ctx context.Context, c multiGetter, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, versionKeys(tags)...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis MGET error for tag versions %v: %w", tags, err)
	}
	out := make([]string, len(tags))
	for i, v := range vals {
		if v != nil {
			out[i] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// set stores entry unless a tag version moved away from versions before the
// write commits.
func (s *Store) set(ctx context.Context, key string, entry *dbconn.CacheEntry, ttl time.Duration, tags []string, versions []string) error {
	s.incrementCounter("Set")
	data, err := encode(entry)
	if err != nil {
		return fmt.Errorf("gob encode for key '%s': %w", key, err)
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tagVersions(ctx, tx, tags)
		if err != nil {
			return err
		}
		for i := range current {
			if current[i] != versions[i] {
				return errStale
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			for _, tag := range tags {
				p.SAdd(ctx, tagPrefix+tag, key)
				if ttl > 0 {
					p.Expire(ctx, tagPrefix+tag, ttl)
				}
			}
			return nil
		})
		return err
	}, versionKeys(tags)...)
	if errors.Is(err, errStale) || errors.Is(err, redis.TxFailedErr) {
		s.incrementCounter("StaleDrop")
		log.Printf("CACHE SET: dropped key '%s', a tag was invalidated while computing", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis Set error for key '%s': %w", key, err)
	}
	return nil
}

// DeleteKeys removes keys. Missing keys are not an error.
func (s *Store) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.incrementCounter("Delete")
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis Del error for keys %v: %w", keys, err)
	}
	return nil
}

// InvalidateTags removes every key registered under the tags, and the tag
// sets themselves.
func (s *Store) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		s.incrementCounter("Invalidate")
		members, err := s.rdb.SMembers(ctx, tagPrefix+tag).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("redis SMEMBERS error for tag '%s': %w", tag, err)
		}
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if len(members) > 0 {
				p.Del(ctx, members...)
			}
			p.Del(ctx, tagPrefix+tag)
			p.Incr(ctx, versionPrefix+tag)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis DEL error for tag '%s': %w", tag, err)
		}
		log.Printf("CACHE INVALIDATE: tag '%s' (%d keys)", tag, len(members))
	}
	return nil
}

// Purge removes all keys, and tag sets, starting with prefix. It uses SCAN
// for safe iteration over keys.
func (s *Store) Purge(ctx context.Context, prefix string) (int, error) {
	s.incrementCounter("Purge")
	var toDelete []string
	for _, pattern := range []string{prefix + "*", tagPrefix + prefix + "*"} {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return 0, fmt.Errorf("redis SCAN error for pattern '%s': %w", pattern, err)
			}
			toDelete = append(toDelete, keys...)
			if cursor = next; cursor == 0 {
				break
			}
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, toDelete...)
		for _, k := range toDelete {
			if tag, ok := strings.CutPrefix(k, tagPrefix); ok {
				p.Incr(ctx, versionPrefix+tag)
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis DEL error for prefix '%s': %w", prefix, err)
	}
	log.Printf("REDIS CACHE: Deleted %d keys with prefix '%s'", len(toDelete), prefix)
	return len(toDelete), nil
}

// Stats returns a copy of the operation counters.
func (s *Store) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

func encode(entry *dbconn.CacheEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*dbconn.CacheEntry, error) {
	var entry dbconn.CacheEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
