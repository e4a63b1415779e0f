// Package memory implements dbconn.CacheStore in process memory.
// It is shared by every connection of a process and is used when no Redis
// server is configured.
package memory

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/burugo/dbconn"
)

type item struct {
	entry   *dbconn.CacheEntry
	expires time.Time // zero means no expiry
}

func (i item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// Store is a TTL map with tag sets. Safe for concurrent use.
//
// Every tag carries a version bumped on invalidation. A computed entry is
// only stored when none of its tags changed while it was computed.
type Store struct {
	mu       sync.Mutex
	items    map[string]item
	tags     map[string]map[string]struct{}
	versions map[string]uint64
	counters map[string]int
	group    singleflight.Group
	now      func() time.Time
}

var _ dbconn.CacheStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		items:    make(map[string]item),
		tags:     make(map[string]map[string]struct{}),
		versions: make(map[string]uint64),
		counters: make(map[string]int),
		now:      time.Now,
	}
}

func (s *Store) incrementCounter(name string) {
	s.counters[name]++
}

func (s *Store) lookup(key string) (*dbconn.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementCounter("Get")
	it, ok := s.items[key]
	if ok && it.expired(s.now()) {
		delete(s.items, key)
		ok = false
	}
	if !ok {
		s.incrementCounter("GetMiss")
		return nil, false
	}
	s.incrementCounter("GetHit")
	return it.entry, true
}

// GetOrCompute returns the entry under key, computing it once per key for
// concurrent callers on a miss.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, compute dbconn.ComputeFunc) (*dbconn.CacheEntry, error) {
	if entry, ok := s.lookup(key); ok {
		return entry, nil
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if entry, ok := s.peek(key); ok {
			return entry, nil
		}
		versions := s.tagVersions(tags)
		entry, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			entry = &dbconn.CacheEntry{}
		}
		s.set(key, entry, ttl, tags, versions)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dbconn.CacheEntry), nil
}

// peek checks for an entry stored while waiting to enter the flight.
func (s *Store) peek(key string) (*dbconn.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || it.expired(s.now()) {
		return nil, false
	}
	return it.entry, true
}

func (s *Store) tagVersions(tags []string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(tags))
	for i, tag := range tags {
		out[i] = s.versions[tag]
	}
	return out
}

// set stores entry unless one of its tags was invalidated since versions
// were read.
func (s *Store) set(key string, entry *dbconn.CacheEntry, ttl time.Duration, tags []string, versions []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementCounter("Compute")
	for i, tag := range tags {
		if s.versions[tag] != versions[i] {
			s.incrementCounter("StaleDrop")
			return
		}
	}
	it := item{entry: entry}
	if ttl > 0 {
		it.expires = s.now().Add(ttl)
	}
	s.items[key] = it
	for _, tag := range tags {
		set, ok := s.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			s.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}

// DeleteKeys removes keys.
func (s *Store) DeleteKeys(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.incrementCounter("Delete")
		delete(s.items, k)
	}
	return nil
}

// InvalidateTags removes every key registered under the tags.
func (s *Store) InvalidateTags(_ context.Context, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		s.incrementCounter("Invalidate")
		for k := range s.tags[tag] {
			delete(s.items, k)
		}
		delete(s.tags, tag)
		s.versions[tag]++
	}
	return nil
}

// Purge removes every key starting with prefix and returns how many were
// removed.
func (s *Store) Purge(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementCounter("Purge")
	n := 0
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
			n++
		}
	}
	for tag := range s.tags {
		if strings.HasPrefix(tag, prefix) {
			delete(s.tags, tag)
			s.versions[tag]++
		}
	}
	log.Printf("MEMORY CACHE: Deleted %d keys with prefix '%s'", n, prefix)
	return n, nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, it := range s.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
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
