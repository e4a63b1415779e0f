// interfaces.go
// Collaborator contracts consumed by Connection: Driver, QueryBuilder,
// SchemaProvider, CacheStore, EventBus and ProviderRegistry.
// Implementations live under drivers/, sqlbuilder/ and providers/.

package dbconn

import (
	"context"
	"time"
)

// RowCursor is a single-pass cursor over raw driver rows.
// *sqlx.Rows satisfies it directly.
type RowCursor interface {
	Next() bool
	MapScan(dest map[string]interface{}) error
	Err() error
	Close() error
}

// Result describes the outcome of a statement that returns no rows.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Driver defines the interface for the native database connection.
// Query is used for statements returning rows, Exec for everything else.
// Begin/Commit/Rollback operate on a single native transaction; nesting is
// handled by the Connection, never by the driver.
type Driver interface {
	Query(ctx context.Context, query string) (RowCursor, error)
	Exec(ctx context.Context, query string) (Result, error)
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	Close() error
}

// UnionPart is a single SELECT taking part in a UNION.
type UnionPart struct {
	Table   string
	Where   Where
	Options Options
}

// QueryBuilder turns structured operations into SQL text.
// An empty string with a nil error means "nothing to do" (e.g. an update
// with an empty payload).
type QueryBuilder interface {
	BuildSelect(table string, where Where, opts Options) (string, error)
	// BuildInsert builds a single statement for all rows (bulk insert when len(rows) > 1).
	BuildInsert(table string, rows []Row, opts Options) (string, error)
	BuildUpdate(table string, where Where, data Row, opts Options) (string, error)
	BuildDelete(table string, where Where, opts Options) (string, error)
	BuildUnion(parts []UnionPart, opts Options) (string, error)
}

// SchemaProvider returns table metadata. Results must be stable for the
// lifetime of the schema; the Connection clones them before exposing them.
type SchemaProvider interface {
	GetTable(ctx context.Context, name string) (*TableModel, error)
}

// CacheEntry is the value stored in the external cache: either a table
// snapshot (Rows, in primary-key fetch order) or a scalar Count.
type CacheEntry struct {
	Rows  []Row
	Count int64
}

// ComputeFunc produces a cache entry on a miss.
type ComputeFunc func(ctx context.Context) (*CacheEntry, error)

// CacheStore defines the interface for the external cache.
// Implementations must be safe for concurrent use by several connections.
type CacheStore interface {
	// GetOrCompute returns the entry stored under key, calling compute and
	// storing its result (tagged with tags, expiring after ttl) on a miss.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, compute ComputeFunc) (*CacheEntry, error)
	// DeleteKeys removes the given keys. Missing keys are not an error.
	DeleteKeys(ctx context.Context, keys ...string) error
	// InvalidateTags removes every key registered under any of the tags.
	InvalidateTags(ctx context.Context, tags ...string) error
}

// EventBus receives fire-and-forget notifications.
// Publish must not block on slow subscribers and never fails the caller.
type EventBus interface {
	Publish(ctx context.Context, event Event)
}

// ProviderKind is the registry kind under which hook providers are registered.
const ProviderKind = "DbProvider"

// Provider is any value implementing one or more of the capability
// interfaces declared in hooks.go.
type Provider interface{}

// ProviderRegistry enumerates hook providers in a deterministic order.
type ProviderRegistry interface {
	FindProviders(kind string) []Provider
}

// StaticRegistry is a ProviderRegistry over a fixed, ordered list.
type StaticRegistry []Provider

// FindProviders returns the list for ProviderKind and nothing otherwise.
func (r StaticRegistry) FindProviders(kind string) []Provider {
	if kind != ProviderKind {
		return nil
	}
	return append([]Provider(nil), r...)
}
