// Package app assembles a Manager and its shared collaborators from a
// config file.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/wire"

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/config"
	"github.com/burugo/dbconn/drivers/cache/memory"
	"github.com/burugo/dbconn/drivers/cache/redis"
	"github.com/burugo/dbconn/drivers/db"
	"github.com/burugo/dbconn/drivers/db/mysql"
	"github.com/burugo/dbconn/drivers/db/sqlite"
	"github.com/burugo/dbconn/drivers/events/mqtt"
	"github.com/burugo/dbconn/providers/audit"
	"github.com/burugo/dbconn/providers/computed"
	"github.com/burugo/dbconn/sqlbuilder"
)

// App holds the assembled application.
type App struct {
	Config  *config.Config
	Manager *dbconn.Manager
	Cache   dbconn.CacheStore // nil when caching is disabled
	Events  dbconn.EventBus
}

// Purger is implemented by the bundled cache stores.
type Purger interface {
	Purge(ctx context.Context, prefix string) (int, error)
}

// StatsReporter is implemented by the bundled cache stores.
type StatsReporter interface {
	Stats() map[string]int
}

// ProviderSet is the wire provider set for App.
var ProviderSet = wire.NewSet(
	ProvideCacheStore,
	ProvideEventBus,
	ProvideRegistry,
	ProvideFactory,
	ProvideManager,
	wire.Struct(new(App), "*"),
)

// ProvideCacheStore builds the configured external cache store.
func ProvideCacheStore(ctx context.Context, cfg *config.Config) (dbconn.CacheStore, func(), error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		store, err := redis.NewStore(ctx, nil, &redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := store.Close(); err != nil {
				log.Printf("Error closing Redis cache store: %v", err)
			}
		}
		return store, cleanup, nil
	case config.CacheMemory:
		return memory.NewStore(), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

// ProvideEventBus builds the event bus: an optional logging bus and an
// optional MQTT bus.
func ProvideEventBus(cfg *config.Config) (dbconn.EventBus, func(), error) {
	var buses dbconn.MultiBus
	if cfg.Events.Log {
		buses = append(buses, newLogBus())
	}
	cleanup := func() {}
	if m := cfg.Events.MQTT; m.Enabled {
		bus, err := mqtt.Connect(mqtt.Options{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.TopicPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		buses = append(buses, bus)
		cleanup = func() { _ = bus.Close() }
	}
	return buses, cleanup, nil
}

func newLogBus() *dbconn.Bus {
	bus := dbconn.NewBus()
	logEvent := func(_ context.Context, e dbconn.Event) error {
		log.Printf("EVENT: %s %s.%s", e.Type, e.Connection, e.Table)
		return nil
	}
	for _, t := range []dbconn.EventType{
		dbconn.EventSelect, dbconn.EventInsert, dbconn.EventInserted,
		dbconn.EventUpdate, dbconn.EventDelete, dbconn.EventTableChanged,
	} {
		bus.Subscribe(t, logEvent)
	}
	return bus
}

// ProvideRegistry builds the hook providers enabled in the config. Audit
// runs before computed columns.
func ProvideRegistry(cfg *config.Config) (dbconn.ProviderRegistry, error) {
	var providers dbconn.StaticRegistry
	if a := cfg.Providers.Audit; a != nil {
		providers = append(providers, audit.New(audit.Options{Table: a.Table, Only: a.Only, Skip: a.Skip}))
	}
	if len(cfg.Providers.Computed) > 0 {
		p, err := computed.New(cfg.Providers.Computed)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// ProvideFactory opens the driver of a named database on first use.
func ProvideFactory(cfg *config.Config, cache dbconn.CacheStore, events dbconn.EventBus, registry dbconn.ProviderRegistry) dbconn.Factory {
	return func(ctx context.Context, name string, c dbconn.Config) (dbconn.Deps, error) {
		dbCfg, ok := cfg.Databases[name]
		if !ok {
			return dbconn.Deps{}, fmt.Errorf("%w: unknown database %q", dbconn.ErrConfiguration, name)
		}
		var (
			adapter *db.Adapter
			schema  dbconn.SchemaProvider
			dialect sqlbuilder.Dialect
			err     error
		)
		switch dbCfg.Driver {
		case config.DriverSQLite:
			adapter, err = sqlite.Open(ctx, dbCfg.Path)
			schema, dialect = &sqlite.Introspector{DB: adapter}, sqlbuilder.SQLite
		default:
			adapter, err = mysql.Open(ctx, c.WithDefaults())
			schema, dialect = &mysql.Introspector{DB: adapter}, sqlbuilder.MySQL
		}
		if err != nil {
			return dbconn.Deps{}, err
		}
		return dbconn.Deps{
			Driver:    adapter,
			Builder:   sqlbuilder.New(dialect),
			Schema:    schema,
			Cache:     cache,
			Events:    events,
			Providers: registry,
		}, nil
	}
}

// ProvideManager creates the manager. Its cleanup closes every connection.
func ProvideManager(cfg *config.Config, factory dbconn.Factory) (*dbconn.Manager, func(), error) {
	m, err := dbconn.NewManager(cfg.Connections(), factory)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := m.Close(context.Background()); err != nil {
			log.Printf("Error closing connections: %v", err)
		}
	}
	return m, cleanup, nil
}
