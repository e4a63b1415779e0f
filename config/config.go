// Package config loads the YAML file describing named connections and the
// shared cache, event and provider set-up.
//
// Secrets can be kept out of the file with environment variables:
// DBCONN_<NAME>_PASSWORD for a database (name upper-cased, '-' and '.'
// as '_'), DBCONN_REDIS_ADDR, DBCONN_REDIS_PASSWORD and DBCONN_MQTT_PASSWORD.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/burugo/dbconn"
	"github.com/burugo/dbconn/providers/computed"
)

// Drivers accepted in DatabaseConfig.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Cache backends accepted in CacheConfig.Backend.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the root of the configuration file.
type Config struct {
	Databases map[string]DatabaseConfig `yaml:"databases"`
	Cache     CacheConfig               `yaml:"cache"`
	Events    EventsConfig              `yaml:"events"`
	Providers ProvidersConfig           `yaml:"providers"`
}

// DatabaseConfig describes one named connection.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// Path is the database file of a sqlite connection.
	Path string `yaml:"path"`

	dbconn.Config `yaml:",inline"`
}

// CacheConfig selects the external cache store shared by all connections.
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EventsConfig contains event bus settings.
type EventsConfig struct {
	Log  bool       `yaml:"log"` // log every event through the in-process bus
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings for the event bus.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ProvidersConfig enables the bundled hook providers.
type ProvidersConfig struct {
	Audit    *AuditConfig                `yaml:"audit"`
	Computed map[string][]computed.Column `yaml:"computed"`
}

// AuditConfig configures the audit provider.
type AuditConfig struct {
	Table string   `yaml:"table"`
	Only  []string `yaml:"only"`
	Skip  []string `yaml:"skip"`
}

// Load reads the file at path, applies defaults and environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	for name, db := range cfg.Databases {
		if db.Driver == "" {
			db.Driver = DriverMySQL
		}
		cfg.Databases[name] = db
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Databases: map[string]DatabaseConfig{},
		Cache: CacheConfig{
			Backend: CacheMemory,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "dbconn"},
		},
	}
}

// EnvName returns the environment variable holding the password of the
// named database.
func EnvName(database string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return "DBCONN_" + strings.ToUpper(r.Replace(database)) + "_PASSWORD"
}

func applyEnvOverrides(cfg *Config) {
	for name, db := range cfg.Databases {
		if v := os.Getenv(EnvName(name)); v != "" {
			db.Password = v
			cfg.Databases[name] = db
		}
	}
	if v := os.Getenv("DBCONN_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("DBCONN_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("DBCONN_MQTT_PASSWORD"); v != "" {
		cfg.Events.MQTT.Password = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string
	if len(c.Databases) == 0 {
		errs = append(errs, "at least one database is required")
	}
	for _, name := range c.Names() {
		db := c.Databases[name]
		switch db.Driver {
		case DriverSQLite:
			if db.Path == "" {
				errs = append(errs, fmt.Sprintf("databases.%s.path is required for sqlite", name))
			}
		case DriverMySQL:
		default:
			errs = append(errs, fmt.Sprintf("databases.%s.driver must be sqlite or mysql, got %q", name, db.Driver))
		}
		if err := db.Config.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("databases.%s: %v", name, err))
		}
	}
	switch c.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, "cache.redis.addr is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend must be none, memory or redis, got %q", c.Cache.Backend))
	}
	if c.Events.MQTT.Enabled && c.Events.MQTT.Broker == "" {
		errs = append(errs, "events.mqtt.broker is required when mqtt is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", dbconn.ErrConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

// Names returns the database names, sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connections returns the connection configs keyed by name, as accepted by
// dbconn.NewManager.
func (c *Config) Connections() map[string]dbconn.Config {
	out := make(map[string]dbconn.Config, len(c.Databases))
	for name, db := range c.Databases {
		out[name] = db.Config
	}
	return out
}
