package dbconn

import (
	"fmt"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultHost     = "localhost"
	DefaultPort     = 3306
	DefaultUsername = "root"
	DefaultName     = "database"
	DefaultCharset  = "utf8"

	DefaultQueryLimit = 100
	DefaultTableLimit = 10000

	// SnapshotTTL is the lifetime of table snapshots and cached counts.
	SnapshotTTL = 24 * time.Hour
	// MaxSnapshotRows is the row count above which a table is only cached
	// when whitelisted in Config.CacheTables.
	MaxSnapshotRows = 200
)

// Limit categories accepted by SetQueryLimit.
const (
	LimitQuery = "query"
	LimitTable = "table"
	LimitTotal = "total"
)

// Limits holds the statement ceilings of a connection. A nil field means
// unlimited. Ceilings guard long-running batch processes against runaway
// iteration; counters are never reset while the connection lives.
type Limits struct {
	Query *int `yaml:"query" json:"query,omitempty"` // executions of one exact SQL text
	Table *int `yaml:"table" json:"table,omitempty"` // statements touching one table
	Total *int `yaml:"total" json:"total,omitempty"` // all governed statements
}

// DefaultLimits returns query 100, table 10000, total unlimited.
func DefaultLimits() Limits {
	q, t := DefaultQueryLimit, DefaultTableLimit
	return Limits{Query: &q, Table: &t}
}

// Config holds configuration for a single named connection.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"` // database name
	Charset  string `yaml:"charset"`

	// Limits are the guardrail ceilings. Nil means DefaultLimits().
	Limits *Limits `yaml:"limits"`

	// CacheTables lists tables that may be snapshot-cached regardless of size.
	CacheTables []string `yaml:"cache_tables"`
}

// IntPtr is a helper for building Limits literals.
func IntPtr(n int) *int {
	return &n
}

// WithDefaults returns a copy of c with every unset field defaulted.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Charset == "" {
		c.Charset = DefaultCharset
	}
	if c.Limits == nil {
		l := DefaultLimits()
		c.Limits = &l
	} else {
		l := *c.Limits
		c.Limits = &l
	}
	c.CacheTables = append([]string(nil), c.CacheTables...)
	return c
}

// Validate reports configuration errors. It is called once by New.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrConfiguration, c.Port)
	}
	if c.Limits != nil {
		for name, v := range map[string]*int{LimitQuery: c.Limits.Query, LimitTable: c.Limits.Table, LimitTotal: c.Limits.Total} {
			if v != nil && *v < 0 {
				return fmt.Errorf("%w: negative %s limit %d", ErrConfiguration, name, *v)
			}
		}
	}
	return nil
}

func (c Config) isCacheWhitelisted(table string) bool {
	for _, t := range c.CacheTables {
		if t == table {
			return true
		}
	}
	return false
}
