package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Factory builds the collaborators of a named connection.
type Factory func(ctx context.Context, name string, cfg Config) (Deps, error)

// Manager owns the named connections of an application. Connections are
// created lazily on first use and handed out by reference. The Manager is
// safe for concurrent use; the connections it returns are not.
type Manager struct {
	mu      sync.Mutex // protects conns
	configs map[string]Config
	factory Factory
	conns   map[string]*Connection
}

// NewManager creates a manager over the given configurations.
func NewManager(configs map[string]Config, factory Factory) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: manager needs a connection factory", ErrConfiguration)
	}
	m := &Manager{
		configs: make(map[string]Config, len(configs)),
		factory: factory,
		conns:   make(map[string]*Connection),
	}
	for name, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("database %q: %w", name, err)
		}
		m.configs[name] = cfg
	}
	return m, nil
}

// Get returns the connection for name, creating it on first use.
func (m *Manager) Get(ctx context.Context, name string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[name]; ok {
		return conn, nil
	}
	cfg, ok := m.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown database %q", ErrConfiguration, name)
	}
	deps, err := m.factory(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", name, err)
	}
	conn, err := New(name, cfg, deps)
	if err != nil {
		if deps.Driver != nil {
			_ = deps.Driver.Close()
		}
		return nil, err
	}
	m.conns[name] = conn
	log.Printf("DB CONNECT: opened connection %q", name)
	return conn, nil
}

// Names lists the configured database names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connections returns the connections opened so far, keyed by name.
func (m *Manager) Connections() map[string]*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Connection, len(m.conns))
	for name, conn := range m.conns {
		out[name] = conn
	}
	return out
}

// Close terminates every open connection: deferred inserts are flushed, open
// transactions committed and drivers closed. All connections are attempted;
// the errors are joined.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := m.conns[name].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing database %q: %w", name, err))
		}
		delete(m.conns, name)
	}
	return errors.Join(errs...)
}
