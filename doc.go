// Package dbconn is a governed database connection layer. A Connection
// wraps a native driver with nested transactions, statement ceilings, a
// two-level result cache (a connection-local memo in front of an optional
// shared store), deferred bulk inserts and a provider hook pipeline.
//
// Connections are created by a Manager from named configurations:
//
//	m, err := dbconn.NewManager(configs, factory)
//	conn, err := m.Get(ctx, "main")
//	id, err := conn.Insert(ctx, "users", dbconn.Row{"name": "ada"}, dbconn.Options{})
//	row, err := conn.Select(ctx, "users", dbconn.ByID(*id), dbconn.Options{})
//
// Concrete drivers, cache stores and event buses live under drivers/.
package dbconn
