// Package storage persists subscriptions and background executions.
//
// Drivers:
//   - "sqlite": single-file database (modernc.org/sqlite, no cgo), the default
//   - "postgres": shared database for multi-process deployments (pgx)
//
// Both drivers share one database/sql implementation. Timestamps are stored as
// unix milliseconds so the schema stays identical across dialects.
package storage
