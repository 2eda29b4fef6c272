// Package storage defines the Store interface that abstracts audit trail persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/runbox/internal/audit"
)

// Store is the persistence interface for runbox.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Executions returns the execution audit trail.
	Executions() audit.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables the audit trail.
const DriverNone = "none"
