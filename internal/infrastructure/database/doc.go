// Package database provides SQLite storage for the TasmoLink device
// registry.
//
// The database holds discovered device descriptors: identity, settings,
// capabilities, and last-known state. Telemetry history lives in InfluxDB,
// not here; SQLite stores only the current picture of each device.
//
// # Schema Management
//
// Migrations are SQL files embedded into the binary via the migrations
// package. They follow the naming convention:
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// Migrate() applies pending migrations at startup, each in its own
// transaction.
//
// # Concurrency
//
// SQLite supports a single writer. The pool is limited to one connection
// and WAL mode is enabled so API reads do not block bridge writes.
package database
