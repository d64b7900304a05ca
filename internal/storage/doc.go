package storage

// Package storage owns the persisted state of jobs, executions and error logs.
//
// Drivers:
//   - "memory": process-local maps, used by tests and throwaway runs
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through pgx's database/sql driver
