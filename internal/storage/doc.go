// Package storage persists schedules, params snapshots, executions, and
// per-asset results in SQLite.
//
// Params rows are append-only (versioned config audit trail). Executions
// carry a denormalized network column so the one-in-flight-per-network
// invariant can live in a partial unique index instead of application code.
package storage
