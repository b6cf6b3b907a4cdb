// Package sched is the execution scheduler: it owns the live registry of
// schedules and executions, launches runs at cron ticks, enforces the
// one-in-flight-per-network rule, bounds every run with a forced-stop
// deadline, and reconciles orphaned state at boot.
//
// Registry mutation happens only inside Scheduler methods. Runner loops and
// run definitions never reach into the maps; they call back in through the
// exported operations.
package sched
