package storage

import (
	"context"
	"time"

	logx "meshpulse/pkg/logx"
)

// Store is the persistence API used by the scheduler. Pure data access; the
// only business rule living here is the one the schema itself enforces (at
// most one in-flight execution per network) plus the single-transaction
// terminal-state write in CloseExecution.
type Store interface {
	// CreateSchedule inserts the schedule and its initial params snapshot in
	// one transaction and returns both ids.
	CreateSchedule(ctx context.Context, s Schedule, p Params) (scheduleID, paramsID int64, err error)

	// UpdateSchedule updates the schedule row in place and appends a new
	// params version only if p differs from the latest stored snapshot.
	// Returns the authoritative params id after the call.
	UpdateSchedule(ctx context.Context, s Schedule, p Params) (paramsID int64, appended bool, err error)

	// DeleteSchedule removes the schedule row. Its params versions are
	// detached, not deleted, so execution history stays intact.
	DeleteSchedule(ctx context.Context, id int64) error

	Schedules(ctx context.Context) ([]ScheduleWithParams, error)
	LatestParams(ctx context.Context, scheduleID int64) (Params, error)

	// InsertParams writes a standalone snapshot (ad-hoc executions).
	InsertParams(ctx context.Context, p Params) (int64, error)

	// CreateExecution inserts the execution row. The busy check and the
	// insert happen in the same transaction; ErrNetworkBusy is returned if
	// another execution for the same network is already in flight.
	CreateExecution(ctx context.Context, paramsID int64, network string, status Status, start time.Time) (int64, error)

	SetExecutionStatus(ctx context.Context, id int64, status Status, end *time.Time) error
	Execution(ctx context.Context, id int64) (Execution, error)
	Executions(ctx context.Context, f ExecutionFilter) ([]Execution, error)
	NetworkBusy(ctx context.Context, network string) (bool, error)

	InsertResult(ctx context.Context, r Result) (int64, error)
	UpdateResult(ctx context.Context, id int64, status Status, rawBlob, metricsJSON string) error
	Results(ctx context.Context, executionID int64) ([]Result, error)
	PendingResults(ctx context.Context, executionID int64) (int, error)

	// CloseExecution decides and writes an execution's terminal state in one
	// transaction: every still-pending result is marked ABORTED, then the
	// final status is chosen by mode. confirm runs after the rows are
	// updated but before commit; returning false rolls the whole write back.
	CloseExecution(ctx context.Context, id int64, end time.Time, mode CloseMode, confirm func(final Status, aborted int) bool) (Status, error)

	// SweepOrphans marks every execution and result still in a non-terminal
	// status as ABORTED. Used by crash recovery.
	SweepOrphans(ctx context.Context, end time.Time) (executions, results int64, err error)

	// Networks lists every network any params row has ever referenced.
	Networks(ctx context.Context) ([]string, error)

	Close() error
}

// Open initializes the SQLite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
