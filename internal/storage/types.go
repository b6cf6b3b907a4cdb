package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrNetworkBusy is returned when inserting an execution would violate
	// the one-in-flight-per-network invariant.
	ErrNetworkBusy = errors.New("network busy")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Status is the lifecycle state shared by executions and results.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusAborted  Status = "ABORTED"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// CloseMode selects the terminal-state rule used by CloseExecution.
type CloseMode int

const (
	// CloseTest: FAILED if no result ever started, ABORTED if any result had
	// to be forcibly aborted, FINISHED otherwise.
	CloseTest CloseMode = iota

	// CloseScan: scans have no ABORTED terminal state. Any still-pending
	// target (or none at all) means FAILED; a fully collected scan is
	// FINISHED.
	CloseScan
)

// Schedule is a persisted recurring intent.
type Schedule struct {
	ID       int64
	Enabled  bool
	CronExpr string
}

// Params is an immutable snapshot of what to run. Rows are append-only;
// the latest row for a schedule is authoritative. ScheduleID is nil for
// ad-hoc executions.
type Params struct {
	ID            int64
	ScheduleID    *int64
	Network       string
	RunType       string
	OptionsJSON   string
	AllowlistJSON string
}

// Same reports whether two snapshots describe the same run (ignoring ids).
func (p Params) Same(o Params) bool {
	return p.Network == o.Network &&
		p.RunType == o.RunType &&
		p.OptionsJSON == o.OptionsJSON &&
		p.AllowlistJSON == o.AllowlistJSON
}

// Execution is one concrete run.
type Execution struct {
	ID       int64
	ParamsID int64
	Network  string
	Status   Status
	StartDT  time.Time
	EndDT    *time.Time
}

// Result is the per-asset outcome row within an execution.
type Result struct {
	ID          int64
	ExecutionID int64
	Src         string
	Dst         string
	Status      Status
	RawBlob     string
	MetricsJSON string
}

// ScheduleWithParams pairs a schedule with its latest params snapshot.
type ScheduleWithParams struct {
	Schedule Schedule
	Params   Params
}

// ExecutionFilter narrows Executions() listings. Zero values mean "any".
type ExecutionFilter struct {
	Network string
	Status  Status
}
