package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meshpulse/internal/run"
	"meshpulse/internal/stats"
	"meshpulse/internal/storage"
	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

// ErrStopFailed means an execution or schedule loop could not be torn down;
// the operation left persistent state untouched and can be retried.
var ErrStopFailed = errors.New("stop failed")

// Config controls execution lifecycle timing.
type Config struct {
	Timezone string // IANA TZ; empty means local

	// TimeoutSlack is added to an execution's estimated duration before the
	// deferred forced stop fires.
	TimeoutSlack time.Duration

	// ScanStartDelay is the QUEUED -> RUNNING flip delay for scans.
	ScanStartDelay time.Duration

	// ScanResponseWindow bounds scan response collection.
	ScanResponseWindow time.Duration

	// SequentialGap is the pause between assets in sequential runs.
	SequentialGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimeoutSlack <= 0 {
		c.TimeoutSlack = 3 * time.Minute
	}
	if c.ScanStartDelay <= 0 {
		c.ScanStartDelay = 10 * time.Second
	}
	if c.ScanResponseWindow <= 0 {
		c.ScanResponseWindow = 4 * time.Minute
	}
	if c.SequentialGap <= 0 {
		c.SequentialGap = 5 * time.Second
	}
	return c
}

type scheduleEntry struct {
	sched  storage.Schedule
	params storage.Params
	spec   cron.Schedule

	cancel context.CancelFunc
	done   chan struct{}
}

type execEntry struct {
	run      run.Run
	network  string
	kind     run.Type
	paramsID int64
	started  time.Time
}

// Scheduler is the sole authority over the live schedule and execution
// registries, and the only component that writes execution status
// transitions. Everything else (runner loops, API glue) goes through it.
type Scheduler struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	store   storage.Store
	topo    topology.Client
	statsFn stats.Func
	parser  cron.Parser

	baseCtx    context.Context
	baseCancel context.CancelFunc

	schedules  map[int64]*scheduleEntry
	executions map[int64]*execEntry

	// Deferred per-execution callbacks (forced stop, scan start flip).
	tmu        sync.Mutex
	timers     map[int64]*time.Timer
	scanTimers map[int64]*time.Timer
}

// ScheduleInfo is the read-side view of one registered schedule.
type ScheduleInfo struct {
	ID       int64
	Enabled  bool
	CronExpr string
	Network  string
	RunType  string
	Next     time.Time
}

// ExecutionInfo pairs the durable execution row with its live results.
type ExecutionInfo struct {
	Execution storage.Execution
	Results   []storage.Result
}
