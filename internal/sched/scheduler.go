package sched

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"meshpulse/internal/run"
	"meshpulse/internal/stats"
	"meshpulse/internal/storage"
	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

func New(cfg Config, store storage.Store, topo topology.Client, statsFn stats.Func, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if statsFn == nil {
		statsFn = stats.Passthrough
	}
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		log:        log,
		store:      store,
		topo:       topo,
		statsFn:    statsFn,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedules:  map[int64]*scheduleEntry{},
		executions: map[int64]*execEntry{},
		timers:     map[int64]*time.Timer{},
		scanTimers: map[int64]*time.Timer{},
	}
}

// Start arms the scheduler. Runner loops and deferred callbacks derive from
// the context captured here, so they outlive any single API call.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return
	}
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

// Stop cancels every runner loop (awaiting each), stops all deferred timers,
// and best-effort tears down in-flight runs. Durable rows are left for the
// next boot's recovery sweep.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if s.baseCtx == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.baseCancel
	s.baseCtx, s.baseCancel = nil, nil
	entries := make([]*scheduleEntry, 0, len(s.schedules))
	for _, e := range s.schedules {
		entries = append(entries, e)
	}
	s.schedules = map[int64]*scheduleEntry{}
	execs := make([]*execEntry, 0, len(s.executions))
	for _, e := range s.executions {
		execs = append(execs, e)
	}
	s.executions = map[int64]*execEntry{}
	s.mu.Unlock()

	cancel()
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	for _, t := range s.scanTimers {
		_ = t.Stop()
	}
	s.timers = map[int64]*time.Timer{}
	s.scanTimers = map[int64]*time.Timer{}
	s.tmu.Unlock()

	for _, e := range execs {
		_ = e.run.Stop(ctx)
	}

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply updates lifecycle timing at runtime. Loops pick the new values up on
// their next tick.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg.Timezone
	s.cfg = cfg.withDefaults()
	if strings.TrimSpace(old) != strings.TrimSpace(cfg.Timezone) && s.baseCtx != nil {
		s.loc = s.loadLocationLocked()
	}
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ---- schedule CRUD ----

// AddSchedule persists the schedule with its initial params snapshot in one
// transaction, registers it, and launches its runner loop.
func (s *Scheduler) AddSchedule(ctx context.Context, sc storage.Schedule, p storage.Params) (int64, error) {
	spec, err := s.parser.Parse(sc.CronExpr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", sc.CronExpr, err)
	}
	// Reject undecodable params up front; the runner loop builds a fresh run
	// from this snapshot every tick.
	if _, err := run.New(p, s.runDeps()); err != nil {
		return 0, err
	}

	scheduleID, paramsID, err := s.store.CreateSchedule(ctx, sc, p)
	if err != nil {
		return 0, err
	}
	sc.ID = scheduleID
	p.ID = paramsID
	p.ScheduleID = &scheduleID

	s.registerSchedule(sc, p, spec)
	s.log.Info("schedule added",
		logx.Int64("schedule", scheduleID),
		logx.String("cron", sc.CronExpr),
		logx.String("network", p.Network),
		logx.String("type", p.RunType))
	return scheduleID, nil
}

// ModifySchedule updates the schedule row in place (appending a params
// version only when the definition changed), then replaces the running loop.
// The old loop's cancellation is awaited; on failure the registry keeps the
// old loop and the caller must not assume the schedule was replaced.
func (s *Scheduler) ModifySchedule(ctx context.Context, sc storage.Schedule, p storage.Params) error {
	spec, err := s.parser.Parse(sc.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sc.CronExpr, err)
	}
	if _, err := run.New(p, s.runDeps()); err != nil {
		return err
	}

	paramsID, appended, err := s.store.UpdateSchedule(ctx, sc, p)
	if err != nil {
		return err
	}
	p.ID = paramsID
	p.ScheduleID = &sc.ID

	if err := s.stopScheduleLoop(ctx, sc.ID); err != nil {
		return err
	}
	s.registerSchedule(sc, p, spec)
	s.log.Info("schedule modified",
		logx.Int64("schedule", sc.ID),
		logx.String("cron", sc.CronExpr),
		logx.Bool("params_appended", appended))
	return nil
}

// DeleteSchedule stops the loop first; the row is only removed once the loop
// has actually unwound, so a failed stop leaves the operation retryable.
// Params versions are detached rather than deleted, keeping execution
// history readable.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id int64) error {
	if err := s.stopScheduleLoop(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.log.Info("schedule deleted", logx.Int64("schedule", id))
	return nil
}

// Schedules lists the registered schedules with their next fire times.
func (s *Scheduler) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().In(s.locationLocked())
	out := make([]ScheduleInfo, 0, len(s.schedules))
	for _, e := range s.schedules {
		out = append(out, ScheduleInfo{
			ID:       e.sched.ID,
			Enabled:  e.sched.Enabled,
			CronExpr: e.sched.CronExpr,
			Network:  e.params.Network,
			RunType:  e.params.RunType,
			Next:     e.spec.Next(now),
		})
	}
	return out
}

// registerSchedule inserts the registry entry and launches its loop.
func (s *Scheduler) registerSchedule(sc storage.Schedule, p storage.Params, spec cron.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sc.ID]; exists {
		return
	}

	e := &scheduleEntry{sched: sc, params: p, spec: spec, done: make(chan struct{})}
	if s.baseCtx != nil {
		ctx, cancel := context.WithCancel(s.baseCtx)
		e.cancel = cancel
		go s.runLoop(ctx, sc.ID, e.done)
	} else {
		close(e.done)
	}
	s.schedules[sc.ID] = e
}

// stopScheduleLoop cancels the loop and waits for it to fully unwind before
// touching the registry. A loop mid-tick is given until ctx's deadline.
func (s *Scheduler) stopScheduleLoop(ctx context.Context, id int64) error {
	s.mu.Lock()
	e, ok := s.schedules[id]
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}

	if e.cancel != nil {
		e.cancel()
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("schedule %d: loop did not unwind: %w", id, ErrStopFailed)
	}

	s.mu.Lock()
	delete(s.schedules, id)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) scheduleSnapshot(id int64) (storage.Schedule, storage.Params, cron.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedules[id]
	if !ok {
		return storage.Schedule{}, storage.Params{}, nil, false
	}
	return e.sched, e.params, e.spec, true
}

// location is safe for runner goroutines; Apply may swap s.loc concurrently.
func (s *Scheduler) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationLocked()
}

func (s *Scheduler) locationLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}

func (s *Scheduler) runDeps() run.Deps {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return run.Deps{
		Topo:  s.topo,
		Store: s.store,
		Log:   s.log,
		Timing: run.Timing{
			SequentialGap:      cfg.SequentialGap,
			ScanStartDelay:     cfg.ScanStartDelay,
			ScanResponseWindow: cfg.ScanResponseWindow,
		},
		Complete: s.IngestResult,
	}
}
