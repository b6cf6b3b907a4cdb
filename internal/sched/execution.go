package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshpulse/internal/run"
	"meshpulse/internal/storage"
	logx "meshpulse/pkg/logx"
)

// stopGrace bounds the teardown work a deferred callback may do.
const stopGrace = 30 * time.Second

// StartAdHoc runs a definition once, outside any schedule: a standalone
// params row is written, then the normal start path takes over.
func (s *Scheduler) StartAdHoc(ctx context.Context, p storage.Params) (int64, error) {
	r, err := run.New(p, s.runDeps())
	if err != nil {
		return 0, err
	}
	assets, est, err := r.Prepare(ctx)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	if len(assets) == 0 {
		return 0, fmt.Errorf("nothing to exercise on network %s", p.Network)
	}

	p.ScheduleID = nil
	paramsID, err := s.store.InsertParams(ctx, p)
	if err != nil {
		return 0, err
	}
	return s.StartExecution(ctx, r, assets, est, paramsID)
}

// StartExecution is the single entry point for launching a run. The durable
// execution row and the registry entry both exist before Run.Start is
// invoked, and Run.Start returns before the forced-stop timer is armed, so
// the timeout can never fire against an unregistered execution.
func (s *Scheduler) StartExecution(ctx context.Context, r run.Run, assets []run.Asset, est time.Duration, paramsID int64) (int64, error) {
	s.mu.Lock()
	base := s.baseCtx
	cfg := s.cfg
	s.mu.Unlock()
	if base == nil {
		return 0, errors.New("scheduler not started")
	}

	initial := storage.StatusRunning
	if r.Type() == run.TypeScan {
		initial = storage.StatusQueued
	}

	started := time.Now()
	execID, err := s.store.CreateExecution(ctx, paramsID, r.Network(), initial, started)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.executions[execID] = &execEntry{
		run:      r,
		network:  r.Network(),
		kind:     r.Type(),
		paramsID: paramsID,
		started:  started,
	}
	s.mu.Unlock()

	// The run's internal task must outlive the caller, so it derives from
	// the scheduler's own context rather than the request's.
	if err := r.Start(base, execID, assets); err != nil {
		s.log.Warn("run start failed",
			logx.Int64("execution", execID),
			logx.String("network", r.Network()),
			logx.Err(err))
		mode := storage.CloseTest
		if r.Type() == run.TypeScan {
			mode = storage.CloseScan
		}
		s.closeNow(execID, mode)
		return execID, err
	}

	deadline := est + cfg.TimeoutSlack
	s.tmu.Lock()
	s.timers[execID] = time.AfterFunc(deadline, func() { s.deferredStop(execID) })
	if r.Type() == run.TypeScan {
		s.scanTimers[execID] = time.AfterFunc(cfg.ScanStartDelay, func() { s.scanStarted(execID) })
	}
	s.tmu.Unlock()

	s.log.Info("execution started",
		logx.Int64("execution", execID),
		logx.String("network", r.Network()),
		logx.String("type", string(r.Type())),
		logx.Int("assets", len(assets)),
		logx.Duration("deadline", deadline))
	return execID, nil
}

// StopExecution is the authoritative terminal-state decision point, invoked
// by user request or by the deferred timeout. The result sweep, the status
// decision, and the run teardown commit together or not at all.
func (s *Scheduler) StopExecution(ctx context.Context, id int64) error {
	s.mu.Lock()
	e, ok := s.executions[id]
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}

	mode := storage.CloseTest
	if e.kind == run.TypeScan {
		mode = storage.CloseScan
	}

	stopped := true
	final, err := s.store.CloseExecution(ctx, id, time.Now(), mode, func(final storage.Status, aborted int) bool {
		stopped = e.run.Stop(ctx)
		return stopped
	})
	if err != nil {
		if !stopped {
			return fmt.Errorf("execution %d: %w", id, ErrStopFailed)
		}
		return err
	}

	s.clearExecution(id)
	s.log.Info("execution stopped",
		logx.Int64("execution", id),
		logx.String("network", e.network),
		logx.String("status", string(final)))
	return nil
}

// IsNetworkBusy reports whether the store holds an in-flight execution for
// the network.
func (s *Scheduler) IsNetworkBusy(ctx context.Context, network string) (bool, error) {
	return s.store.NetworkBusy(ctx, network)
}

// Executions lists durable executions, optionally narrowed by filter.
func (s *Scheduler) Executions(ctx context.Context, f storage.ExecutionFilter) ([]storage.Execution, error) {
	return s.store.Executions(ctx, f)
}

// DescribeExecution returns one execution with its result rows.
func (s *Scheduler) DescribeExecution(ctx context.Context, id int64) (ExecutionInfo, error) {
	e, err := s.store.Execution(ctx, id)
	if err != nil {
		return ExecutionInfo{}, err
	}
	rs, err := s.store.Results(ctx, id)
	if err != nil {
		return ExecutionInfo{}, err
	}
	return ExecutionInfo{Execution: e, Results: rs}, nil
}

// IngestResult completes one result row from a raw output blob: derived
// metrics are computed and stored, and a scan whose last expected response
// just arrived is closed as FINISHED.
func (s *Scheduler) IngestResult(ctx context.Context, executionID, resultID int64, raw string) error {
	metricsJSON := ""
	metrics, err := s.statsFn(raw)
	if err != nil {
		s.log.Warn("stats computation failed",
			logx.Int64("execution", executionID),
			logx.Int64("result", resultID),
			logx.Err(err))
	} else if len(metrics) > 0 {
		b, merr := json.Marshal(metrics)
		if merr == nil {
			metricsJSON = string(b)
		}
	}

	if err := s.store.UpdateResult(ctx, resultID, storage.StatusFinished, raw, metricsJSON); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok || e.kind != run.TypeScan {
		return nil
	}

	pending, err := s.store.PendingResults(ctx, executionID)
	if err != nil {
		return err
	}
	if pending == 0 {
		// Last expected response: the scan is complete.
		if err := s.StopExecution(ctx, executionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// deferredStop fires at the forced-termination deadline.
func (s *Scheduler) deferredStop(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	err := s.StopExecution(ctx, id)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound):
		// Finished on its own, or already stopped.
	default:
		s.log.Error("deferred stop failed", logx.Int64("execution", id), logx.Err(err))
	}
}

// scanStarted flips a dispatched scan from QUEUED to RUNNING once it has
// plausibly begun on the radios.
func (s *Scheduler) scanStarted(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	e, err := s.store.Execution(ctx, id)
	if err != nil || e.Status != storage.StatusQueued {
		return
	}
	if err := s.store.SetExecutionStatus(ctx, id, storage.StatusRunning, nil); err != nil {
		s.log.Warn("scan start flip failed", logx.Int64("execution", id), logx.Err(err))
	}
}

// closeNow finalizes an execution whose start never took; with no result
// rows the store decides FAILED. A partial start can still leave sessions
// open, so the run is torn down first rather than left for the next boot's
// sweep.
func (s *Scheduler) closeNow(id int64, mode storage.CloseMode) {
	s.mu.Lock()
	e := s.executions[id]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if e != nil {
		_ = e.run.Stop(ctx)
	}
	if _, err := s.store.CloseExecution(ctx, id, time.Now(), mode, nil); err != nil {
		s.log.Error("execution close failed", logx.Int64("execution", id), logx.Err(err))
	}
	s.clearExecution(id)
}

// clearExecution drops the registry entry and cancels its deferred timers.
func (s *Scheduler) clearExecution(id int64) {
	s.mu.Lock()
	delete(s.executions, id)
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	if t, ok := s.scanTimers[id]; ok {
		_ = t.Stop()
		delete(s.scanTimers, id)
	}
	s.tmu.Unlock()
}
