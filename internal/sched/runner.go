package sched

import (
	"context"
	"errors"
	"time"

	"meshpulse/internal/run"
	"meshpulse/internal/storage"
	logx "meshpulse/pkg/logx"
)

// runLoop is one schedule's cron loop: sleep to the next fire time, then try
// to launch an execution. Every failure mode short of cancellation skips the
// tick and keeps looping; the next tick is the retry.
func (s *Scheduler) runLoop(ctx context.Context, id int64, done chan<- struct{}) {
	defer close(done)

	log := s.log.With(logx.Int64("schedule", id))
	for {
		_, _, spec, ok := s.scheduleSnapshot(id)
		if !ok {
			return
		}
		next := spec.Next(time.Now().In(s.location()))
		if next.IsZero() {
			log.Warn("cron expression yields no future fire time; loop exiting")
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}

		s.tick(ctx, id, log)
	}
}

// tick runs the eligibility checks and hands off to StartExecution.
func (s *Scheduler) tick(ctx context.Context, id int64, log logx.Logger) {
	sched, params, _, ok := s.scheduleSnapshot(id)
	if !ok {
		return
	}

	// Disabling a schedule suppresses execution without stopping its timer.
	if !sched.Enabled {
		log.Debug("schedule disabled; skipping tick")
		return
	}

	busy, err := s.store.NetworkBusy(ctx, params.Network)
	if err != nil {
		log.Warn("busy check failed; skipping tick", logx.Err(err))
		return
	}
	if busy {
		log.Info("network busy; skipping tick", logx.String("network", params.Network))
		return
	}

	r, err := run.New(params, s.runDeps())
	if err != nil {
		log.Error("run build failed; skipping tick", logx.Err(err))
		return
	}

	assets, est, err := r.Prepare(ctx)
	if err != nil {
		// Topology unreachable or otherwise unpreparable: the next cron
		// tick retries.
		log.Warn("prepare failed; skipping tick", logx.String("network", params.Network), logx.Err(err))
		return
	}
	if len(assets) == 0 {
		log.Info("no assets to exercise; skipping tick", logx.String("network", params.Network))
		return
	}

	execID, err := s.StartExecution(ctx, r, assets, est, params.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNetworkBusy) {
			// Lost the race to another start between our check and the
			// store's; same outcome as the busy skip above.
			log.Info("network became busy; skipping tick", logx.String("network", params.Network))
			return
		}
		log.Warn("execution start failed", logx.Err(err))
		return
	}
	log.Debug("tick launched execution", logx.Int64("execution", execID))
}
