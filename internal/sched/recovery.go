package sched

import (
	"context"
	"time"

	logx "meshpulse/pkg/logx"
)

// Restart reconciles the store with reality after a process (re)start:
// best-effort stop of any controller sessions a previous process left open,
// sweep of orphaned in-flight rows, then relaunch of every stored schedule.
// Safe to call more than once; an already-registered schedule is left alone
// and a clean store sweeps zero rows.
func (s *Scheduler) Restart(ctx context.Context) error {
	networks, err := s.store.Networks(ctx)
	if err != nil {
		return err
	}
	for _, n := range networks {
		if err := s.topo.StopAllSessions(ctx, n); err != nil {
			// The controller may be down or the network gone; recovery
			// proceeds regardless.
			s.log.Warn("session cleanup failed", logx.String("network", n), logx.Err(err))
		}
	}

	execs, results, err := s.store.SweepOrphans(ctx, time.Now())
	if err != nil {
		return err
	}
	if execs > 0 || results > 0 {
		s.log.Info("orphaned state swept",
			logx.Int64("executions", execs),
			logx.Int64("results", results))
	}

	sps, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}
	launched := 0
	for _, sp := range sps {
		spec, err := s.parser.Parse(sp.Schedule.CronExpr)
		if err != nil {
			// A row this process can no longer parse should not take down
			// recovery of the rest.
			s.log.Error("stored cron expression invalid; schedule not armed",
				logx.Int64("schedule", sp.Schedule.ID),
				logx.String("cron", sp.Schedule.CronExpr),
				logx.Err(err))
			continue
		}
		s.registerSchedule(sp.Schedule, sp.Params, spec)
		launched++
	}

	s.log.Info("recovery complete",
		logx.Int("networks", len(networks)),
		logx.Int("schedules", launched))
	return nil
}
