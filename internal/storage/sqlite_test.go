package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "meshpulse/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertTestParams(t *testing.T, st Store, network string) int64 {
	t.Helper()
	id, err := st.InsertParams(context.Background(), Params{Network: network, RunType: "link"})
	if err != nil {
		t.Fatalf("InsertParams error: %v", err)
	}
	return id
}

func TestCreateExecutionBusyInvariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	pid := insertTestParams(t, st, "mesh-a")

	execID, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution error: %v", err)
	}

	if _, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now()); !errors.Is(err, ErrNetworkBusy) {
		t.Fatalf("second CreateExecution = %v, want ErrNetworkBusy", err)
	}
	if _, err := st.CreateExecution(ctx, pid, "mesh-a", StatusQueued, time.Now()); !errors.Is(err, ErrNetworkBusy) {
		t.Fatalf("queued CreateExecution = %v, want ErrNetworkBusy", err)
	}

	// A different network is independent.
	pidB := insertTestParams(t, st, "mesh-b")
	if _, err := st.CreateExecution(ctx, pidB, "mesh-b", StatusRunning, time.Now()); err != nil {
		t.Fatalf("other network CreateExecution error: %v", err)
	}

	// Closing frees the slot.
	if _, err := st.CloseExecution(ctx, execID, time.Now(), CloseTest, nil); err != nil {
		t.Fatalf("CloseExecution error: %v", err)
	}
	if _, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now()); err != nil {
		t.Fatalf("CreateExecution after close error: %v", err)
	}
}

func TestCloseExecutionDecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		mode    CloseMode
		results []Status
		want    Status
	}{
		{name: "test no results", mode: CloseTest, want: StatusFailed},
		{name: "test all finished", mode: CloseTest, results: []Status{StatusFinished, StatusFinished}, want: StatusFinished},
		{name: "test one pending", mode: CloseTest, results: []Status{StatusFinished, StatusRunning}, want: StatusAborted},
		{name: "test all pending", mode: CloseTest, results: []Status{StatusRunning, StatusRunning}, want: StatusAborted},
		{name: "scan no results", mode: CloseScan, want: StatusFailed},
		{name: "scan one pending", mode: CloseScan, results: []Status{StatusFinished, StatusQueued}, want: StatusFailed},
		{name: "scan all finished", mode: CloseScan, results: []Status{StatusFinished, StatusFinished}, want: StatusFinished},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newTestStore(t)
			pid := insertTestParams(t, st, "mesh-a")
			execID, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now())
			if err != nil {
				t.Fatalf("CreateExecution error: %v", err)
			}
			for _, rs := range tt.results {
				if _, err := st.InsertResult(ctx, Result{ExecutionID: execID, Src: "aa", Dst: "bb", Status: rs}); err != nil {
					t.Fatalf("InsertResult error: %v", err)
				}
			}

			final, err := st.CloseExecution(ctx, execID, time.Now(), tt.mode, nil)
			if err != nil {
				t.Fatalf("CloseExecution error: %v", err)
			}
			if final != tt.want {
				t.Fatalf("final = %s, want %s", final, tt.want)
			}

			// Every previously pending result row must end ABORTED.
			rows, err := st.Results(ctx, execID)
			if err != nil {
				t.Fatalf("Results error: %v", err)
			}
			for _, r := range rows {
				if !r.Status.Terminal() {
					t.Fatalf("result %d left non-terminal: %s", r.ID, r.Status)
				}
			}

			e, err := st.Execution(ctx, execID)
			if err != nil {
				t.Fatalf("Execution error: %v", err)
			}
			if e.EndDT == nil {
				t.Fatal("closed execution has no end time")
			}
		})
	}
}

func TestCloseExecutionIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	pid := insertTestParams(t, st, "mesh-a")
	execID, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution error: %v", err)
	}
	if _, err := st.InsertResult(ctx, Result{ExecutionID: execID, Src: "aa", Status: StatusRunning}); err != nil {
		t.Fatalf("InsertResult error: %v", err)
	}

	first, err := st.CloseExecution(ctx, execID, time.Now(), CloseTest, nil)
	if err != nil {
		t.Fatalf("first CloseExecution error: %v", err)
	}
	confirmed := false
	second, err := st.CloseExecution(ctx, execID, time.Now(), CloseTest, func(Status, int) bool {
		confirmed = true
		return true
	})
	if err != nil {
		t.Fatalf("second CloseExecution error: %v", err)
	}
	if second != first {
		t.Fatalf("second close = %s, want %s", second, first)
	}
	if confirmed {
		t.Fatal("confirm ran on an already-closed execution")
	}
}

func TestCloseExecutionConfirmRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	pid := insertTestParams(t, st, "mesh-a")
	execID, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution error: %v", err)
	}
	rid, err := st.InsertResult(ctx, Result{ExecutionID: execID, Src: "aa", Status: StatusRunning})
	if err != nil {
		t.Fatalf("InsertResult error: %v", err)
	}

	var sawFinal Status
	var sawAborted int
	if _, err := st.CloseExecution(ctx, execID, time.Now(), CloseTest, func(final Status, aborted int) bool {
		sawFinal, sawAborted = final, aborted
		return false
	}); err == nil {
		t.Fatal("expected error when confirm refuses")
	}
	if sawFinal != StatusAborted || sawAborted != 1 {
		t.Fatalf("confirm saw (%s, %d), want (ABORTED, 1)", sawFinal, sawAborted)
	}

	// The refused close must leave everything as it was.
	e, err := st.Execution(ctx, execID)
	if err != nil {
		t.Fatalf("Execution error: %v", err)
	}
	if e.Status != StatusRunning || e.EndDT != nil {
		t.Fatalf("execution mutated by rolled-back close: %s", e.Status)
	}
	rows, err := st.Results(ctx, execID)
	if err != nil {
		t.Fatalf("Results error: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != rid || rows[0].Status != StatusRunning {
		t.Fatalf("result mutated by rolled-back close: %+v", rows)
	}
}

func TestUpdateScheduleParamsAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	p := Params{Network: "mesh-a", RunType: "link", OptionsJSON: `{"sequential":true}`}
	scheduleID, paramsID, err := st.CreateSchedule(ctx, Schedule{Enabled: true, CronExpr: "0 * * * *"}, p)
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}

	// Unchanged definition reuses the latest snapshot.
	gotID, appended, err := st.UpdateSchedule(ctx, Schedule{ID: scheduleID, Enabled: false, CronExpr: "30 * * * *"}, p)
	if err != nil {
		t.Fatalf("UpdateSchedule error: %v", err)
	}
	if appended || gotID != paramsID {
		t.Fatalf("unchanged params: id=%d appended=%v, want id=%d appended=false", gotID, appended, paramsID)
	}

	// A changed definition gets a new version.
	p.OptionsJSON = `{"sequential":false}`
	gotID, appended, err = st.UpdateSchedule(ctx, Schedule{ID: scheduleID, Enabled: true, CronExpr: "30 * * * *"}, p)
	if err != nil {
		t.Fatalf("UpdateSchedule error: %v", err)
	}
	if !appended || gotID == paramsID {
		t.Fatalf("changed params: id=%d appended=%v, want a fresh id", gotID, appended)
	}

	latest, err := st.LatestParams(ctx, scheduleID)
	if err != nil {
		t.Fatalf("LatestParams error: %v", err)
	}
	if latest.ID != gotID || latest.OptionsJSON != p.OptionsJSON {
		t.Fatalf("LatestParams = %+v, want id %d", latest, gotID)
	}

	sps, err := st.Schedules(ctx)
	if err != nil {
		t.Fatalf("Schedules error: %v", err)
	}
	if len(sps) != 1 || sps[0].Schedule.CronExpr != "30 * * * *" || sps[0].Params.ID != gotID {
		t.Fatalf("Schedules = %+v", sps)
	}

	if _, _, err := st.UpdateSchedule(ctx, Schedule{ID: 9999, CronExpr: "* * * * *"}, p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSchedule missing row = %v, want ErrNotFound", err)
	}
}

func TestDeleteScheduleDetachesParams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	scheduleID, _, err := st.CreateSchedule(ctx, Schedule{Enabled: true, CronExpr: "@hourly"},
		Params{Network: "mesh-a", RunType: "scan"})
	if err != nil {
		t.Fatalf("CreateSchedule error: %v", err)
	}
	if err := st.DeleteSchedule(ctx, scheduleID); err != nil {
		t.Fatalf("DeleteSchedule error: %v", err)
	}
	if _, err := st.LatestParams(ctx, scheduleID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestParams after delete = %v, want ErrNotFound", err)
	}
	if err := st.DeleteSchedule(ctx, scheduleID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteSchedule = %v, want ErrNotFound", err)
	}
}

func TestSweepOrphansIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	pid := insertTestParams(t, st, "mesh-a")

	execID, err := st.CreateExecution(ctx, pid, "mesh-a", StatusRunning, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := st.InsertResult(ctx, Result{ExecutionID: execID, Src: "aa", Status: StatusRunning}); err != nil {
			t.Fatalf("InsertResult error: %v", err)
		}
	}

	execs, results, err := st.SweepOrphans(ctx, time.Now())
	if err != nil {
		t.Fatalf("SweepOrphans error: %v", err)
	}
	if execs != 1 || results != 2 {
		t.Fatalf("sweep = (%d, %d), want (1, 2)", execs, results)
	}

	e, err := st.Execution(ctx, execID)
	if err != nil {
		t.Fatalf("Execution error: %v", err)
	}
	if e.Status != StatusAborted || e.EndDT == nil {
		t.Fatalf("swept execution = %s end=%v", e.Status, e.EndDT)
	}

	execs, results, err = st.SweepOrphans(ctx, time.Now())
	if err != nil {
		t.Fatalf("second SweepOrphans error: %v", err)
	}
	if execs != 0 || results != 0 {
		t.Fatalf("second sweep = (%d, %d), want (0, 0)", execs, results)
	}

	busy, err := st.NetworkBusy(ctx, "mesh-a")
	if err != nil {
		t.Fatalf("NetworkBusy error: %v", err)
	}
	if busy {
		t.Fatal("network still busy after sweep")
	}
}

func TestExecutionsFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	pidA := insertTestParams(t, st, "mesh-a")
	pidB := insertTestParams(t, st, "mesh-b")

	ea, err := st.CreateExecution(ctx, pidA, "mesh-a", StatusRunning, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution error: %v", err)
	}
	if _, err := st.CloseExecution(ctx, ea, time.Now(), CloseTest, nil); err != nil {
		t.Fatalf("CloseExecution error: %v", err)
	}
	if _, err := st.CreateExecution(ctx, pidB, "mesh-b", StatusRunning, time.Now()); err != nil {
		t.Fatalf("CreateExecution error: %v", err)
	}

	all, err := st.Executions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("Executions error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered = %d rows, want 2", len(all))
	}

	running, err := st.Executions(ctx, ExecutionFilter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("Executions error: %v", err)
	}
	if len(running) != 1 || running[0].Network != "mesh-b" {
		t.Fatalf("running filter = %+v", running)
	}

	byNet, err := st.Executions(ctx, ExecutionFilter{Network: "mesh-a"})
	if err != nil {
		t.Fatalf("Executions error: %v", err)
	}
	if len(byNet) != 1 || byNet[0].ID != ea {
		t.Fatalf("network filter = %+v", byNet)
	}
}

func TestNetworks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	insertTestParams(t, st, "mesh-b")
	insertTestParams(t, st, "mesh-a")
	insertTestParams(t, st, "mesh-a")

	nets, err := st.Networks(ctx)
	if err != nil {
		t.Fatalf("Networks error: %v", err)
	}
	if len(nets) != 2 || nets[0] != "mesh-a" || nets[1] != "mesh-b" {
		t.Fatalf("Networks = %v", nets)
	}
}
