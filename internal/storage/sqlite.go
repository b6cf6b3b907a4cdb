package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "meshpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules / params ----

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc Schedule, p Params) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO schedules(enabled, cron_expr, created_at, updated_at) VALUES(?,?,?,?)`,
		sc.Enabled, sc.CronExpr, now, now,
	)
	if err != nil {
		return 0, 0, err
	}
	scheduleID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}

	paramsID, err := insertParamsTx(ctx, tx, &scheduleID, p)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return scheduleID, paramsID, nil
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc Schedule, p Params) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE schedules SET enabled=?, cron_expr=?, updated_at=? WHERE id=?`,
		sc.Enabled, sc.CronExpr, fmtTime(time.Now()), sc.ID,
	)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, ErrNotFound
	}

	latest, err := latestParamsTx(ctx, tx, sc.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}

	paramsID := latest.ID
	appended := false
	// Params are append-only for audit: a changed definition gets a new
	// version, an unchanged one reuses the latest row.
	if errors.Is(err, ErrNotFound) || !latest.Same(p) {
		paramsID, err = insertParamsTx(ctx, tx, &sc.ID, p)
		if err != nil {
			return 0, false, err
		}
		appended = true
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return paramsID, appended, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Schedules(ctx context.Context) ([]ScheduleWithParams, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.enabled, s.cron_expr,
		        p.id, p.network, p.run_type, p.options_json, p.allowlist_json
		   FROM schedules s
		   JOIN params p ON p.id = (
		        SELECT id FROM params WHERE schedule_id = s.id ORDER BY id DESC LIMIT 1)
		  ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleWithParams
	for rows.Next() {
		var sp ScheduleWithParams
		if err := rows.Scan(
			&sp.Schedule.ID, &sp.Schedule.Enabled, &sp.Schedule.CronExpr,
			&sp.Params.ID, &sp.Params.Network, &sp.Params.RunType,
			&sp.Params.OptionsJSON, &sp.Params.AllowlistJSON,
		); err != nil {
			return nil, err
		}
		sid := sp.Schedule.ID
		sp.Params.ScheduleID = &sid
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestParams(ctx context.Context, scheduleID int64) (Params, error) {
	return latestParams(ctx, s.db, scheduleID)
}

func (s *sqliteStore) InsertParams(ctx context.Context, p Params) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := insertParamsTx(ctx, tx, p.ScheduleID, p)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertParamsTx(ctx context.Context, tx *sql.Tx, scheduleID *int64, p Params) (int64, error) {
	var sid any
	if scheduleID != nil {
		sid = *scheduleID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO params(schedule_id, network, run_type, options_json, allowlist_json, created_at)
		 VALUES(?,?,?,?,?,?)`,
		sid, p.Network, p.RunType, orDefault(p.OptionsJSON, "{}"), p.AllowlistJSON, fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func latestParamsTx(ctx context.Context, tx *sql.Tx, scheduleID int64) (Params, error) {
	return latestParams(ctx, tx, scheduleID)
}

func latestParams(ctx context.Context, q querier, scheduleID int64) (Params, error) {
	var p Params
	err := q.QueryRowContext(ctx,
		`SELECT id, network, run_type, options_json, allowlist_json
		   FROM params WHERE schedule_id=? ORDER BY id DESC LIMIT 1`,
		scheduleID,
	).Scan(&p.ID, &p.Network, &p.RunType, &p.OptionsJSON, &p.AllowlistJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Params{}, ErrNotFound
	}
	if err != nil {
		return Params{}, err
	}
	p.ScheduleID = &scheduleID
	return p, nil
}

// ---- executions ----

func (s *sqliteStore) CreateExecution(ctx context.Context, paramsID int64, network string, status Status, start time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Busy check and insert share the transaction, so two concurrent starts
	// cannot both slip past the check. The partial unique index on
	// executions(network) is the backstop.
	var busy bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM executions WHERE network=? AND status IN ('QUEUED','RUNNING'))`,
		network,
	).Scan(&busy)
	if err != nil {
		return 0, err
	}
	if busy {
		return 0, ErrNetworkBusy
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO executions(params_id, network, status, start_dt) VALUES(?,?,?,?)`,
		paramsID, network, string(status), fmtTime(start),
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_executions_busy") {
			return 0, ErrNetworkBusy
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *sqliteStore) SetExecutionStatus(ctx context.Context, id int64, status Status, end *time.Time) error {
	var res sql.Result
	var err error
	if end != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status=?, end_dt=? WHERE id=?`, string(status), fmtTime(*end), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status=? WHERE id=?`, string(status), id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Execution(ctx context.Context, id int64) (Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, params_id, network, status, start_dt, end_dt FROM executions WHERE id=?`, id)
	return scanExecution(row)
}

func (s *sqliteStore) Executions(ctx context.Context, f ExecutionFilter) ([]Execution, error) {
	q := `SELECT id, params_id, network, status, start_dt, end_dt FROM executions`
	var conds []string
	var args []any
	if f.Network != "" {
		conds = append(conds, "network=?")
		args = append(args, f.Network)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NetworkBusy(ctx context.Context, network string) (bool, error) {
	var busy bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM executions WHERE network=? AND status IN ('QUEUED','RUNNING'))`,
		network,
	).Scan(&busy)
	return busy, err
}

// ---- results ----

func (s *sqliteStore) InsertResult(ctx context.Context, r Result) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results(execution_id, src, dst, status, raw_blob, metrics_json)
		 VALUES(?,?,?,?,?,?)`,
		r.ExecutionID, r.Src, r.Dst, string(r.Status), r.RawBlob, r.MetricsJSON,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateResult(ctx context.Context, id int64, status Status, rawBlob, metricsJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET status=?, raw_blob=?, metrics_json=? WHERE id=?`,
		string(status), rawBlob, metricsJSON, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Results(ctx context.Context, executionID int64) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, src, dst, status, raw_blob, metrics_json
		   FROM results WHERE execution_id=? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var st string
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.Src, &r.Dst, &st, &r.RawBlob, &r.MetricsJSON); err != nil {
			return nil, err
		}
		r.Status = Status(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PendingResults(ctx context.Context, executionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE execution_id=? AND status IN ('QUEUED','RUNNING')`,
		executionID,
	).Scan(&n)
	return n, err
}

// ---- terminal decision ----

func (s *sqliteStore) CloseExecution(ctx context.Context, id int64, end time.Time, mode CloseMode, confirm func(final Status, aborted int) bool) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id=?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// Already closed: nothing to decide, and no rows to touch.
	if Status(cur).Terminal() {
		return Status(cur), nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE results SET status=? WHERE execution_id=? AND status IN ('QUEUED','RUNNING')`,
		string(StatusAborted), id,
	)
	if err != nil {
		return "", err
	}
	aborted64, _ := res.RowsAffected()
	aborted := int(aborted64)

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE execution_id=?`, id,
	).Scan(&total); err != nil {
		return "", err
	}

	// Test precedence: nothing ever started -> FAILED; anything forcibly
	// aborted -> ABORTED; everything already terminal -> FINISHED.
	// Scans collapse both failure shapes to FAILED.
	final := StatusFinished
	switch {
	case total == 0:
		final = StatusFailed
	case aborted > 0:
		final = StatusAborted
		if mode == CloseScan {
			final = StatusFailed
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, end_dt=? WHERE id=?`,
		string(final), fmtTime(end), id,
	); err != nil {
		return "", err
	}

	if confirm != nil && !confirm(final, aborted) {
		return "", errors.New("close aborted by caller")
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return final, nil
}

// ---- recovery ----

func (s *sqliteStore) SweepOrphans(ctx context.Context, end time.Time) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	re, err := tx.ExecContext(ctx,
		`UPDATE results SET status=? WHERE status IN ('QUEUED','RUNNING')`, string(StatusAborted))
	if err != nil {
		return 0, 0, err
	}
	nr, _ := re.RowsAffected()

	ee, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, end_dt=? WHERE status IN ('QUEUED','RUNNING')`,
		string(StatusAborted), fmtTime(end))
	if err != nil {
		return 0, 0, err
	}
	ne, _ := ee.RowsAffected()

	return ne, nr, tx.Commit()
}

func (s *sqliteStore) Networks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT network FROM params ORDER BY network`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---- helpers ----

func scanExecution(row *sql.Row) (Execution, error) {
	var e Execution
	var st, startS string
	var endS sql.NullString
	err := row.Scan(&e.ID, &e.ParamsID, &e.Network, &st, &startS, &endS)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, err
	}
	return fillExecution(e, st, startS, endS)
}

func scanExecutionRows(rows *sql.Rows) (Execution, error) {
	var e Execution
	var st, startS string
	var endS sql.NullString
	if err := rows.Scan(&e.ID, &e.ParamsID, &e.Network, &st, &startS, &endS); err != nil {
		return Execution{}, err
	}
	return fillExecution(e, st, startS, endS)
}

func fillExecution(e Execution, st, startS string, endS sql.NullString) (Execution, error) {
	e.Status = Status(st)
	t, err := parseTime(startS)
	if err != nil {
		return Execution{}, err
	}
	e.StartDT = t
	if endS.Valid && endS.String != "" {
		et, err := parseTime(endS.String)
		if err != nil {
			return Execution{}, err
		}
		e.EndDT = &et
	}
	return e, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
