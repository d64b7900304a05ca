package storage

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	logx "cronhub/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the few places sqlite and postgres differ.
type dialect struct {
	name       string
	migrations string
	numbered   bool // $1, $2 ... placeholders
}

var (
	sqliteDialect   = dialect{name: "sqlite", migrations: "migrations/sqlite.sql"}
	postgresDialect = dialect{name: "postgres", migrations: "migrations/postgres.sql", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migrations)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "storage: %s migration", s.d.name)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, name, url, method, schedule, headers, body, timeout_seconds, status, pause_requested,
	last_run, next_run, lease_until, success_count, failure_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                       Job
		headers, body           sql.NullString
		status                  string
		pause                   int64
		lastRun, nextRun, lease sql.NullInt64
		created, updated        int64
	)
	err := r.Scan(&j.ID, &j.Name, &j.URL, &j.Method, &j.Schedule, &headers, &body, &j.TimeoutSeconds,
		&status, &pause, &lastRun, &nextRun, &lease, &j.SuccessCount, &j.FailureCount, &created, &updated)
	if err != nil {
		return Job{}, err
	}
	j.Headers = headers.String
	j.Body = body.String
	j.Status = JobStatus(status)
	j.PauseRequested = pause != 0
	j.LastRun = fromNullMillis(lastRun)
	j.NextRun = fromNullMillis(nextRun)
	j.LeaseUntil = fromNullMillis(lease)
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return j, nil
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list jobs")
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, errors.Wrapf(err, "storage: get job %s", id)
	}
	return j, nil
}

func (s *sqlStore) CreateJob(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	_, err := s.exec(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.URL, j.Method, j.Schedule, nullStr(j.Headers), nullStr(j.Body), j.TimeoutSeconds,
		string(j.Status), boolInt(j.PauseRequested), nullMillis(j.LastRun), nullMillis(j.NextRun),
		nullMillis(j.LeaseUntil), j.SuccessCount, j.FailureCount, j.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", errors.Wrap(err, "storage: create job")
	}
	return j.ID, nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.URL != nil {
		set("url", *u.URL)
	}
	if u.Method != nil {
		set("method", *u.Method)
	}
	if u.Schedule != nil {
		set("schedule", *u.Schedule)
	}
	if u.Headers != nil {
		set("headers", nullStr(*u.Headers))
	}
	if u.Body != nil {
		set("body", nullStr(*u.Body))
	}
	if u.TimeoutSeconds != nil {
		set("timeout_seconds", *u.TimeoutSeconds)
	}
	if u.LastRun != nil {
		set("last_run", u.LastRun.UnixMilli())
	}
	if u.LeaseUntil != nil {
		set("lease_until", u.LeaseUntil.UnixMilli())
	}
	if u.ClearLease {
		sets = append(sets, "lease_until = NULL")
	}

	switch {
	case u.RequestPause:
		// Every CASE reads the pre-update status.
		sets = append(sets,
			"status = CASE WHEN status = 'running' THEN status ELSE 'paused' END",
			"pause_requested = CASE WHEN status = 'running' THEN 1 ELSE 0 END",
			"next_run = CASE WHEN status = 'running' THEN next_run ELSE NULL END",
		)
	case u.FinishRun:
		// SET expressions read the pre-update row, so both CASEs see the same flag.
		sets = append(sets, "status = CASE WHEN pause_requested = 1 THEN 'paused' ELSE CAST(? AS TEXT) END")
		args = append(args, string(*u.Status))
		sets = append(sets, "next_run = CASE WHEN pause_requested = 1 THEN NULL ELSE CAST(? AS BIGINT) END")
		args = append(args, nullMillis(u.NextRun))
		sets = append(sets, "pause_requested = 0")
	default:
		if u.Status != nil {
			set("status", string(*u.Status))
		}
		if u.PauseRequested != nil {
			set("pause_requested", boolInt(*u.PauseRequested))
		}
		if u.NextRun != nil {
			set("next_run", u.NextRun.UnixMilli())
		}
		if u.ClearNextRun {
			sets = append(sets, "next_run = NULL")
		}
	}
	set("updated_at", s.now().UnixMilli())

	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return errors.Wrapf(err, "storage: update job %s", id)
	}
	return requireRow(res)
}

func (s *sqlStore) ClaimJob(ctx context.Context, id string, c Claim) (Job, error) {
	q := `UPDATE jobs SET status = 'running', lease_until = ?, updated_at = ?,
		pause_requested = CASE WHEN status = 'paused' THEN 1 ELSE pause_requested END
		WHERE id = ? AND status <> 'running'`
	args := []any{c.Lease.UnixMilli(), s.now().UnixMilli(), id}
	if !c.AllowPaused {
		q += ` AND status <> 'paused'`
	}
	if c.DueAt != nil {
		q += ` AND next_run = ?`
		args = append(args, c.DueAt.UnixMilli())
	}

	var j Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(q), args...)
		if err != nil {
			return errors.Wrapf(err, "storage: claim job %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		j, err = scanJob(tx.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "storage: read claimed job %s", id)
		}
		if n == 0 {
			return ErrNotClaimable
		}
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM error_logs WHERE job_id = ?`), id); err != nil {
			return errors.Wrap(err, "storage: delete error logs")
		}
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM executions WHERE job_id = ?`), id); err != nil {
			return errors.Wrap(err, "storage: delete executions")
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM jobs WHERE id = ?`), id)
		if err != nil {
			return errors.Wrap(err, "storage: delete job")
		}
		return requireRow(res)
	})
}

const executionColumns = `id, job_id, job_name, start_time, end_time, status, duration_ms, logs, response_status, response_body`

func (s *sqlStore) AppendExecution(ctx context.Context, e Execution) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.now().UnixMilli()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			q    string
			args []any
		)
		switch e.Status {
		case ExecSuccess:
			q = `UPDATE jobs SET success_count = success_count + 1, last_run = ?, updated_at = ? WHERE id = ?`
			args = []any{finishedAt(e).UnixMilli(), now, e.JobID}
		case ExecFailed:
			q = `UPDATE jobs SET failure_count = failure_count + 1, last_run = ?, updated_at = ? WHERE id = ?`
			args = []any{finishedAt(e).UnixMilli(), now, e.JobID}
		default:
			q = `UPDATE jobs SET updated_at = ? WHERE id = ?`
			args = []any{now, e.JobID}
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(q), args...)
		if err != nil {
			return errors.Wrap(err, "storage: bump job counters")
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO executions(`+executionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`),
			e.ID, e.JobID, e.JobName, e.StartTime.UnixMilli(), nullMillis(e.EndTime), string(e.Status),
			e.DurationMS, nullStr(e.Logs), nullInt(e.ResponseStatus), nullStr(e.ResponseBody),
		)
		return errors.Wrap(err, "storage: insert execution")
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func scanExecution(r rowScanner) (Execution, error) {
	var (
		e                  Execution
		start              int64
		end, respStatus    sql.NullInt64
		status             string
		logs, responseBody sql.NullString
	)
	if err := r.Scan(&e.ID, &e.JobID, &e.JobName, &start, &end, &status, &e.DurationMS, &logs, &respStatus, &responseBody); err != nil {
		return Execution{}, err
	}
	e.StartTime = time.UnixMilli(start)
	e.EndTime = fromNullMillis(end)
	e.Status = ExecutionStatus(status)
	e.Logs = logs.String
	e.ResponseStatus = fromNullInt(respStatus)
	e.ResponseBody = responseBody.String
	return e, nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE job_id = ? ORDER BY start_time DESC`
	args := []any{jobID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list executions")
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PruneExecutions(ctx context.Context, jobID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.exec(ctx,
		`DELETE FROM executions WHERE job_id = ? AND id NOT IN (
			SELECT id FROM executions WHERE job_id = ? ORDER BY start_time DESC LIMIT ?)`,
		jobID, jobID, keep,
	)
	if err != nil {
		return 0, errors.Wrap(err, "storage: prune executions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) CountExecutions(ctx context.Context, from, to time.Time) (ExecutionCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT status, COUNT(*) FROM executions WHERE start_time >= ? AND start_time < ? GROUP BY status`),
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return ExecutionCounts{}, errors.Wrap(err, "storage: count executions")
	}
	defer rows.Close()
	var c ExecutionCounts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return ExecutionCounts{}, errors.Wrap(err, "storage: scan execution count")
		}
		c.add(ExecutionStatus(status), n)
	}
	return c, rows.Err()
}

const errorLogColumns = `id, job_id, job_name, execution_id, ts, kind, message, detail, response_status`

func (s *sqlStore) AppendErrorLog(ctx context.Context, e ErrorLog) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO error_logs(`+errorLogColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, e.JobID, e.JobName, nullStr(e.ExecutionID), e.Timestamp.UnixMilli(), e.Kind, e.Message,
		nullStr(e.Detail), nullInt(e.ResponseStatus),
	)
	if err != nil {
		return "", errors.Wrap(err, "storage: insert error log")
	}
	return e.ID, nil
}

func (s *sqlStore) ListErrorLogs(ctx context.Context, jobID string, limit int) ([]ErrorLog, error) {
	q := `SELECT ` + errorLogColumns + ` FROM error_logs`
	var args []any
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY ts DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list error logs")
	}
	defer rows.Close()
	var out []ErrorLog
	for rows.Next() {
		var (
			e              ErrorLog
			execID, detail sql.NullString
			ts             int64
			respStatus     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobName, &execID, &ts, &e.Kind, &e.Message, &detail, &respStatus); err != nil {
			return nil, errors.Wrap(err, "storage: scan error log")
		}
		e.ExecutionID = execID.String
		e.Timestamp = time.UnixMilli(ts)
		e.Detail = detail.String
		e.ResponseStatus = fromNullInt(respStatus)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteErrorLog(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM error_logs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "storage: delete error log")
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return timePtr(time.UnixMilli(v.Int64))
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return intPtr(int(v.Int64))
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
