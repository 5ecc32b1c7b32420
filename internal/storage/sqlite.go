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

	"triggerd/internal/recurrence"
	logx "triggerd/pkg/logx"

	_ "modernc.org/sqlite"
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

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

// ---- schedule configs ----

func (s *sqliteStore) SaveScheduleConfig(ctx context.Context, sc ScheduleConfig) (ScheduleConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ScheduleConfig{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevRevision int64
	var prevAnchor, prevMonthDay int
	err = tx.QueryRowContext(ctx,
		`SELECT revision, anchor_day, month_day FROM schedule_configs WHERE template_id = ?`,
		sc.TemplateID,
	).Scan(&prevRevision, &prevAnchor, &prevMonthDay)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sc.Rule.Revision = 1
	case err != nil:
		return ScheduleConfig{}, err
	default:
		sc.Rule.Revision = prevRevision + 1
		if sc.Rule.AnchorDay == 0 && sc.Rule.MonthDay == prevMonthDay {
			sc.Rule.AnchorDay = prevAnchor
		}
	}
	if sc.Rule.AnchorDay == 0 {
		sc.Rule.AnchorDay = sc.Rule.MonthDay
	}
	sc.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule_configs(template_id, enabled, kind, run_date, run_time, weekday, month_day, anchor_day, cron_expr, revision, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(template_id) DO UPDATE SET
		   enabled=excluded.enabled, kind=excluded.kind, run_date=excluded.run_date,
		   run_time=excluded.run_time, weekday=excluded.weekday, month_day=excluded.month_day,
		   anchor_day=excluded.anchor_day, cron_expr=excluded.cron_expr,
		   revision=excluded.revision, updated_at=excluded.updated_at`,
		sc.TemplateID, boolInt(sc.Enabled), string(sc.Rule.Kind), nullStr(sc.Rule.RunDate), nullStr(sc.Rule.RunTime),
		int(sc.Rule.Weekday), sc.Rule.MonthDay, sc.Rule.AnchorDay, nullStr(sc.Rule.CronExpr),
		sc.Rule.Revision, fmtTime(sc.UpdatedAt),
	)
	if err != nil {
		return ScheduleConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScheduleConfig{}, err
	}
	return sc, nil
}

func (s *sqliteStore) GetScheduleConfig(ctx context.Context, templateID string) (ScheduleConfig, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT template_id, enabled, kind, run_date, run_time, weekday, month_day, anchor_day, cron_expr, revision, updated_at
		 FROM schedule_configs WHERE template_id = ?`, templateID)
	sc, err := scanScheduleConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleConfig{}, false, nil
	}
	if err != nil {
		return ScheduleConfig{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) ListEnabledScheduleConfigs(ctx context.Context) ([]ScheduleConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT template_id, enabled, kind, run_date, run_time, weekday, month_day, anchor_day, cron_expr, revision, updated_at
		 FROM schedule_configs WHERE enabled = 1 ORDER BY template_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleConfig
	for rows.Next() {
		sc, err := scanScheduleConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduleConfig(r rowScanner) (ScheduleConfig, error) {
	var (
		sc        ScheduleConfig
		enabled   int
		kind      string
		runDate   sql.NullString
		runTime   sql.NullString
		weekday   int
		cronExpr  sql.NullString
		updatedAt string
	)
	err := r.Scan(&sc.TemplateID, &enabled, &kind, &runDate, &runTime, &weekday,
		&sc.Rule.MonthDay, &sc.Rule.AnchorDay, &cronExpr, &sc.Rule.Revision, &updatedAt)
	if err != nil {
		return ScheduleConfig{}, err
	}
	sc.Enabled = enabled != 0
	sc.Rule.Kind = recurrence.Kind(kind)
	sc.Rule.RunDate = runDate.String
	sc.Rule.RunTime = runTime.String
	sc.Rule.Weekday = time.Weekday(weekday)
	sc.Rule.CronExpr = cronExpr.String
	sc.UpdatedAt = parseTime(updatedAt)
	return sc, nil
}

// ---- slot receipts ----

func (s *sqliteStore) CommitSlot(ctx context.Context, templateID, slotKey string, firedAt time.Time) (bool, SlotReceipt, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO slot_receipts(template_id, slot_key, status, fired_at)
		 VALUES(?,?,?,?) ON CONFLICT(template_id, slot_key) DO NOTHING`,
		templateID, slotKey, SlotFired, fmtTime(firedAt),
	)
	if err != nil {
		return false, SlotReceipt{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, SlotReceipt{}, err
	}
	if n > 0 {
		return true, SlotReceipt{TemplateID: templateID, SlotKey: slotKey, Status: SlotFired, FiredAt: firedAt}, nil
	}
	existing, _, err := s.GetSlotReceipt(ctx, templateID, slotKey)
	return false, existing, err
}

func (s *sqliteStore) GetSlotReceipt(ctx context.Context, templateID, slotKey string) (SlotReceipt, bool, error) {
	var r SlotReceipt
	var firedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT template_id, slot_key, status, fired_at FROM slot_receipts WHERE template_id = ? AND slot_key = ?`,
		templateID, slotKey,
	).Scan(&r.TemplateID, &r.SlotKey, &r.Status, &firedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SlotReceipt{}, false, nil
	}
	if err != nil {
		return SlotReceipt{}, false, err
	}
	r.FiredAt = parseTime(firedAt)
	return r, true, nil
}

// ---- retry states ----

func (s *sqliteStore) PutRetryState(ctx context.Context, st RetryState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_states(signature, template_id, slot_key, slot_at, attempts, next_at, exhausted)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(signature) DO UPDATE SET
		   attempts=excluded.attempts, next_at=excluded.next_at, exhausted=excluded.exhausted`,
		st.Signature, st.TemplateID, st.SlotKey, fmtTime(st.SlotAt), st.Attempts, fmtTime(st.NextAt), boolInt(st.Exhausted),
	)
	return err
}

func (s *sqliteStore) GetRetryState(ctx context.Context, signature string) (RetryState, bool, error) {
	var (
		st             RetryState
		slotAt, nextAt string
		exhausted      int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT signature, template_id, slot_key, slot_at, attempts, next_at, exhausted FROM retry_states WHERE signature = ?`,
		signature,
	).Scan(&st.Signature, &st.TemplateID, &st.SlotKey, &slotAt, &st.Attempts, &nextAt, &exhausted)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryState{}, false, nil
	}
	if err != nil {
		return RetryState{}, false, err
	}
	st.SlotAt = parseTime(slotAt)
	st.NextAt = parseTime(nextAt)
	st.Exhausted = exhausted != 0
	return st, true, nil
}

func (s *sqliteStore) DeleteRetryState(ctx context.Context, signature string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_states WHERE signature = ?`, signature)
	return err
}

func (s *sqliteStore) ListDueRetryStates(ctx context.Context, now time.Time) ([]RetryState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, template_id, slot_key, slot_at, attempts, next_at, exhausted
		 FROM retry_states WHERE exhausted = 0 AND next_at <= ? ORDER BY next_at`,
		fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryState
	for rows.Next() {
		var (
			st             RetryState
			slotAt, nextAt string
			exhausted      int
		)
		if err := rows.Scan(&st.Signature, &st.TemplateID, &st.SlotKey, &slotAt, &st.Attempts, &nextAt, &exhausted); err != nil {
			return nil, err
		}
		st.SlotAt = parseTime(slotAt)
		st.NextAt = parseTime(nextAt)
		st.Exhausted = exhausted != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- event receipts ----

func (s *sqliteStore) PutEventReceipt(ctx context.Context, r EventReceipt, ttl time.Duration, maxCount int) (bool, EventReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, EventReceipt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO event_receipts(idempotency_key, template_id, run_id, received_at)
		 VALUES(?,?,?,?) ON CONFLICT(idempotency_key) DO NOTHING`,
		r.IdempotencyKey, r.TemplateID, r.RunID, fmtTime(r.ReceivedAt),
	)
	if err != nil {
		return false, EventReceipt{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, EventReceipt{}, err
	}
	if n == 0 {
		// First writer won. Report its receipt.
		var existing EventReceipt
		var receivedAt string
		err := tx.QueryRowContext(ctx,
			`SELECT idempotency_key, template_id, run_id, received_at FROM event_receipts WHERE idempotency_key = ?`,
			r.IdempotencyKey,
		).Scan(&existing.IdempotencyKey, &existing.TemplateID, &existing.RunID, &receivedAt)
		if err != nil {
			return false, EventReceipt{}, err
		}
		existing.ReceivedAt = parseTime(receivedAt)
		return false, existing, tx.Commit()
	}
	if ttl > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_receipts WHERE received_at < ?`, fmtTime(r.ReceivedAt.Add(-ttl))); err != nil {
			return false, EventReceipt{}, err
		}
	}
	if maxCount > 0 {
		// Oldest first, regardless of age.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_receipts WHERE idempotency_key IN (
			   SELECT idempotency_key FROM event_receipts ORDER BY received_at DESC LIMIT -1 OFFSET ?
			 )`, maxCount); err != nil {
			return false, EventReceipt{}, err
		}
	}
	return true, r, tx.Commit()
}

func (s *sqliteStore) GetEventReceipt(ctx context.Context, key string, now time.Time, ttl time.Duration) (EventReceipt, bool, error) {
	var r EventReceipt
	var receivedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, template_id, run_id, received_at FROM event_receipts WHERE idempotency_key = ?`,
		key,
	).Scan(&r.IdempotencyKey, &r.TemplateID, &r.RunID, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EventReceipt{}, false, nil
	}
	if err != nil {
		return EventReceipt{}, false, err
	}
	r.ReceivedAt = parseTime(receivedAt)
	if ttl > 0 && r.ReceivedAt.Before(now.Add(-ttl)) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM event_receipts WHERE idempotency_key = ?`, key)
		return EventReceipt{}, false, nil
	}
	return r, true, nil
}

// ---- retry jobs ----

func (s *sqliteStore) EnqueueRetryJob(ctx context.Context, job RetryJob, maxSize int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if maxSize > 0 {
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM retry_jobs WHERE status IN (?,?)`, JobPending, JobRetrying,
		).Scan(&pending); err != nil {
			return err
		}
		if pending >= maxSize {
			return ErrQueueFull
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO retry_jobs(job_id, payload, reason_class, reason_code, attempts, max_attempts, next_due_at, status, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		job.JobID, string(job.Payload), job.ReasonClass, nullStr(job.ReasonCode),
		job.Attempts, job.MaxAttempts, fmtTime(job.NextDueAt), job.Status, fmtTime(job.UpdatedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ClaimRetryJob(ctx context.Context, jobID string, now time.Time) (RetryJob, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_jobs SET status = ?, updated_at = ?
		 WHERE job_id = ? AND status = ? AND next_due_at <= ?`,
		JobRetrying, fmtTime(now), jobID, JobPending, fmtTime(now),
	)
	if err != nil {
		return RetryJob{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return RetryJob{}, false, err
	}
	job, ok, err := s.getRetryJob(ctx, jobID)
	if err != nil || !ok {
		return RetryJob{}, false, err
	}
	return job, true, nil
}

func (s *sqliteStore) getRetryJob(ctx context.Context, jobID string) (RetryJob, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, payload, reason_class, reason_code, attempts, max_attempts, next_due_at, status, updated_at
		 FROM retry_jobs WHERE job_id = ?`, jobID)
	job, err := scanRetryJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryJob{}, false, nil
	}
	if err != nil {
		return RetryJob{}, false, err
	}
	return job, true, nil
}

func (s *sqliteStore) ReclaimStaleRetryJobs(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_jobs SET status = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		JobPending, fmtTime(now), JobRetrying, fmtTime(now.Add(-ttl)),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) UpdateRetryJob(ctx context.Context, job RetryJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_jobs SET payload = ?, reason_class = ?, reason_code = ?, attempts = ?,
		   max_attempts = ?, next_due_at = ?, status = ?, updated_at = ?
		 WHERE job_id = ?`,
		string(job.Payload), job.ReasonClass, nullStr(job.ReasonCode), job.Attempts,
		job.MaxAttempts, fmtTime(job.NextDueAt), job.Status, fmtTime(job.UpdatedAt), job.JobID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListDueRetryJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, payload, reason_class, reason_code, attempts, max_attempts, next_due_at, status, updated_at
		 FROM retry_jobs WHERE status = ? AND next_due_at <= ? ORDER BY next_due_at LIMIT ?`,
		JobPending, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRetryJobs(rows)
}

func (s *sqliteStore) ListRetryJobs(ctx context.Context, limit int) ([]RetryJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, payload, reason_class, reason_code, attempts, max_attempts, next_due_at, status, updated_at
		 FROM retry_jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRetryJobs(rows)
}

func (s *sqliteStore) PruneRetryJobs(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_jobs WHERE status IN (?,?) AND updated_at < ?`,
		JobResolved, JobEscalated, fmtTime(olderThan))
	return err
}

func collectRetryJobs(rows *sql.Rows) ([]RetryJob, error) {
	var out []RetryJob
	for rows.Next() {
		job, err := scanRetryJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanRetryJob(r rowScanner) (RetryJob, error) {
	var (
		job                RetryJob
		payload            string
		reasonCode         sql.NullString
		nextDue, updatedAt string
	)
	err := r.Scan(&job.JobID, &payload, &job.ReasonClass, &reasonCode, &job.Attempts,
		&job.MaxAttempts, &nextDue, &job.Status, &updatedAt)
	if err != nil {
		return RetryJob{}, err
	}
	job.Payload = []byte(payload)
	job.ReasonCode = reasonCode.String
	job.NextDueAt = parseTime(nextDue)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, source, status, template_id, slot_key, event_id, run_id, reason_class, reason_code, retry_advice, duplicate, detail)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		fmtTime(rec.At), rec.Source, rec.Status, nullStr(rec.TemplateID), nullStr(rec.SlotKey),
		nullStr(rec.EventID), nullStr(rec.RunID), nullStr(rec.ReasonClass), nullStr(rec.ReasonCode),
		nullStr(rec.RetryAdvice), boolInt(rec.Duplicate), nullStr(rec.Detail),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where := "1=1"
	args := []any{}
	if q.Source != "" {
		where += " AND source = ?"
		args = append(args, q.Source)
	}
	if !q.Since.IsZero() {
		where += " AND at >= ?"
		args = append(args, fmtTime(q.Since))
	}
	if !q.Until.IsZero() {
		where += " AND at < ?"
		args = append(args, fmtTime(q.Until))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, source, status, template_id, slot_key, event_id, run_id, reason_class, reason_code, retry_advice, duplicate, detail
		 FROM audit WHERE `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec                                          AuditRecord
			at                                           string
			templateID, slotKey, eventID, runID          sql.NullString
			reasonClass, reasonCode, retryAdvice, detail sql.NullString
			duplicate                                    int
		)
		if err := rows.Scan(&rec.ID, &at, &rec.Source, &rec.Status, &templateID, &slotKey, &eventID,
			&runID, &reasonClass, &reasonCode, &retryAdvice, &duplicate, &detail); err != nil {
			return nil, err
		}
		rec.At = parseTime(at)
		rec.TemplateID = templateID.String
		rec.SlotKey = slotKey.String
		rec.EventID = eventID.String
		rec.RunID = runID.String
		rec.ReasonClass = reasonClass.String
		rec.ReasonCode = reasonCode.String
		rec.RetryAdvice = retryAdvice.String
		rec.Duplicate = duplicate != 0
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- leases ----

func (s *sqliteStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var curHolder, heartbeat string
	err = tx.QueryRowContext(ctx, `SELECT holder, heartbeat_at FROM leases WHERE name = ?`, name).Scan(&curHolder, &heartbeat)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO leases(name, holder, heartbeat_at) VALUES(?,?,?)`, name, holder, fmtTime(now)); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	default:
		stale := ttl > 0 && parseTime(heartbeat).Before(now.Add(-ttl))
		if curHolder != holder && !stale {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE leases SET holder = ?, heartbeat_at = ? WHERE name = ?`, holder, fmtTime(now), name); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *sqliteStore) RenewLease(ctx context.Context, name, holder string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET heartbeat_at = ? WHERE name = ? AND holder = ?`, fmtTime(now), name, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// ---- helpers ----

// Fixed-width UTC layout so stored times compare correctly as strings
// (SQL does `next_at <= ?` and friends on these columns).
const timeLayout = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
