package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"renderq/internal/job"
	"renderq/pkg/logx"
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
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes DequeueReady's claim transaction race-free.
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

func (s *sqliteStore) Enqueue(ctx context.Context, j *job.Job) error {
	return s.insert(ctx, j, j.CreatedAt)
}

func (s *sqliteStore) EnqueueDelayed(ctx context.Context, j *job.Job, readyAt time.Time) error {
	return s.insert(ctx, j, readyAt)
}

func (s *sqliteStore) insert(ctx context.Context, j *job.Job, readyAt time.Time) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, type, payload, priority, status, attempts, max_attempts, user_id, created_at, ready_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Type), string(payload), j.Priority, string(job.StatusWaiting),
		j.Attempts, j.MaxAttempts, nullStr(j.UserID), j.CreatedAt.UnixMilli(), readyAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DequeueReady(ctx context.Context, t job.Type) (*job.Job, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, type, payload, priority, status, attempts, max_attempts, last_error, timed_out, result, user_id, created_at, ready_at, started_at, finished_at
		 FROM jobs
		 WHERE type = ? AND status = ? AND ready_at <= ?
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1`,
		string(t), string(job.StatusWaiting), now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ? WHERE id = ? AND status = ?`,
		string(job.StatusActive), now.UnixMilli(), j.ID, string(job.StatusWaiting),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Claimed by someone else between SELECT and UPDATE; treat as empty.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	j.Status = job.StatusActive
	j.Attempts++
	j.StartedAt = &now
	return j, nil
}

func (s *sqliteStore) Ack(ctx context.Context, id string, result any) error {
	res := sql.NullString{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		res = sql.NullString{String: string(b), Valid: true}
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		string(job.StatusCompleted), res, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Fail(ctx context.Context, id string, jobErr string, timedOut bool, retryAt time.Time) error {
	var r sql.Result
	var err error
	if retryAt.IsZero() {
		r, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, timed_out = ?, finished_at = ? WHERE id = ?`,
			string(job.StatusFailed), jobErr, boolInt(timedOut), time.Now().UnixMilli(), id,
		)
	} else {
		r, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, timed_out = ?, ready_at = ?, started_at = NULL WHERE id = ?`,
			string(job.StatusWaiting), jobErr, boolInt(timedOut), retryAt.UnixMilli(), id,
		)
	}
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, t job.Type, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, payload, priority, status, attempts, max_attempts, last_error, timed_out, result, user_id, created_at, ready_at, started_at, finished_at
		 FROM jobs WHERE type = ? AND id = ?`,
		string(t), id,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) Stats(ctx context.Context, t job.Type) (Counts, error) {
	now := time.Now().UnixMilli()
	c := Counts{ByPriority: map[int]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, ready_at > ?, COUNT(*) FROM jobs WHERE type = ? GROUP BY status, ready_at > ?`,
		now, string(t), now,
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var delayed bool
		var n int
		if err := rows.Scan(&status, &delayed, &n); err != nil {
			return c, err
		}
		switch job.Status(status) {
		case job.StatusWaiting:
			if delayed {
				c.Delayed += n
			} else {
				c.Waiting += n
			}
		case job.StatusActive:
			c.Active += n
		case job.StatusCompleted:
			c.Completed += n
		case job.StatusFailed:
			c.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}

	prows, err := s.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM jobs WHERE type = ? AND status = ? AND ready_at <= ? GROUP BY priority`,
		string(t), string(job.StatusWaiting), now,
	)
	if err != nil {
		return c, err
	}
	defer prows.Close()
	for prows.Next() {
		var p, n int
		if err := prows.Scan(&p, &n); err != nil {
			return c, err
		}
		c.ByPriority[p] += n
	}
	return c, prows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j          job.Job
		typ        string
		payload    string
		status     string
		lastErr    sql.NullString
		timedOut   int
		result     sql.NullString
		userID     sql.NullString
		createdAt  int64
		readyAt    int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &typ, &payload, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&lastErr, &timedOut, &result, &userID, &createdAt, &readyAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Type = job.Type(typ)
	j.Status = job.Status(status)
	j.LastError = lastErr.String
	j.TimedOut = timedOut != 0
	j.UserID = userID.String
	j.CreatedAt = time.UnixMilli(createdAt)
	j.ReadyAt = time.UnixMilli(readyAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		j.FinishedAt = &t
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var v any
		if err := json.Unmarshal([]byte(result.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = v
	}
	return &j, nil
}

func nullStr(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
