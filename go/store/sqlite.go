package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// schemaVersion is the newest schema this build understands. Open refuses
// to operate against a store file written by a newer build.
const schemaVersion = 1

// schemaDDL creates the task table, the reservation index, and the meta
// table which carries the schema version.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id      TEXT PRIMARY KEY,
    status       TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'success', 'failed')),
    payload      BLOB NOT NULL,
    enqueued_at  TEXT NOT NULL,
    available_at TEXT NOT NULL,
    started_at   TEXT,
    finished_at  TEXT,
    result_value BLOB,
    error        TEXT,
    traceback    TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_available_at
    ON tasks (status, available_at);
CREATE TABLE IF NOT EXISTS meta (
    schema_version INTEGER NOT NULL
);
`

// timeLayout is a fixed-width RFC 3339 rendering in UTC. Fixed width keeps
// lexicographic ordering of stored timestamps identical to chronological
// ordering, which Reserve's ORDER BY and available_at comparison rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// SQLite is the Store implementation over a local SQLite database file.
//
// The connection pool is limited to a single connection so that in-process
// transactions serialize on it, while cross-process serialization falls to
// SQLite's file locking (WAL mode, immediate transactions, busy timeout).
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLite)(nil)

// SQLite / go-sqlite3 is a bit fickle about raced opens of a newly created
// database, often returning "database is locked" errors. Ensure one Open
// completes before the next starts.
var sqliteOpenMu sync.Mutex

// Open opens or creates the store file at path, creating the schema if
// absent and verifying the schema version.
func Open(path string) (*SQLite, error) {
	var dsn = fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_txlock=immediate",
		path,
	)

	sqliteOpenMu.Lock()
	defer sqliteOpenMu.Unlock()

	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, errors.Join(ErrStoreUnavailable, err))
	}
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening store %q: %w", path, errors.Join(ErrStoreUnavailable, err))
	}
	if _, err = db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", errors.Join(ErrStoreUnavailable, err))
	}
	if err = checkSchemaVersion(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"path": path, "schemaVersion": schemaVersion}).
		Info("opened task store")

	return &SQLite{db: db, path: path}, nil
}

func checkSchemaVersion(db *sql.DB) error {
	var version int
	var err = db.QueryRow(`SELECT schema_version FROM meta`).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		if _, err = db.Exec(`INSERT INTO meta (schema_version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("writing schema version: %w", errors.Join(ErrStoreUnavailable, err))
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("reading schema version: %w", errors.Join(ErrStoreUnavailable, err))
	}

	if version > schemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d: %w",
			version, schemaVersion, ErrStoreUnavailable)
	}
	return nil
}

// Path returns the store file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Enqueue(ctx context.Context, taskID string, payload []byte, availableAt time.Time) error {
	var now = time.Now().UTC()
	if availableAt.Before(now) {
		// Preserve available_at >= enqueued_at.
		availableAt = now
	}

	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, status, payload, enqueued_at, available_at)
		VALUES (?, 'pending', ?, ?, ?)`,
		taskID, payload, formatTime(now), formatTime(availableAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("enqueueing task %q: %w", taskID, ErrDuplicateTaskID)
		}
		return fmt.Errorf("enqueueing task %q: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	}

	enqueuedCounter.Inc()
	return nil
}

func (s *SQLite) Reserve(ctx context.Context, maxItems int, now time.Time) ([]Reserved, error) {
	if maxItems < 1 {
		return nil, nil
	}

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning reserve transaction: %w", errors.Join(ErrStoreUnavailable, err))
	}
	defer tx.Rollback()

	// Candidates are ordered by (enqueued_at, task_id): a total, deterministic
	// order which prefers older tasks and breaks ties consistently.
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, payload, enqueued_at
			FROM tasks
			WHERE status = 'pending' AND available_at <= ?
			ORDER BY enqueued_at ASC, task_id ASC
			LIMIT ?`,
		formatTime(now), maxItems,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting reservable tasks: %w", errors.Join(ErrStoreUnavailable, err))
	}

	var reserved []Reserved
	for rows.Next() {
		var r Reserved
		var enqueuedAt string
		if err = rows.Scan(&r.TaskID, &r.Payload, &enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning reservable task: %w", errors.Join(ErrStoreUnavailable, err))
		}
		if r.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing enqueued_at of task %q: %w", r.TaskID, errors.Join(ErrStoreUnavailable, err))
		}
		reserved = append(reserved, r)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("selecting reservable tasks: %w", errors.Join(ErrStoreUnavailable, err))
	}
	rows.Close()

	var startedAt = formatTime(now)
	for _, r := range reserved {
		if _, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'in_progress', started_at = ?
				WHERE task_id = ?`,
			startedAt, r.TaskID,
		); err != nil {
			return nil, fmt.Errorf("reserving task %q: %w", r.TaskID, errors.Join(ErrStoreUnavailable, err))
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reservation: %w", errors.Join(ErrStoreUnavailable, err))
	}

	reservedCounter.Add(float64(len(reserved)))
	return reserved, nil
}

func (s *SQLite) MarkSuccess(ctx context.Context, taskID string, resultValue []byte, finishedAt time.Time) error {
	// The empty blob is a legitimate success value; keep it distinct from NULL.
	if resultValue == nil {
		resultValue = []byte{}
	}

	var res, err = s.db.ExecContext(ctx, `
		UPDATE tasks
			SET status = 'success', result_value = ?, finished_at = ?
			WHERE task_id = ? AND status = 'in_progress'`,
		resultValue, formatTime(finishedAt), taskID,
	)
	if err != nil {
		return fmt.Errorf("marking task %q success: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("marking task %q success: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	} else if n == 0 {
		return fmt.Errorf("marking task %q success: %w", taskID, ErrStaleTransition)
	}

	transitionCounter.WithLabelValues("success").Inc()
	return nil
}

func (s *SQLite) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error {
	var res, err = s.db.ExecContext(ctx, `
		UPDATE tasks
			SET status = 'failed', error = ?, traceback = ?, finished_at = ?
			WHERE task_id = ? AND status = 'in_progress'`,
		errMsg, traceback, formatTime(finishedAt), taskID,
	)
	if err != nil {
		return fmt.Errorf("marking task %q failed: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("marking task %q failed: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	} else if n == 0 {
		return fmt.Errorf("marking task %q failed: %w", taskID, ErrStaleTransition)
	}

	transitionCounter.WithLabelValues("failed").Inc()
	return nil
}

func (s *SQLite) GetResult(ctx context.Context, taskID string) (*Task, error) {
	var row = s.db.QueryRowContext(ctx, `
		SELECT task_id, status, payload, enqueued_at, available_at,
				started_at, finished_at, result_value, error, traceback
			FROM tasks WHERE task_id = ?`,
		taskID,
	)

	var task, err = scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading task %q: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	}
	return task, nil
}

func (s *SQLite) ListTasks(ctx context.Context, status Status, limit int) ([]Task, error) {
	if limit < 1 {
		limit = -1 // SQLite: no limit.
	}

	var query = `
		SELECT task_id, status, payload, enqueued_at, available_at,
				started_at, finished_at, result_value, error, traceback
			FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY enqueued_at DESC, task_id DESC LIMIT ?`
	args = append(args, limit)

	var rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", errors.Join(ErrStoreUnavailable, err))
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", errors.Join(ErrStoreUnavailable, err))
		}
		tasks = append(tasks, *task)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", errors.Join(ErrStoreUnavailable, err))
	}
	return tasks, nil
}

func (s *SQLite) Requeue(ctx context.Context, taskID string) error {
	var res, err = s.db.ExecContext(ctx, `
		UPDATE tasks
			SET status = 'pending', started_at = NULL
			WHERE task_id = ? AND status = 'in_progress'`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("requeueing task %q: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeueing task %q: %w", taskID, errors.Join(ErrStoreUnavailable, err))
	}
	if n == 0 {
		// Distinguish a missing row from one in the wrong state.
		if task, err := s.GetResult(ctx, taskID); err != nil {
			return err
		} else if task == nil {
			return fmt.Errorf("requeueing task %q: %w", taskID, ErrNoSuchTask)
		}
		return fmt.Errorf("requeueing task %q: %w", taskID, ErrStaleTransition)
	}

	transitionCounter.WithLabelValues("pending").Inc()
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging store: %w", errors.Join(ErrStoreUnavailable, err))
	}
	return nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// scanTask reads one full task row. The scan callback abstracts over
// sql.Row and sql.Rows.
func scanTask(scan func(...any) error) (*Task, error) {
	var task Task
	var status, enqueuedAt, availableAt string
	var startedAt, finishedAt, errMsg, traceback sql.NullString

	if err := scan(
		&task.TaskID, &status, &task.Payload, &enqueuedAt, &availableAt,
		&startedAt, &finishedAt, &task.ResultValue, &errMsg, &traceback,
	); err != nil {
		return nil, err
	}

	task.Status = Status(status)
	task.Error = errMsg.String
	task.Traceback = traceback.String

	var err error
	if task.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at: %w", err)
	}
	if task.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, fmt.Errorf("parsing available_at: %w", err)
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		task.FinishedAt = &t
	}
	return &task, nil
}
