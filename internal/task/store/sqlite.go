package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deferq/internal/task"
	logx "deferq/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	ordinal     INTEGER NOT NULL UNIQUE,
	kind        TEXT NOT NULL,
	worker      TEXT NOT NULL,
	state       INTEGER NOT NULL,
	terminal    INTEGER NOT NULL DEFAULT 0,
	next_due    INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	version     INTEGER NOT NULL DEFAULT 1,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_due ON tasks(state, next_due);
CREATE INDEX IF NOT EXISTS tasks_finished ON tasks(terminal, finished_at);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const (
	defaultBusyTimeout = 5 * time.Second
	maxWriteAttempts   = 8
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// nanos maps the zero time to 0 so it sorts before every real instant.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeTask(body string) (task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

func (s *sqliteStore) nextOrdinal(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var n uint64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO meta(key, value) VALUES('ordinal', COALESCE((SELECT MAX(ordinal) FROM tasks), 0) + 1)
		 ON CONFLICT(key) DO UPDATE SET value = value + 1
		 RETURNING value`).Scan(&n)
	return n, err
}

func (s *sqliteStore) Submit(ctx context.Context, t task.Task) (task.ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	ord, err := s.nextOrdinal(ctx, tx)
	if err != nil {
		return "", err
	}
	rec, err := prepareSubmit(t, ord, time.Now())
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(id, ordinal, kind, worker, state, terminal, next_due, finished_at, version, body)
		 VALUES(?,?,?,?,?,?,?,?,1,?)`,
		string(rec.ID), rec.Ordinal, string(rec.Kind), rec.Worker, int(rec.State), boolInt(rec.Terminal()),
		nanos(rec.NextDue), nanos(rec.FinishedAt), string(body),
	)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *sqliteStore) getVersioned(ctx context.Context, id task.ID) (task.Task, int64, error) {
	var (
		body    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT body, version FROM tasks WHERE id = ?`, string(id)).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, 0, notFound(id)
	}
	if err != nil {
		return task.Task{}, 0, err
	}
	t, err := decodeTask(body)
	return t, version, err
}

func (s *sqliteStore) Get(ctx context.Context, id task.ID) (task.Task, error) {
	t, _, err := s.getVersioned(ctx, id)
	return t, err
}

// Update is optimistic: the row is rewritten only if its version is unchanged
// since the read, otherwise the read-modify-write is retried.
func (s *sqliteStore) Update(ctx context.Context, id task.ID, fn func(t *task.Task) error) (task.Task, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		t, err := s.tryUpdate(ctx, id, fn)
		if errors.Is(err, errWriteConflict) {
			s.log.Debug("task write conflict; retrying", logx.String("task", string(id)), logx.Int("attempt", attempt+1))
			continue
		}
		return t, err
	}
	return task.Task{}, fmt.Errorf("update %s: %w after %d attempts", id, errWriteConflict, maxWriteAttempts)
}

func (s *sqliteStore) tryUpdate(ctx context.Context, id task.ID, fn func(t *task.Task) error) (task.Task, error) {
	cur, version, err := s.getVersioned(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return task.Task{}, err
	}
	next.ID = cur.ID
	next.Ordinal = cur.Ordinal
	body, err := json.Marshal(next)
	if err != nil {
		return task.Task{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, terminal = ?, next_due = ?, finished_at = ?, worker = ?, body = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		int(next.State), boolInt(next.Terminal()), nanos(next.NextDue), nanos(next.FinishedAt), next.Worker, string(body),
		string(id), version,
	)
	if err != nil {
		return task.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.Task{}, err
	}
	if n == 0 {
		return task.Task{}, errWriteConflict
	}
	return next, nil
}

func (s *sqliteStore) UpdateState(ctx context.Context, id task.ID, st task.State) error {
	_, err := s.Update(ctx, id, func(t *task.Task) error {
		t.Transition(st, time.Now())
		return nil
	})
	return err
}

func (s *sqliteStore) Cancel(ctx context.Context, id task.ID) (task.Task, error) {
	return s.Update(ctx, id, func(t *task.Task) error {
		applyCancel(t, time.Now())
		return nil
	})
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.query(ctx,
		`SELECT body FROM tasks WHERE state = ? AND kind = ? AND next_due <= ? ORDER BY ordinal`,
		int(task.StateEnqueued), string(task.KindPeriodic), nanos(now))
}

func (s *sqliteStore) ListEligible(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.query(ctx,
		`SELECT body FROM tasks WHERE state = ? AND next_due <= ? ORDER BY ordinal`,
		int(task.StateEnqueued), nanos(now))
}

func (s *sqliteStore) NextDue(ctx context.Context, after time.Time) (time.Time, bool, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_due) FROM tasks WHERE state = ? AND next_due > ?`,
		int(task.StateEnqueued), nanos(after)).Scan(&n)
	if err != nil {
		return time.Time{}, false, err
	}
	if !n.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, n.Int64), true, nil
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]task.Task, error) {
	q := `SELECT body FROM tasks`
	var args []any
	if f.Worker != "" {
		q += ` WHERE worker = ?`
		args = append(args, f.Worker)
	}
	q += ` ORDER BY ordinal`
	all, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for i := range all {
		if f.match(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id task.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *sqliteStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE terminal = 1 AND finished_at > 0 AND finished_at < ?`, nanos(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
