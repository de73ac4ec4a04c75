// Package state persists instance records and challenge progress in SQLite.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Fixed width so that lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and pragmas below are
	// per-connection.
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	s := &Store{
		db:  db,
		now: time.Now,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          TEXT NOT NULL,
			container_handle TEXT,
			port             INTEGER NOT NULL,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			last_accessed    TEXT NOT NULL,
			assignment_id    TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS instances_running_user ON instances(user_id) WHERE status = 'running';
		CREATE UNIQUE INDEX IF NOT EXISTS instances_running_port ON instances(port) WHERE status = 'running';
		CREATE INDEX IF NOT EXISTS instances_status_accessed ON instances(status, last_accessed);

		CREATE TABLE IF NOT EXISTS solved_challenges (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT NOT NULL,
			challenge_id  INTEGER NOT NULL,
			solved_at     TEXT NOT NULL,
			assignment_id TEXT NOT NULL DEFAULT '',
			UNIQUE(user_id, challenge_id, assignment_id)
		);

		CREATE TABLE IF NOT EXISTS assignment_challenges (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			assignment_id         TEXT NOT NULL,
			challenge_id          INTEGER NOT NULL,
			challenge_name        TEXT NOT NULL,
			challenge_description TEXT NOT NULL DEFAULT '',
			challenge_difficulty  INTEGER NOT NULL DEFAULT 0,
			UNIQUE(assignment_id, challenge_id)
		);
	`)
	return err
}

const instanceColumns = `id, user_id, COALESCE(container_handle, ''), port, status, created_at, last_accessed, assignment_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (Instance, error) {
	var (
		inst                  Instance
		status                string
		createdAt, accessedAt string
	)
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.ContainerHandle, &inst.Port, &status, &createdAt, &accessedAt, &inst.AssignmentID); err != nil {
		return Instance{}, err
	}
	inst.Status = Status(status)
	var err error
	if inst.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Instance{}, fmt.Errorf("instance %d created_at: %w", inst.ID, err)
	}
	if inst.LastAccessed, err = time.Parse(timeLayout, accessedAt); err != nil {
		return Instance{}, fmt.Errorf("instance %d last_accessed: %w", inst.ID, err)
	}
	return inst, nil
}

func (s *Store) stamp() string { return s.now().UTC().Format(timeLayout) }

// GetRunningInstance returns the user's running record. Should the one-running
// invariant ever be broken, every record but the most recently accessed one
// is stopped before returning.
func (s *Store) GetRunningInstance(ctx context.Context, userID string) (Instance, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE user_id = ? AND status = 'running'
		ORDER BY last_accessed DESC, id DESC`, userID)
	if err != nil {
		return Instance{}, false, storageErr("get_running_instance", err)
	}
	var found []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return Instance{}, false, storageErr("get_running_instance", err)
		}
		found = append(found, inst)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Instance{}, false, storageErr("get_running_instance", err)
	}
	if len(found) == 0 {
		return Instance{}, false, nil
	}
	if len(found) > 1 {
		s.log.Error("store_invariant_violation",
			slog.String("user_id", userID),
			slog.Int("running_records", len(found)),
			slog.Int64("kept_id", found[0].ID))
		for _, extra := range found[1:] {
			if err := s.UpdateStatus(ctx, extra.ID, StatusStopped); err != nil {
				return Instance{}, false, err
			}
		}
	}
	return found[0], true, nil
}

func (s *Store) GetInstance(ctx context.Context, id int64) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, storageErr("get_instance", err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY id DESC`)
	if err != nil {
		return nil, storageErr("list_instances", err)
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storageErr("list_instances", err)
		}
		out = append(out, inst)
	}
	return out, storageErr("list_instances", rows.Err())
}

func (s *Store) InsertInstance(ctx context.Context, in NewInstance) (int64, error) {
	if err := Transition(StatusNone, in.Status); err != nil {
		return 0, storageErr("insert_instance", err)
	}
	now := s.stamp()
	var handle any
	if in.ContainerHandle != "" {
		handle = in.ContainerHandle
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (user_id, container_handle, port, status, created_at, last_accessed, assignment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.UserID, handle, in.Port, string(in.Status), now, now, in.AssignmentID)
	if err != nil {
		if isConstraint(err) {
			return 0, storageErr("insert_instance", fmt.Errorf("%w: %v", ErrConflict, err))
		}
		return 0, storageErr("insert_instance", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert_instance", err)
	}
	return id, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, to Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("update_status", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storageErr("update_status", ErrNotFound)
	}
	if err != nil {
		return storageErr("update_status", err)
	}
	if err := Transition(Status(current), to); err != nil {
		return storageErr("update_status", err)
	}
	if Status(current) == to {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instances SET status = ? WHERE id = ?`, string(to), id); err != nil {
		if isConstraint(err) {
			return storageErr("update_status", fmt.Errorf("%w: %v", ErrConflict, err))
		}
		return storageErr("update_status", err)
	}
	return storageErr("update_status", tx.Commit())
}

func (s *Store) TouchLastAccessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET last_accessed = ? WHERE id = ?`, s.stamp(), id)
	return storageErr("touch_last_accessed", err)
}

func (s *Store) ListRunningPorts(ctx context.Context) (map[int]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM instances WHERE status = 'running'`)
	if err != nil {
		return nil, storageErr("list_running_ports", err)
	}
	defer rows.Close()
	used := map[int]struct{}{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, storageErr("list_running_ports", err)
		}
		used[p] = struct{}{}
	}
	return used, storageErr("list_running_ports", rows.Err())
}

// ListExpired returns running records not accessed within idle.
func (s *Store) ListExpired(ctx context.Context, idle time.Duration) ([]ExpiredInstance, error) {
	cutoff := s.now().Add(-idle).UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(container_handle, '') FROM instances
		WHERE status = 'running' AND last_accessed < ?
		ORDER BY last_accessed ASC`, cutoff)
	if err != nil {
		return nil, storageErr("list_expired", err)
	}
	defer rows.Close()
	var out []ExpiredInstance
	for rows.Next() {
		var e ExpiredInstance
		if err := rows.Scan(&e.ID, &e.ContainerHandle); err != nil {
			return nil, storageErr("list_expired", err)
		}
		out = append(out, e)
	}
	return out, storageErr("list_expired", rows.Err())
}

func (s *Store) ListRunningHandles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT container_handle FROM instances
		WHERE status = 'running' AND container_handle IS NOT NULL AND container_handle != ''`)
	if err != nil {
		return nil, storageErr("list_running_handles", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, storageErr("list_running_handles", err)
		}
		out = append(out, h)
	}
	return out, storageErr("list_running_handles", rows.Err())
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE status = 'running'`).Scan(&n)
	return n, storageErr("count_running", err)
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
