package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/taskroom/internal/task"
	_ "modernc.org/sqlite"
)

const memoryDSN = ":memory:"

// SQLite stores task snapshots in a SQLite database. An empty path or
// ":memory:" keeps the database in process memory.
type SQLite struct {
	db   *sql.DB
	path string
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = memoryDSN
	}
	if path != memoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create task database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task database %q: %w", path, err)
	}
	// A second connection to :memory: would see an empty database.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path}
	if err := s.initDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at_unix_nano INTEGER NOT NULL,
			task_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at_unix_nano);
	`)
	if err != nil {
		return fmt.Errorf("initialise task schema: %w", err)
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, t task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id,
			idempotency_key,
			state,
			created_at_unix_nano,
			task_json
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			state = excluded.state,
			created_at_unix_nano = excluded.created_at_unix_nano,
			task_json = excluded.task_json
	`,
		t.ID,
		t.IdempotencyKey,
		t.State.String(),
		t.CreatedAt.UnixNano(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT task_json FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, fmt.Errorf("%w %q", task.ErrNotFound, id)
		}
		return task.Task{}, err
	}
	return t, nil
}

func (s *SQLite) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_json FROM tasks ORDER BY created_at_unix_nano, id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := make([]task.Task, 0)
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (task.Task, error) {
	var payload string
	if err := sc.Scan(&payload); err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
