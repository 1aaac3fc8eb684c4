package storage

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

	"dotpush/internal/model"
	logx "dotpush/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps the same JSON documents as the file driver, one row each.
type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, retention: cfg.retention()}
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

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	_, err := s.get(ctx, tasksFile, &out)
	return out, err
}

func (s *sqliteStore) SaveTasks(ctx context.Context, tasks []model.Task) error {
	return s.put(ctx, tasksFile, nonNil(tasks))
}

func (s *sqliteStore) LoadPlanned(ctx context.Context) ([]model.PlannedItem, error) {
	var out []model.PlannedItem
	_, err := s.get(ctx, plannedFile, &out)
	return out, err
}

func (s *sqliteStore) SavePlanned(ctx context.Context, items []model.PlannedItem) error {
	return s.put(ctx, plannedFile, nonNil(items))
}

func (s *sqliteStore) LoadLogs(ctx context.Context) ([]model.TaskExecutionLog, error) {
	var out []model.TaskExecutionLog
	_, err := s.get(ctx, logsFile, &out)
	return out, err
}

func (s *sqliteStore) SaveLogs(ctx context.Context, logs []model.TaskExecutionLog) error {
	return s.put(ctx, logsFile, nonNil(trimLogs(logs, s.retention)))
}

func (s *sqliteStore) LoadSettings(ctx context.Context) (model.Settings, bool, error) {
	var out model.Settings
	ok, err := s.get(ctx, settingsFile, &out)
	return out, ok, err
}

func (s *sqliteStore) SaveSettings(ctx context.Context, st model.Settings) error {
	return s.put(ctx, settingsFile, st)
}

func (s *sqliteStore) SaveOccurrences(ctx context.Context, date, taskID string, items []model.PlannedItem) error {
	b, err := json.Marshal(nonNil(items))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO occurrences(date, task_id, body, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(date, task_id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		date, taskID, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) get(ctx context.Context, name string, v any) (bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *sqliteStore) put(ctx context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents(name, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		name, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err == nil {
		s.log.Debug("document stored", logx.String("name", name), logx.Int("bytes", len(b)))
	}
	return err
}
