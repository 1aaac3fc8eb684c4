package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

const (
	tasksFile    = "tasks.json"
	plannedFile  = "planned_queue.json"
	logsFile     = "logs.json"
	settingsFile = "settings.json"
	perTaskDir   = "planned_tasks"
)

// fileStore keeps one pretty-printed JSON document per concern in a directory.
// Writes go to <name>.tmp first and are renamed over the target.
type fileStore struct {
	log       logx.Logger
	dir       string
	retention int

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, retention: cfg.retention()}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) LoadTasks(context.Context) ([]model.Task, error) {
	var out []model.Task
	err := s.read(tasksFile, &out)
	return out, err
}

func (s *fileStore) SaveTasks(_ context.Context, tasks []model.Task) error {
	return s.write(tasksFile, nonNil(tasks))
}

func (s *fileStore) LoadPlanned(context.Context) ([]model.PlannedItem, error) {
	var out []model.PlannedItem
	err := s.read(plannedFile, &out)
	return out, err
}

func (s *fileStore) SavePlanned(_ context.Context, items []model.PlannedItem) error {
	return s.write(plannedFile, nonNil(items))
}

func (s *fileStore) LoadLogs(context.Context) ([]model.TaskExecutionLog, error) {
	var out []model.TaskExecutionLog
	err := s.read(logsFile, &out)
	return out, err
}

func (s *fileStore) SaveLogs(_ context.Context, logs []model.TaskExecutionLog) error {
	return s.write(logsFile, nonNil(trimLogs(logs, s.retention)))
}

func (s *fileStore) LoadSettings(context.Context) (model.Settings, bool, error) {
	var out model.Settings
	path := filepath.Join(s.dir, settingsFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return out, false, nil
	}
	if err := s.read(settingsFile, &out); err != nil {
		return model.Settings{}, false, err
	}
	return out, true, nil
}

func (s *fileStore) SaveSettings(_ context.Context, st model.Settings) error {
	return s.write(settingsFile, st)
}

func (s *fileStore) SaveOccurrences(_ context.Context, date, taskID string, items []model.PlannedItem) error {
	if date == "" || taskID == "" || strings.ContainsAny(date+taskID, `/\`) {
		return errors.New("invalid occurrence key")
	}
	return s.write(filepath.Join(perTaskDir, date, taskID+".json"), nonNil(items))
}

// read decodes name into v. A missing file leaves v untouched.
func (s *fileStore) read(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func (s *fileStore) write(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	path := filepath.Join(s.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("snapshot written", logx.String("file", name), logx.Int("bytes", len(b)))
	return nil
}

// nonNil makes empty collections encode as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
