package storage

import (
	"context"
	"sync"

	"dotpush/internal/model"
)

// MemoryStore keeps snapshots in process memory. Tests use it to inspect
// what the core persisted.
type MemoryStore struct {
	mu        sync.Mutex
	retention int

	tasks       []model.Task
	planned     []model.PlannedItem
	logs        []model.TaskExecutionLog
	settings    *model.Settings
	occurrences map[string][]model.PlannedItem // date + "/" + task id

	saves map[string]int
}

func NewMemory(cfg Config) *MemoryStore {
	return &MemoryStore{
		retention:   cfg.retention(),
		occurrences: map[string][]model.PlannedItem{},
		saves:       map[string]int{},
	}
}

func (m *MemoryStore) LoadTasks(context.Context) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *MemoryStore) SaveTasks(_ context.Context, tasks []model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = m.tasks[:0]
	for _, t := range tasks {
		m.tasks = append(m.tasks, t.Clone())
	}
	m.saves["tasks"]++
	return nil
}

func (m *MemoryStore) LoadPlanned(context.Context) ([]model.PlannedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PlannedItem(nil), m.planned...), nil
}

func (m *MemoryStore) SavePlanned(_ context.Context, items []model.PlannedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planned = append([]model.PlannedItem(nil), items...)
	m.saves["planned"]++
	return nil
}

func (m *MemoryStore) LoadLogs(context.Context) ([]model.TaskExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TaskExecutionLog(nil), m.logs...), nil
}

func (m *MemoryStore) SaveLogs(_ context.Context, logs []model.TaskExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append([]model.TaskExecutionLog(nil), trimLogs(logs, m.retention)...)
	m.saves["logs"]++
	return nil
}

func (m *MemoryStore) LoadSettings(context.Context) (model.Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return model.Settings{}, false, nil
	}
	return *m.settings, true, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, s model.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	m.saves["settings"]++
	return nil
}

func (m *MemoryStore) SaveOccurrences(_ context.Context, date, taskID string, items []model.PlannedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occurrences[date+"/"+taskID] = append([]model.PlannedItem(nil), items...)
	m.saves["occurrences"]++
	return nil
}

// Occurrences returns the trace saved for one task and date.
func (m *MemoryStore) Occurrences(date, taskID string) []model.PlannedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PlannedItem(nil), m.occurrences[date+"/"+taskID]...)
}

// SaveCount reports how many times a document kind was written.
func (m *MemoryStore) SaveCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[kind]
}

func (m *MemoryStore) Close() error { return nil }
