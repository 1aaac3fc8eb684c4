package storage

import (
	"context"
	"fmt"
	"strings"

	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

// Store is the persistence API used by the automation core.
//
// Save methods replace the whole document. SaveLogs applies the retention
// bound before writing.
type Store interface {
	LoadTasks(ctx context.Context) ([]model.Task, error)
	SaveTasks(ctx context.Context, tasks []model.Task) error

	LoadPlanned(ctx context.Context) ([]model.PlannedItem, error)
	SavePlanned(ctx context.Context, items []model.PlannedItem) error

	LoadLogs(ctx context.Context) ([]model.TaskExecutionLog, error)
	SaveLogs(ctx context.Context, logs []model.TaskExecutionLog) error

	// LoadSettings reports ok=false when nothing was ever saved.
	LoadSettings(ctx context.Context) (s model.Settings, ok bool, err error)
	SaveSettings(ctx context.Context, s model.Settings) error

	// SaveOccurrences writes the unmerged per-task trace for one date.
	SaveOccurrences(ctx context.Context, date, taskID string, items []model.PlannedItem) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "none":
		return NewMemory(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
