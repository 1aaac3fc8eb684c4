package storage

import (
	"errors"
	"time"

	"dotpush/internal/model"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// DefaultLogRetention bounds logs.json.
const DefaultLogRetention = 100

// Config configures storage.
//
// Driver values:
//   - "file": JSON documents under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "memory" (or empty): process-local, nothing survives a restart
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	LogRetention int           // 0 means DefaultLogRetention
}

func (c Config) retention() int {
	if c.LogRetention <= 0 {
		return DefaultLogRetention
	}
	return c.LogRetention
}

// trimLogs keeps the most recent n entries (the tail of the append order).
func trimLogs(logs []model.TaskExecutionLog, n int) []model.TaskExecutionLog {
	if n <= 0 || len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}
