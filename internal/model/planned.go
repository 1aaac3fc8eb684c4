package model

import "time"

// DateLayout is the calendar-day key used by planned items.
const DateLayout = "2006-01-02"

type PlanStatus string

const (
	StatusPending PlanStatus = "pending"
	StatusDone    PlanStatus = "done"
	StatusSkipped PlanStatus = "skipped"
)

// PlannedItem is one resolved occurrence of a task on a date.
type PlannedItem struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	Date           string     `json:"date"`
	Time           string     `json:"time"`
	Position       uint32     `json:"position"`
	Status         PlanStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExecutedAt     *time.Time `json:"executed_at"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	ScheduledEndAt *time.Time `json:"scheduled_end_at"`
	DurationSec    uint32     `json:"duration_sec,omitempty"`
}

func (p PlannedItem) Pending() bool { return p.Status == StatusPending }

// TaskExecutionLog is an immutable record of one execution attempt.
type TaskExecutionLog struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	ExecutedAt   time.Time `json:"executed_at"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message"`
	DurationMS   uint64    `json:"duration_ms"`
}
