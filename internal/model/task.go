// Package model holds the persisted shapes of the automation core.
//
// Everything here is serialized to the JSON snapshots (tasks.json,
// planned_queue.json, logs.json, settings.json) so field names are part of
// the on-disk contract.
package model

import (
	"strings"
	"time"
)

// DefaultDuration is the on-device occupancy of one firing when a task
// does not set duration_sec.
const DefaultDuration = 5 * time.Second

type TaskType string

const (
	TaskText        TaskType = "text"
	TaskImage       TaskType = "image"
	TaskTextToImage TaskType = "text-to-image"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskText, TaskImage, TaskTextToImage:
		return true
	}
	return false
}

// ScheduleKind is the resolved timing rule of a task.
type ScheduleKind int

const (
	KindFixed ScheduleKind = iota
	KindInterval
	KindCron
)

func (k ScheduleKind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindInterval:
		return "interval"
	default:
		return "cron"
	}
}

type Task struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      TaskType      `json:"task_type"`
	Enabled   bool          `json:"enabled"`
	Schedule  string        `json:"schedule"`
	DeviceIDs []string      `json:"device_ids"`
	Config    PayloadConfig `json:"config"`

	LastRun    *time.Time `json:"last_run"`
	NextRun    *time.Time `json:"next_run"`
	RunCount   uint64     `json:"run_count"`
	ErrorCount uint64     `json:"error_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// One-shot instant; cleared after the first dispatch attempt.
	FixedAt     *time.Time `json:"fixed_at,omitempty"`
	IntervalSec uint32     `json:"interval_sec,omitempty"`
	// Lower value wins.
	Priority    int    `json:"priority"`
	DurationSec uint32 `json:"duration_sec,omitempty"`
}

// Kind resolves the schedule with precedence fixed > interval > cron,
// regardless of which fields are set together.
func (t Task) Kind() ScheduleKind {
	switch {
	case t.FixedAt != nil:
		return KindFixed
	case t.IntervalSec > 0:
		return KindInterval
	default:
		return KindCron
	}
}

// ShadowedSchedules lists the schedule fields that are set but ignored
// because a higher-precedence field is also set.
func (t Task) ShadowedSchedules() []string {
	var out []string
	hasCron := strings.TrimSpace(t.Schedule) != ""
	switch t.Kind() {
	case KindFixed:
		if t.IntervalSec > 0 {
			out = append(out, "interval_sec")
		}
		if hasCron {
			out = append(out, "schedule")
		}
	case KindInterval:
		if hasCron {
			out = append(out, "schedule")
		}
	}
	return out
}

// Duration returns the occupancy of one firing.
func (t Task) Duration() time.Duration {
	if t.DurationSec == 0 {
		return DefaultDuration
	}
	return time.Duration(t.DurationSec) * time.Second
}

// PrimaryDevice returns the only device currently addressed.
func (t Task) PrimaryDevice() string {
	if len(t.DeviceIDs) == 0 {
		return ""
	}
	return strings.TrimSpace(t.DeviceIDs[0])
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	cp := t
	cp.DeviceIDs = append([]string(nil), t.DeviceIDs...)
	cp.LastRun = cloneTime(t.LastRun)
	cp.NextRun = cloneTime(t.NextRun)
	cp.FixedAt = cloneTime(t.FixedAt)
	cp.Config = t.Config.Clone()
	return cp
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Settings is the global switch persisted in settings.json.
type Settings struct {
	AutomationEnabled bool `json:"automation_enabled"`
}
