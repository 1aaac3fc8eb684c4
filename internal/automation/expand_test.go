package automation

import (
	"errors"
	"testing"
	"time"

	"dotpush/internal/model"
)

var testLoc = time.FixedZone("UTC+8", 8*3600)

func at(h, m, s int) time.Time {
	return time.Date(2025, 1, 1, h, m, s, 0, testLoc)
}

func ptr[T any](v T) *T { return &v }

func mustWindow(t *testing.T, date string) Window {
	t.Helper()
	w, err := DayWindow(date, testLoc)
	if err != nil {
		t.Fatalf("DayWindow(%q): %v", date, err)
	}
	return w
}

func TestDayWindow(t *testing.T) {
	t.Parallel()
	w := mustWindow(t, "2025-01-01")
	if !w.Start.Equal(at(0, 0, 0)) || !w.End.Equal(at(23, 59, 59)) {
		t.Fatalf("window = %v .. %v", w.Start, w.End)
	}
	for _, bad := range []string{"", "2025-13-01", "01/01/2025", "2025-02-30"} {
		if _, err := DayWindow(bad, testLoc); !errors.Is(err, ErrInvalidDate) {
			t.Fatalf("DayWindow(%q) err = %v, want ErrInvalidDate", bad, err)
		}
	}
}

func TestExpandSchedules(t *testing.T) {
	t.Parallel()
	e := NewExpander(testLoc)
	w := mustWindow(t, "2025-01-01")

	tests := []struct {
		name  string
		task  model.Task
		count int
		first time.Time
	}{
		{name: "fixed inside", task: model.Task{FixedAt: ptr(at(9, 0, 0))}, count: 1, first: at(9, 0, 0)},
		{name: "fixed given in utc", task: model.Task{FixedAt: ptr(at(9, 0, 0).UTC())}, count: 1, first: at(9, 0, 0)},
		{name: "fixed ending exactly at day end", task: model.Task{FixedAt: ptr(at(23, 59, 54))}, count: 1, first: at(23, 59, 54)},
		{name: "fixed crossing day end", task: model.Task{FixedAt: ptr(at(23, 59, 56))}, count: 0},
		{name: "fixed on other day", task: model.Task{FixedAt: ptr(at(9, 0, 0).Add(24 * time.Hour))}, count: 0},
		{name: "fixed beats interval", task: model.Task{FixedAt: ptr(at(9, 0, 0)), IntervalSec: 60}, count: 1, first: at(9, 0, 0)},
		{name: "hourly interval", task: model.Task{IntervalSec: 3600}, count: 24, first: at(0, 0, 0)},
		{name: "half-day interval", task: model.Task{IntervalSec: 43200}, count: 2, first: at(0, 0, 0)},
		{name: "interval longer than day", task: model.Task{IntervalSec: 90000}, count: 1, first: at(0, 0, 0)},
		{name: "interval with long duration", task: model.Task{IntervalSec: 3600, DurationSec: 3600}, count: 23, first: at(0, 0, 0)},
		{name: "interval beats cron", task: model.Task{IntervalSec: 43200, Schedule: "* * * * *"}, count: 2, first: at(0, 0, 0)},
		{name: "cron daily", task: model.Task{Schedule: "0 9 * * *"}, count: 1, first: at(9, 0, 0)},
		{name: "cron midnight", task: model.Task{Schedule: "0 0 * * *"}, count: 1, first: at(0, 0, 0)},
		{name: "cron every minute", task: model.Task{Schedule: "* * * * *"}, count: 1440, first: at(0, 0, 0)},
		{name: "cron six fields", task: model.Task{Schedule: "*/30 * * * * *"}, count: 2880, first: at(0, 0, 0)},
		{name: "cron seconds", task: model.Task{Schedule: "15 30 8 * * *"}, count: 1, first: at(8, 30, 15)},
		{name: "cron other weekday", task: model.Task{Schedule: "0 9 * * MON"}, count: 0},
		{name: "fallback daily hour", task: model.Task{Schedule: "0 7 * * * * *"}, count: 1, first: at(7, 0, 0)},
		{name: "fallback invalid hour", task: model.Task{Schedule: "0 25 * * *"}, count: 0},
		{name: "fallback hourly default", task: model.Task{Schedule: "whenever"}, count: 24, first: at(0, 0, 0)},
		{name: "empty schedule", task: model.Task{}, count: 24, first: at(0, 0, 0)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			task := tt.task
			task.ID = "t"
			task.Enabled = true
			got := e.Expand(task, w)
			if len(got) != tt.count {
				t.Fatalf("len = %d, want %d", len(got), tt.count)
			}
			if tt.count == 0 {
				return
			}
			if !got[0].Start.Equal(tt.first) {
				t.Fatalf("first = %v, want %v", got[0].Start, tt.first)
			}
			for _, o := range got {
				if !o.End.Equal(o.Start.Add(task.Duration())) || o.End.After(w.End) || o.TaskID != "t" {
					t.Fatalf("bad occurrence %+v", o)
				}
			}
		})
	}
}

func TestExpandDisabled(t *testing.T) {
	t.Parallel()
	e := NewExpander(testLoc)
	w := mustWindow(t, "2025-01-01")
	for _, task := range []model.Task{
		{FixedAt: ptr(at(9, 0, 0))},
		{IntervalSec: 60},
		{Schedule: "* * * * *"},
	} {
		if got := e.Expand(task, w); len(got) != 0 {
			t.Fatalf("disabled task expanded to %d occurrences", len(got))
		}
	}
}

func TestResolveCronStrategies(t *testing.T) {
	t.Parallel()
	e := NewExpander(testLoc)
	w := mustWindow(t, "2025-01-01")
	tests := []struct {
		expr     string
		strategy string
	}{
		{"0 9 * * *", "cron"},
		{"0 0 9 * * *", "cron"},
		{"* * * * *", "cron"},
		{"0 * * * *", "cron"},
		{"0 7 * * * * *", "daily-hour"},
		{"0 x", "daily-hour"},
		{"@hourly", "hourly-default"},
		{"", "hourly-default"},
	}
	for _, tt := range tests {
		if got, _ := e.ResolveCron(tt.expr, w); got != tt.strategy {
			t.Fatalf("ResolveCron(%q) strategy = %q, want %q", tt.expr, got, tt.strategy)
		}
	}

	// "0 x" has no numeric hour and falls back to 09:00.
	if _, times := e.ResolveCron("0 x", w); len(times) != 1 || !times[0].Equal(at(9, 0, 0)) {
		t.Fatalf("daily-hour default = %v", times)
	}
}

func TestLiteralFallbacks(t *testing.T) {
	t.Parallel()
	w := mustWindow(t, "2025-01-01")
	minute := literalStep("* * * * *", time.Minute)
	if times, ok := minute("* * * * *", w); !ok || len(times) != 1440 {
		t.Fatalf("every-minute = %d ok=%v", len(times), ok)
	}
	if _, ok := minute("*/2 * * * *", w); ok {
		t.Fatal("every-minute matched a different literal")
	}
	hourly := literalStep("0 * * * *", time.Hour)
	if times, ok := hourly("0 * * * *", w); !ok || len(times) != 24 {
		t.Fatalf("hourly = %d ok=%v", len(times), ok)
	}
}

func TestValidateCron(t *testing.T) {
	t.Parallel()
	if err := ValidateCron("*/5 * * * *"); err != nil {
		t.Fatalf("5 fields: %v", err)
	}
	if err := ValidateCron("0 */5 * * * *"); err != nil {
		t.Fatalf("6 fields: %v", err)
	}
	for _, bad := range []string{"", "@daily", "0 25 * * *", "1 2 3"} {
		if err := ValidateCron(bad); err == nil {
			t.Fatalf("ValidateCron(%q) accepted", bad)
		}
	}
}
