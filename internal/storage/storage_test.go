package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for driver, path := range map[string]string{
		"memory": "",
		"file":   filepath.Join(dir, "data"),
		"sqlite": filepath.Join(dir, "db", "dotpush.db"),
	} {
		st, err := Open(Config{Driver: driver, Path: path, LogRetention: 3}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestStoreDocuments(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)

	for driver, st := range openDrivers(t) {
		t.Run(driver, func(t *testing.T) {
			if _, ok, err := st.LoadSettings(ctx); err != nil || ok {
				t.Fatalf("LoadSettings on empty store: ok=%v err=%v", ok, err)
			}
			if tasks, err := st.LoadTasks(ctx); err != nil || len(tasks) != 0 {
				t.Fatalf("LoadTasks on empty store: %v %v", tasks, err)
			}

			task := model.Task{ID: "t1", Type: model.TaskText, Enabled: true, FixedAt: &at,
				Config: model.NewText(model.TextPayload{Title: "hi"})}
			if err := st.SaveTasks(ctx, []model.Task{task}); err != nil {
				t.Fatalf("SaveTasks: %v", err)
			}
			tasks, err := st.LoadTasks(ctx)
			if err != nil || len(tasks) != 1 || tasks[0].Config.Text.Title != "hi" || !tasks[0].FixedAt.Equal(at) {
				t.Fatalf("LoadTasks = %#v, %v", tasks, err)
			}

			if err := st.SaveSettings(ctx, model.Settings{AutomationEnabled: true}); err != nil {
				t.Fatalf("SaveSettings: %v", err)
			}
			s, ok, err := st.LoadSettings(ctx)
			if err != nil || !ok || !s.AutomationEnabled {
				t.Fatalf("LoadSettings = %+v ok=%v err=%v", s, ok, err)
			}

			item := model.PlannedItem{ID: "p1", TaskID: "t1", Date: "2025-01-01", Position: 1, Status: model.StatusPending, ScheduledAt: &at}
			if err := st.SavePlanned(ctx, []model.PlannedItem{item}); err != nil {
				t.Fatalf("SavePlanned: %v", err)
			}
			planned, err := st.LoadPlanned(ctx)
			if err != nil || len(planned) != 1 || planned[0].Status != model.StatusPending {
				t.Fatalf("LoadPlanned = %#v, %v", planned, err)
			}

			if err := st.SaveOccurrences(ctx, "2025-01-01", "t1", []model.PlannedItem{item}); err != nil {
				t.Fatalf("SaveOccurrences: %v", err)
			}
		})
	}
}

func TestStoreLogRetention(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openDrivers(t) {
		t.Run(driver, func(t *testing.T) {
			var logs []model.TaskExecutionLog
			for i := 0; i < 5; i++ {
				logs = append(logs, model.TaskExecutionLog{ID: fmt.Sprintf("l%d", i), TaskID: "t"})
			}
			if err := st.SaveLogs(ctx, logs); err != nil {
				t.Fatalf("SaveLogs: %v", err)
			}
			got, err := st.LoadLogs(ctx)
			if err != nil {
				t.Fatalf("LoadLogs: %v", err)
			}
			if len(got) != 3 || got[0].ID != "l2" || got[2].ID != "l4" {
				t.Fatalf("retained logs = %+v", got)
			}
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	if err := st.SaveTasks(ctx, nil); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "tasks.json"))
	if err != nil {
		t.Fatalf("read tasks.json: %v", err)
	}
	var arr []any
	if err := json.Unmarshal(b, &arr); err != nil || arr == nil {
		t.Fatalf("tasks.json = %s (%v)", b, err)
	}

	if err := st.SaveOccurrences(ctx, "2025-01-01", "abc", []model.PlannedItem{{ID: "x"}}); err != nil {
		t.Fatalf("SaveOccurrences: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "planned_tasks", "2025-01-01", "abc.json")); err != nil {
		t.Fatalf("per-task trace missing: %v", err)
	}
	if err := st.SaveOccurrences(ctx, "2025-01-01", "../evil", nil); err == nil {
		t.Fatal("expected error for path-like task id")
	}
	if _, err := os.Stat(filepath.Join(dir, "tasks.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	_ = st.Close()
	if _, err := st.LoadTasks(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("LoadTasks after Close err = %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
}
