package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dotpush/internal/eventbus"
	logx "dotpush/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := f.texts()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent = %v, want %d", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForwardsSchedulerEvents(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	bus := eventbus.New()
	s := New(Config{Enabled: true, RatePerSec: 100}, f, logx.Nop())
	s.Start(context.Background(), bus)
	defer s.Stop(context.Background())

	// Give the forwarder time to subscribe before publishing.
	deadline := time.Now().Add(time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.PlannedGenerated, Data: eventbus.PlannedGeneratedData{Date: "2025-01-01", Count: 3}})
		if len(f.texts()) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	got := waitSent(t, f, 1)
	if got[0] != "📅 Plan for 2025-01-01 ready: 3 item(s)" {
		t.Fatalf("text = %q", got[0])
	}
}

func TestEventFilter(t *testing.T) {
	t.Parallel()
	if !wants(nil, eventbus.DayComplete) || wants(nil, eventbus.TasksUpdated) {
		t.Fatal("default event set wrong")
	}
	if !wants([]string{eventbus.TasksUpdated}, eventbus.TasksUpdated) {
		t.Fatal("configured event not wanted")
	}
	if _, ok := Format(eventbus.Event{Type: "other", Data: 42}); ok {
		t.Fatal("unknown payload formatted")
	}
	if text, ok := Format(eventbus.Event{Data: eventbus.DayCompleteData{Date: "2025-01-02"}}); !ok || text == "" {
		t.Fatal("day complete not formatted")
	}
}

func TestNotifyDedupAndRetry(t *testing.T) {
	t.Parallel()
	f := &fakeSender{fails: 1}
	s := New(Config{
		Enabled:     true,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}, f, logx.Nop())
	s.Start(context.Background(), nil)
	defer s.Stop(context.Background())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, "same"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := s.Notify(ctx, "other"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := waitSent(t, f, 2)
	time.Sleep(50 * time.Millisecond)
	if got = f.texts(); len(got) != 2 {
		t.Fatalf("sent = %v", got)
	}
	if len(s.History()) != 2 {
		t.Fatalf("history = %d", len(s.History()))
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeSender{}, logx.Nop())
	off.Start(context.Background(), nil)
	if err := off.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s := New(Config{Enabled: true}, &fakeSender{}, logx.Nop())
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	s.Start(context.Background(), nil)
	s.Stop(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err after stop = %v", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 1000}, f, logx.Nop())
	s.Start(context.Background(), nil)
	for _, m := range []string{"a", "b", "c"} {
		if err := s.Notify(context.Background(), m); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := f.texts(); len(got) != 3 {
		t.Fatalf("drained = %v", got)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 3 * time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d delay = %v", attempt, d)
		}
	}
}
