package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dotpush/internal/delivery"
	"dotpush/internal/eventbus"
	"dotpush/internal/model"
)

func pendingItem(loc *time.Location, taskID string, when time.Time, pos uint32) model.PlannedItem {
	st := when
	end := st.Add(model.DefaultDuration)
	return model.PlannedItem{
		ID:             "item-" + taskID,
		TaskID:         taskID,
		Date:           st.In(loc).Format(model.DateLayout),
		Time:           st.In(loc).Format(time.TimeOnly),
		Position:       pos,
		Status:         model.StatusPending,
		ScheduledAt:    &st,
		ScheduledEndAt: &end,
		DurationSec:    5,
	}
}

// seed replaces the planned queue with items for the given tasks, all due at when.
func seed(s *Service, when time.Time, taskIDs ...string) []model.PlannedItem {
	items := make([]model.PlannedItem, 0, len(taskIDs))
	for i, id := range taskIDs {
		items = append(items, pendingItem(s.loc, id, when, uint32(i+1)))
	}
	s.pmu.Lock()
	s.planned = append([]model.PlannedItem(nil), items...)
	s.pmu.Unlock()
	return items
}

// slowDeliverer holds every send for delay before recording it.
type slowDeliverer struct {
	fakeDeliverer
	delay time.Duration

	smu    sync.Mutex
	starts []time.Time
}

func (d *slowDeliverer) SendText(ctx context.Context, apiKey string, msg delivery.TextMessage) error {
	d.smu.Lock()
	d.starts = append(d.starts, time.Now())
	d.smu.Unlock()
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.fakeDeliverer.SendText(ctx, apiKey, msg)
}

func (d *slowDeliverer) started() []time.Time {
	d.smu.Lock()
	defer d.smu.Unlock()
	return append([]time.Time(nil), d.starts...)
}

func statusOf(s *Service, itemID string) model.PlanStatus {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for _, p := range s.planned {
		if p.ID == itemID {
			return p.Status
		}
	}
	return ""
}

func TestTickExecutesFixedTaskOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	fixed := textTask("once")
	fixed.FixedAt = ptr(at(9, 0, 0))
	task := h.add(t, fixed)
	items := plan(t, h.svc, day)
	if len(items) != 1 {
		t.Fatalf("items = %d", len(items))
	}

	events, cancel := h.bus.Subscribe(8)
	defer cancel()

	if h.svc.Tick(context.Background(), at(8, 59, 59)) {
		t.Fatal("executed before its second")
	}
	h.clock.Set(at(9, 0, 0))
	if !h.svc.Tick(context.Background(), at(9, 0, 0).Add(400*time.Millisecond)) {
		t.Fatal("due item not executed")
	}
	if h.svc.Tick(context.Background(), at(9, 0, 0).Add(800*time.Millisecond)) {
		t.Fatal("executed twice")
	}
	if h.send.calls() != 1 || h.send.keys[0] != "key-1" {
		t.Fatalf("deliveries = %d keys %v", h.send.calls(), h.send.keys)
	}

	got, _ := h.svc.Task(task.ID)
	if got.FixedAt != nil || got.Enabled || got.RunCount != 1 || got.LastRun == nil {
		t.Fatalf("task after run = %+v", got)
	}
	done := h.svc.PlannedForDate(day)[0]
	if done.Status != model.StatusDone || done.ExecutedAt == nil || !done.ExecutedAt.Equal(at(9, 0, 0)) {
		t.Fatalf("item = %+v", done)
	}
	if logs := h.svc.Logs(0); len(logs) != 1 || !logs[0].Success {
		t.Fatalf("logs = %+v", logs)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.DayComplete || e.Data.(eventbus.DayCompleteData).Date != day {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no day-complete event")
	}

	// A consumed one-shot task plans nothing.
	if items := plan(t, h.svc, day); len(items) != 0 {
		t.Fatalf("replanned items = %d", len(items))
	}
}

func TestTickAtMostOnePerSecond(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.add(t, textTask("a"))
	b := h.add(t, textTask("b"))
	first, second := a.ID, b.ID
	if second < first {
		first, second = second, first
	}
	seed(h.svc, at(9, 0, 0), second, first)

	now := at(9, 0, 0)
	for i := 0; i < 5; i++ {
		h.svc.Tick(context.Background(), now.Add(time.Duration(i)*100*time.Millisecond))
	}
	logs := h.svc.Logs(0)
	if len(logs) != 1 || logs[0].TaskID != first {
		t.Fatalf("logs = %+v, want one for %s", logs, first)
	}
	if statusOf(h.svc, "item-"+second) != model.StatusPending {
		t.Fatal("loser should stay pending within its second")
	}

	// Two seconds later the loser is expired, never executed.
	if h.svc.Tick(context.Background(), now.Add(2*time.Second)) {
		t.Fatal("expired item executed")
	}
	if got := statusOf(h.svc, "item-"+second); got != model.StatusSkipped {
		t.Fatalf("loser status = %s, want skipped", got)
	}
	if h.send.calls() != 1 {
		t.Fatalf("deliveries = %d", h.send.calls())
	}
}

func TestTickExpiresStaleItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.add(t, textTask("a"))
	seed(h.svc, at(9, 0, 0), a.ID)

	if h.svc.Tick(context.Background(), at(9, 0, 1)) {
		t.Fatal("item one second late executed")
	}
	if statusOf(h.svc, "item-"+a.ID) != model.StatusPending {
		t.Fatal("item exactly one second late expired")
	}
	h.svc.Tick(context.Background(), at(9, 0, 1).Add(time.Millisecond))
	if statusOf(h.svc, "item-"+a.ID) != model.StatusSkipped {
		t.Fatal("stale item not expired")
	}
	if h.send.calls() != 0 || len(h.svc.Logs(0)) != 0 {
		t.Fatal("expired item produced an execution")
	}
	if h.store.SaveCount("planned") == 0 {
		t.Fatal("expiry not persisted")
	}
}

func TestTickMissingCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	task := textTask("a")
	task.DeviceIDs = []string{"unknown"}
	a := h.add(t, task)
	seed(h.svc, at(9, 0, 0), a.ID)

	if h.svc.Tick(context.Background(), at(9, 0, 0)) {
		t.Fatal("executed without credential")
	}
	if statusOf(h.svc, "item-"+a.ID) != model.StatusPending {
		t.Fatal("item should stay pending")
	}

	h.svc.SetCredential("unknown", "late-key")
	if !h.svc.Tick(context.Background(), at(9, 0, 0).Add(500*time.Millisecond)) {
		t.Fatal("credential added within the second should allow execution")
	}
}

func TestTickSkipsDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.add(t, textTask("a"))
	seed(h.svc, at(9, 0, 0), a.ID)

	if err := h.svc.SetEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if h.svc.Tick(context.Background(), at(9, 0, 0)) {
		t.Fatal("executed while automation disabled")
	}
	if err := h.svc.SetEnabled(context.Background(), true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	a.Enabled = false
	if _, err := h.svc.UpdateTask(context.Background(), a); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if h.svc.Tick(context.Background(), at(9, 0, 0)) {
		t.Fatal("executed a disabled task")
	}
}

func TestTickRecordsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.send.err = errors.New("device offline")
	fixed := textTask("a")
	fixed.FixedAt = ptr(at(9, 0, 0))
	a := h.add(t, fixed)
	seed(h.svc, at(9, 0, 0), a.ID)

	if !h.svc.Tick(context.Background(), at(9, 0, 0)) {
		t.Fatal("not executed")
	}
	got, _ := h.svc.Task(a.ID)
	if got.ErrorCount != 1 || got.RunCount != 1 || got.FixedAt != nil {
		t.Fatalf("task = %+v", got)
	}
	if statusOf(h.svc, "item-"+a.ID) != model.StatusSkipped {
		t.Fatal("failed item should be skipped")
	}
	logs := h.svc.Logs(0)
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorMessage == nil || *logs[0].ErrorMessage != "device offline" {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestLoopDispatches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.add(t, textTask("a"))
	now := time.Now().Add(2 * time.Second).Truncate(time.Second)
	h.svc.clock = realClock{}
	seed(h.svc, now, a.ID)

	h.svc.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for h.send.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never dispatched")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestLoopSlowDeliveryKeepsTicking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.add(t, textTask("a"))
	b := h.add(t, textTask("b"))
	slow := &slowDeliverer{delay: 2500 * time.Millisecond}
	h.svc.send = slow
	h.svc.clock = realClock{}

	first := time.Now().Add(2 * time.Second).Truncate(time.Second)
	seed(h.svc, first, a.ID)
	h.svc.pmu.Lock()
	h.svc.planned = append(h.svc.planned, pendingItem(h.svc.loc, b.ID, first.Add(time.Second), 2))
	h.svc.pmu.Unlock()

	h.svc.Start(context.Background())
	deadline := time.Now().Add(10 * time.Second)
	for slow.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("deliveries finished = %d, started = %d", slow.calls(), len(slow.started()))
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	starts := slow.started()
	if len(starts) != 2 {
		t.Fatalf("deliveries started = %d", len(starts))
	}
	// The second item started while the first was still being delivered.
	if gap := starts[1].Sub(starts[0]); gap >= slow.delay {
		t.Fatalf("second delivery waited %v for the first", gap)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got := statusOf(h.svc, "item-"+id); got != model.StatusDone {
			t.Fatalf("item %s status = %s, want done", id, got)
		}
	}
	if logs := h.svc.Logs(0); len(logs) != 2 {
		t.Fatalf("logs = %d", len(logs))
	}
}

func TestStartStopsWithContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.Start(ctx)
	if h.svc.sup.Counters().Active == 0 {
		t.Fatal("dispatch loop not running")
	}
	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for h.svc.sup.Counters().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("active goroutines = %d after cancel", h.svc.sup.Counters().Active)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
