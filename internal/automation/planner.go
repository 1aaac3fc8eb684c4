package automation

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"dotpush/internal/eventbus"
	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

// Merge resolves conflicts between occurrences of different ranks.
//
// Ranks are swept from the lowest priority (largest rank) to the highest.
// When a rank enters, every kept occurrence of a lower priority whose start
// falls inside one of the entering occurrences' [Start, End) is evicted.
// Occurrences of equal rank never evict each other.
//
// The result is ordered by start, then rank.
func Merge(occs []Occurrence) []Occurrence {
	byRank := map[int][]Occurrence{}
	for _, o := range occs {
		byRank[o.Rank] = append(byRank[o.Rank], o)
	}
	ranks := make([]int, 0, len(byRank))
	for r := range byRank {
		ranks = append(ranks, r)
	}
	slices.Sort(ranks)
	slices.Reverse(ranks)

	var kept []Occurrence
	for _, r := range ranks {
		cur := byRank[r]
		slices.SortStableFunc(cur, compareOccurrence)
		kept = append(evictCovered(kept, cur), cur...)
		slices.SortStableFunc(kept, compareOccurrence)
	}
	return kept
}

// evictCovered drops kept occurrences whose start lies inside any interval of cur.
// Both slices must be sorted by start and every kept rank must be lower priority.
func evictCovered(kept, cur []Occurrence) []Occurrence {
	out := make([]Occurrence, 0, len(kept)+len(cur))
	var reach time.Time // furthest End among cur entries starting at or before k.Start
	j := 0
	for _, k := range kept {
		for j < len(cur) && !cur[j].Start.After(k.Start) {
			if cur[j].End.After(reach) {
				reach = cur[j].End
			}
			j++
		}
		if j > 0 && k.Start.Before(reach) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func compareOccurrence(a, b Occurrence) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
		return c
	}
	return cmp.Compare(a.TaskID, b.TaskID)
}

// GeneratePlan requests the planned queue for date, ordering tasks by order
// (highest priority first). It returns at once: the work runs on a detached
// goroutine.
//
// A malformed date is rejected synchronously with ErrInvalidDate. A request
// for a date that is already being planned is dropped and started=false.
func (s *Service) GeneratePlan(date string, order []string) (started bool, err error) {
	w, err := DayWindow(date, s.loc)
	if err != nil {
		return false, err
	}
	if !s.beginPlanning(w.Date) {
		s.log.Info("plan request dropped; already planning", logx.String("date", w.Date))
		return false, nil
	}
	order = append([]string(nil), order...)
	s.sup.Go("automation.plan."+w.Date, func(ctx context.Context) error {
		defer s.endPlanning(w.Date)
		s.planDay(ctx, w, order)
		return nil
	})
	return true, nil
}

func (s *Service) beginPlanning(date string) bool {
	s.imu.Lock()
	defer s.imu.Unlock()
	if _, busy := s.planning[date]; busy {
		return false
	}
	s.planning[date] = struct{}{}
	return true
}

func (s *Service) endPlanning(date string) {
	s.imu.Lock()
	delete(s.planning, date)
	s.imu.Unlock()
}

// Planning reports whether a planning pass for date is in flight.
func (s *Service) Planning(date string) bool {
	s.imu.Lock()
	defer s.imu.Unlock()
	_, ok := s.planning[date]
	return ok
}

func (s *Service) planDay(ctx context.Context, w Window, order []string) {
	start := time.Now()
	now := s.clock.Now()

	tasks := s.applyOrder(order, now)
	if err := s.store.SaveTasks(ctx, tasks); err != nil {
		s.log.Error("persist tasks failed", logx.Err(err))
	}
	ranked := rankTasks(tasks, order)

	var all []Occurrence
	for rank, t := range ranked {
		occs := s.exp.Expand(t, w)
		if len(occs) == 0 {
			continue
		}
		for i := range occs {
			occs[i].Rank = rank
		}
		trace := s.plannedItems(w.Date, occs, now)
		if err := s.store.SaveOccurrences(ctx, w.Date, t.ID, trace); err != nil {
			s.log.Warn("persist occurrence trace failed", logx.String("task", t.ID), logx.Err(err))
		}
		all = append(all, occs...)
	}

	items := s.plannedItems(w.Date, Merge(all), now)

	s.pmu.Lock()
	next := make([]model.PlannedItem, 0, len(s.planned)+len(items))
	for _, p := range s.planned {
		if p.Date != w.Date {
			next = append(next, p)
		}
	}
	next = append(next, items...)
	s.planned = next
	snapshot := slices.Clone(next)
	s.pmu.Unlock()

	if err := s.store.SavePlanned(ctx, snapshot); err != nil {
		s.log.Error("persist planned queue failed", logx.Err(err))
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TasksUpdated, Data: eventbus.TasksUpdatedData{Saved: true}})
	s.bus.Publish(eventbus.Event{Type: eventbus.PlannedGenerated, Data: eventbus.PlannedGeneratedData{Date: w.Date, Count: len(items)}})
	s.log.Info("plan generated",
		logx.String("date", w.Date),
		logx.Int("tasks", len(ranked)),
		logx.Int("occurrences", len(all)),
		logx.Int("planned", len(items)),
		logx.Duration("took", time.Since(start)),
	)
}

// applyOrder writes index-as-priority for every listed task and returns a snapshot.
func (s *Service) applyOrder(order []string, now time.Time) []model.Task {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for idx, id := range order {
		if t, ok := s.tasks[id]; ok {
			t.Priority = idx
			t.UpdatedAt = now
			s.tasks[id] = t
		}
	}
	return s.snapshotTasksLocked()
}

// rankTasks puts listed tasks first in list order, then the rest by their
// own priority key.
func rankTasks(tasks []model.Task, order []string) []model.Task {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make([]model.Task, 0, len(tasks))
	seen := map[string]bool{}
	for _, id := range order {
		if t, ok := byID[id]; ok && !seen[id] {
			out = append(out, t)
			seen[id] = true
		}
	}
	var rest []model.Task
	for _, t := range tasks {
		if !seen[t.ID] {
			rest = append(rest, t)
		}
	}
	slices.SortFunc(rest, func(a, b model.Task) int {
		return PriorityOf(a, false).Compare(PriorityOf(b, false))
	})
	return append(out, rest...)
}

func (s *Service) plannedItems(date string, occs []Occurrence, now time.Time) []model.PlannedItem {
	out := make([]model.PlannedItem, 0, len(occs))
	for i, o := range occs {
		st, end := o.Start, o.End
		out = append(out, model.PlannedItem{
			ID:             uuid.NewString(),
			TaskID:         o.TaskID,
			Date:           date,
			Time:           st.In(s.loc).Format(time.TimeOnly),
			Position:       uint32(i + 1),
			Status:         model.StatusPending,
			CreatedAt:      now,
			ScheduledAt:    &st,
			ScheduledEndAt: &end,
			DurationSec:    uint32(end.Sub(st) / time.Second),
		})
	}
	return out
}

// PlannedForDate returns the date's items ordered by scheduled time, then position.
func (s *Service) PlannedForDate(date string) []model.PlannedItem {
	s.pmu.Lock()
	var out []model.PlannedItem
	for _, p := range s.planned {
		if p.Date == date {
			out = append(out, p)
		}
	}
	s.pmu.Unlock()

	slices.SortStableFunc(out, func(a, b model.PlannedItem) int {
		if c := compareTimePtr(a.ScheduledAt, b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return out
}

// ClearPlannedForDate removes every item of date and persists the queue.
func (s *Service) ClearPlannedForDate(ctx context.Context, date string) int {
	s.pmu.Lock()
	next := s.planned[:0:0]
	for _, p := range s.planned {
		if p.Date != date {
			next = append(next, p)
		}
	}
	removed := len(s.planned) - len(next)
	s.planned = next
	snapshot := slices.Clone(next)
	s.pmu.Unlock()

	if err := s.store.SavePlanned(ctx, snapshot); err != nil {
		s.log.Error("persist planned queue failed", logx.Err(err))
	}
	s.log.Info("planned queue cleared", logx.String("date", date), logx.Int("removed", removed))
	return removed
}

// compareTimePtr orders nil before any time.
func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
