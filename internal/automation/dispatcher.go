package automation

import (
	"cmp"
	"context"
	"slices"
	"time"

	"dotpush/internal/eventbus"
	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

// dispatch is one claimed planned item ready to execute.
type dispatch struct {
	item   model.PlannedItem
	task   model.Task
	apiKey string
}

func (s *Service) loop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d := s.selectDue(ctx, s.clock.Now())
			if d == nil {
				continue
			}
			// Execution runs beside the ticker so a slow delivery never delays the next second.
			s.sup.Go("automation.exec", func(ctx context.Context) error {
				s.run(ctx, *d)
				return nil
			})
		}
	}
}

// Tick runs one dispatcher step at now and executes synchronously.
// It reports whether an execution happened.
func (s *Service) Tick(ctx context.Context, now time.Time) bool {
	d := s.selectDue(ctx, now)
	if d == nil {
		return false
	}
	s.run(ctx, *d)
	return true
}

// selectDue expires stale items and claims at most one item due in the
// current second. It returns nil when nothing may run.
func (s *Service) selectDue(ctx context.Context, now time.Time) *dispatch {
	if !s.enabled.Load() {
		return nil
	}

	s.dmu.Lock()
	busy := make(map[string]struct{}, len(s.inflight))
	for id := range s.inflight {
		busy[id] = struct{}{}
	}
	s.dmu.Unlock()

	due, expired, snapshot := s.sweepPlanned(now, busy)
	if expired > 0 {
		s.log.Info("planned items expired", logx.Int("count", expired))
		if err := s.store.SavePlanned(ctx, snapshot); err != nil {
			s.log.Error("persist planned queue failed", logx.Err(err))
		}
	}
	if len(due) == 0 {
		return nil
	}

	var cands []dispatch
	s.tmu.Lock()
	for _, p := range due {
		if t, ok := s.tasks[p.TaskID]; ok && t.Enabled {
			cands = append(cands, dispatch{item: p, task: t.Clone()})
		}
	}
	s.tmu.Unlock()
	if len(cands) == 0 {
		return nil
	}

	slices.SortFunc(cands, func(a, b dispatch) int {
		if c := cmp.Compare(a.task.ID, b.task.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.item.Position, b.item.Position)
	})
	if len(cands) > 1 {
		ids := make([]string, 0, len(cands)-1)
		for _, c := range cands[1:] {
			ids = append(ids, c.task.ID)
		}
		s.log.Warn("same-second collision; keeping first by task id",
			logx.String("task", cands[0].task.ID),
			logx.Strings("discarded", ids),
		)
	}
	d := cands[0]

	d.apiKey = s.credential(d.task.PrimaryDevice())
	if d.apiKey == "" {
		s.log.Warn("missing device credential; occurrence left pending",
			logx.String("task", d.task.ID),
			logx.String("device", d.task.PrimaryDevice()),
		)
		return nil
	}

	sec := now.Unix()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.lastDispatch == sec {
		return nil
	}
	if _, ok := s.inflight[d.item.ID]; ok {
		return nil
	}
	s.lastDispatch = sec
	s.inflight[d.item.ID] = struct{}{}
	return &d
}

// sweepPlanned marks pending items more than a second old as skipped and
// collects the pending items scheduled in now's second. Items in busy are
// left alone.
func (s *Service) sweepPlanned(now time.Time, busy map[string]struct{}) (due []model.PlannedItem, expired int, snapshot []model.PlannedItem) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for i := range s.planned {
		p := &s.planned[i]
		if !p.Pending() || p.ScheduledAt == nil {
			continue
		}
		if _, ok := busy[p.ID]; ok {
			continue
		}
		if now.Sub(*p.ScheduledAt) > time.Second {
			p.Status = model.StatusSkipped
			expired++
			continue
		}
		if sameSecond(*p.ScheduledAt, now, s.loc) {
			due = append(due, *p)
		}
	}
	if expired > 0 {
		snapshot = slices.Clone(s.planned)
	}
	return due, expired, snapshot
}

// sameSecond compares wall-clock fields down to the second in loc.
func sameSecond(a, b time.Time, loc *time.Location) bool {
	const layout = "2006-01-02 15:04:05"
	return a.In(loc).Format(layout) == b.In(loc).Format(layout)
}

// run executes a claimed item, then records and persists the outcome.
func (s *Service) run(ctx context.Context, d dispatch) {
	defer func() {
		s.dmu.Lock()
		delete(s.inflight, d.item.ID)
		s.dmu.Unlock()
	}()

	executedAt := s.clock.Now()
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	started := time.Now()
	err := s.execute(execCtx, d.task, d.apiKey)
	elapsed := time.Since(started)
	cancel()

	s.log.Info("task dispatched",
		logx.String("task", d.task.ID),
		logx.String("name", d.task.Name),
		logx.Int("position", int(d.item.Position)),
		logx.Bool("success", err == nil),
		logx.Duration("took", elapsed),
		logx.Err(err),
	)
	s.record(ctx, d.task.ID, executedAt, elapsed, err, true)

	status := model.StatusDone
	if err != nil {
		status = model.StatusSkipped
	}
	s.pmu.Lock()
	remaining := 0
	for i := range s.planned {
		p := &s.planned[i]
		if p.ID == d.item.ID {
			p.Status = status
			p.ExecutedAt = &executedAt
		}
		if p.Date == d.item.Date && p.Pending() {
			remaining++
		}
	}
	snapshot := slices.Clone(s.planned)
	s.pmu.Unlock()

	if err := s.store.SavePlanned(ctx, snapshot); err != nil {
		s.log.Error("persist planned queue failed", logx.Err(err))
	}
	if remaining == 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.DayComplete, Data: eventbus.DayCompleteData{Date: d.item.Date}})
		s.log.Info("day plan complete", logx.String("date", d.item.Date))
	}
}
