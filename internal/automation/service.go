package automation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"dotpush/internal/eventbus"
	"dotpush/internal/model"
	"dotpush/internal/runtime/supervisor"
	logx "dotpush/pkg/logx"
)

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("automation: store is required")
	}
	if deps.Deliverer == nil {
		return nil, errors.New("automation: deliverer is required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "automation"))

	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("automation: timezone %q: %w", tz, err)
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 100
	}

	s := &Service{
		cfg:      cfg,
		loc:      loc,
		log:      log,
		store:    deps.Store,
		send:     deps.Deliverer,
		mac:      deps.Macros,
		rend:     deps.Renderer,
		bus:      deps.Bus,
		clock:    deps.Clock,
		exp:      NewExpander(loc),
		tasks:    map[string]model.Task{},
		planning: map[string]struct{}{},
		inflight: map[string]struct{}{},
		creds:    map[string]string{},
	}
	if s.mac == nil {
		s.mac = identityMacros{}
	}
	if s.rend == nil {
		s.rend = unavailableRenderer{}
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	s.SyncCredentials(cfg.Credentials)
	return s, nil
}

// Location is the reference zone.
func (s *Service) Location() *time.Location { return s.loc }

// Load restores tasks, the planned queue, logs and settings from the store.
// Pending items left from a previous run are swept by the next tick.
func (s *Service) Load(ctx context.Context) error {
	tasks, err := s.store.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	planned, err := s.store.LoadPlanned(ctx)
	if err != nil {
		return fmt.Errorf("load planned queue: %w", err)
	}
	logs, err := s.store.LoadLogs(ctx)
	if err != nil {
		return fmt.Errorf("load logs: %w", err)
	}
	settings, ok, err := s.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.tmu.Lock()
	s.tasks = make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	s.tmu.Unlock()

	s.pmu.Lock()
	s.planned = planned
	s.pmu.Unlock()

	s.lmu.Lock()
	s.logs = trimTail(logs, s.cfg.LogRetention)
	s.lmu.Unlock()

	s.enabled.Store(ok && settings.AutomationEnabled)

	s.log.Info("state restored",
		logx.Int("tasks", len(tasks)),
		logx.Int("planned", len(planned)),
		logx.Int("logs", len(logs)),
		logx.Bool("enabled", s.enabled.Load()),
	)
	return nil
}

// Start launches the dispatch loop. The loop ends when ctx is canceled or
// Stop is called, whichever comes first.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup.GoRestart("automation.dispatch", func(c context.Context) error {
		c, cancel := context.WithCancel(c)
		defer cancel()
		defer context.AfterFunc(ctx, cancel)()
		return s.loop(c)
	}, time.Second, 30*time.Second)
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Bool("enabled", s.enabled.Load()))
}

// Stop cancels the loop and waits for in-flight executions and planning passes.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	err := s.sup.Stop(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// SetEnabled flips the global switch; the next tick observes it.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	s.enabled.Store(enabled)
	s.log.Info("automation toggled", logx.Bool("enabled", enabled))
	if err := s.store.SaveSettings(ctx, model.Settings{AutomationEnabled: enabled}); err != nil {
		s.log.Error("persist settings failed", logx.Err(err))
		return err
	}
	return nil
}

func (s *Service) Enabled() bool { return s.enabled.Load() }

// ---- tasks ----

func validateTask(t model.Task) error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrPayloadMismatch, t.Type)
	}
	if err := t.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	if t.Config.Type != t.Type {
		return fmt.Errorf("%w: task %q carries %q payload", ErrPayloadMismatch, t.Type, t.Config.Type)
	}
	return nil
}

func (s *Service) warnShadowed(t model.Task) {
	if shadowed := t.ShadowedSchedules(); len(shadowed) > 0 {
		s.log.Warn("multiple schedules set; lower precedence ignored",
			logx.String("task", t.ID),
			logx.String("kind", t.Kind().String()),
			logx.Strings("ignored", shadowed),
		)
	}
}

// AddTask stores a new task with a fresh id and timestamps.
func (s *Service) AddTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := validateTask(t); err != nil {
		return model.Task{}, err
	}
	now := s.clock.Now()
	t = t.Clone()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	// Stats belong to the dispatcher.
	t.LastRun = nil
	t.NextRun = nil
	t.RunCount = 0
	t.ErrorCount = 0

	s.tmu.Lock()
	s.tasks[t.ID] = t
	snapshot := s.snapshotTasksLocked()
	s.tmu.Unlock()

	s.warnShadowed(t)
	s.persistTasks(ctx, snapshot)
	s.log.Info("task added", logx.String("task", t.ID), logx.String("type", string(t.Type)), logx.String("kind", t.Kind().String()))
	return t.Clone(), nil
}

// UpdateTask replaces a task's definition. Identity, creation time and
// dispatcher-owned stats are preserved.
func (s *Service) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := validateTask(t); err != nil {
		return model.Task{}, err
	}
	t = t.Clone()

	s.tmu.Lock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		s.tmu.Unlock()
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	t.CreatedAt = cur.CreatedAt
	t.LastRun = cur.LastRun
	t.RunCount = cur.RunCount
	t.ErrorCount = cur.ErrorCount
	t.UpdatedAt = s.clock.Now()
	s.tasks[t.ID] = t
	snapshot := s.snapshotTasksLocked()
	s.tmu.Unlock()

	s.warnShadowed(t)
	s.persistTasks(ctx, snapshot)
	s.log.Info("task updated", logx.String("task", t.ID))
	return t.Clone(), nil
}

func (s *Service) DeleteTask(ctx context.Context, id string) error {
	s.tmu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.tmu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	snapshot := s.snapshotTasksLocked()
	s.tmu.Unlock()

	s.persistTasks(ctx, snapshot)
	s.log.Info("task deleted", logx.String("task", id))
	return nil
}

func (s *Service) Task(id string) (model.Task, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Tasks returns all tasks ordered by priority, then id.
func (s *Service) Tasks() []model.Task {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.snapshotTasksLocked()
}

// UpdatePriorities assigns each listed task its index as priority.
// Unknown ids are ignored.
func (s *Service) UpdatePriorities(ctx context.Context, orderedIDs []string) {
	snapshot := s.applyOrder(orderedIDs, s.clock.Now())
	s.persistTasks(ctx, snapshot)
	s.bus.Publish(eventbus.Event{Type: eventbus.TasksUpdated, Data: eventbus.TasksUpdatedData{Saved: true}})
}

func (s *Service) snapshotTasksLocked() []model.Task {
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b model.Task) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Service) persistTasks(ctx context.Context, tasks []model.Task) {
	if err := s.store.SaveTasks(ctx, tasks); err != nil {
		s.log.Error("persist tasks failed", logx.Err(err))
	}
}

// ---- credentials ----

// SetCredential stores the API key used for a device. An empty key removes it.
func (s *Service) SetCredential(deviceID, apiKey string) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return
	}
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if strings.TrimSpace(apiKey) == "" {
		delete(s.creds, deviceID)
		return
	}
	s.creds[deviceID] = apiKey
}

// SyncCredentials merges a device→key map, ignoring empty entries.
func (s *Service) SyncCredentials(m map[string]string) int {
	n := 0
	s.cmu.Lock()
	defer s.cmu.Unlock()
	for dev, key := range m {
		dev = strings.TrimSpace(dev)
		if dev == "" || strings.TrimSpace(key) == "" {
			continue
		}
		s.creds[dev] = key
		n++
	}
	return n
}

func (s *Service) credential(deviceID string) string {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.creds[deviceID]
}

// ---- logs ----

// Logs returns execution logs newest first. limit <= 0 means all.
func (s *Service) Logs(limit int) []model.TaskExecutionLog {
	s.lmu.Lock()
	out := slices.Clone(s.logs)
	s.lmu.Unlock()

	slices.SortStableFunc(out, func(a, b model.TaskExecutionLog) int {
		return b.ExecutedAt.Compare(a.ExecutedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Service) appendLog(entry model.TaskExecutionLog) []model.TaskExecutionLog {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.logs = trimTail(append(s.logs, entry), s.cfg.LogRetention)
	return slices.Clone(s.logs)
}

func trimTail[T any](v []T, n int) []T {
	if n <= 0 || len(v) <= n {
		return v
	}
	return slices.Clone(v[len(v)-n:])
}
