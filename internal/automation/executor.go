package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dotpush/internal/delivery"
	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

// execute resolves macros, renders when needed and hands the payload to the deliverer.
func (s *Service) execute(ctx context.Context, t model.Task, apiKey string) error {
	if t.Config.Type != t.Type {
		return ErrPayloadMismatch
	}
	if err := t.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	device := t.PrimaryDevice()
	if device == "" {
		return ErrNoDevice
	}
	if strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("%w %s", ErrNoCredential, device)
	}

	switch t.Type {
	case model.TaskText:
		p := t.Config.Text
		return s.send.SendText(ctx, apiKey, delivery.TextMessage{
			DeviceID:  device,
			Title:     s.mac.Replace(p.Title),
			Message:   s.mac.Replace(p.Message),
			Signature: s.mac.Replace(p.Signature),
			Icon:      p.Icon,
			Link:      s.replaceOpt(p.Link),
		})
	case model.TaskImage:
		p := t.Config.Image
		return s.send.SendImage(ctx, apiKey, delivery.ImageMessage{
			DeviceID: device,
			Image:    p.ImageData,
			Link:     s.replaceOpt(p.Link),
		})
	case model.TaskTextToImage:
		p := s.resolveTextToImage(*t.Config.TextToImage)
		img, err := s.rend.Render(ctx, p)
		if err != nil {
			return fmt.Errorf("render text-to-image: %w", err)
		}
		return s.send.SendImage(ctx, apiKey, delivery.ImageMessage{DeviceID: device, Image: img, Link: p.Link})
	}
	return ErrPayloadMismatch
}

func (s *Service) replaceOpt(v *string) *string {
	if v == nil {
		return nil
	}
	out := s.mac.Replace(*v)
	return &out
}

func (s *Service) resolveTextToImage(p model.TextToImagePayload) model.TextToImagePayload {
	cp := model.NewTextToImage(p).Clone().TextToImage
	for i := range cp.Texts {
		cp.Texts[i].Content = s.mac.Replace(cp.Texts[i].Content)
	}
	cp.Link = s.replaceOpt(cp.Link)
	return *cp
}

// ResolveTextToImage returns the task's composite payload with macros expanded now.
func (s *Service) ResolveTextToImage(id string) (model.TextToImagePayload, error) {
	t, err := s.Task(id)
	if err != nil {
		return model.TextToImagePayload{}, err
	}
	if t.Type != model.TaskTextToImage || t.Config.TextToImage == nil {
		return model.TextToImagePayload{}, ErrNotTextToImage
	}
	return s.resolveTextToImage(*t.Config.TextToImage), nil
}

// ExecuteTask runs one task immediately, bypassing the plan. A non-empty
// apiKey is remembered for every device of the task.
func (s *Service) ExecuteTask(ctx context.Context, id, apiKey string) error {
	t, err := s.manualTarget(id)
	if err != nil {
		return err
	}
	apiKey = s.adoptCredential(t, apiKey)
	return s.runManual(ctx, t, func(ctx context.Context) error {
		return s.execute(ctx, t, apiKey)
	})
}

// ExecuteRendered pushes an image that was already composed for a
// text-to-image task.
func (s *Service) ExecuteRendered(ctx context.Context, id, imageDataURL, apiKey string) error {
	t, err := s.manualTarget(id)
	if err != nil {
		return err
	}
	if t.Type != model.TaskTextToImage || t.Config.TextToImage == nil {
		return ErrNotTextToImage
	}
	if strings.TrimSpace(imageDataURL) == "" {
		return errors.New("rendered image is empty")
	}
	apiKey = s.adoptCredential(t, apiKey)
	return s.runManual(ctx, t, func(ctx context.Context) error {
		device := t.PrimaryDevice()
		if device == "" {
			return ErrNoDevice
		}
		if strings.TrimSpace(apiKey) == "" {
			return fmt.Errorf("%w %s", ErrNoCredential, device)
		}
		return s.send.SendImage(ctx, apiKey, delivery.ImageMessage{
			DeviceID: device,
			Image:    imageDataURL,
			Link:     s.replaceOpt(t.Config.TextToImage.Link),
		})
	})
}

func (s *Service) manualTarget(id string) (model.Task, error) {
	t, err := s.Task(id)
	if err != nil {
		return model.Task{}, err
	}
	if !t.Enabled {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskDisabled, id)
	}
	return t, nil
}

// adoptCredential stores a supplied key for the task's devices, or falls
// back to the stored key of the primary device.
func (s *Service) adoptCredential(t model.Task, apiKey string) string {
	if strings.TrimSpace(apiKey) == "" {
		return s.credential(t.PrimaryDevice())
	}
	for _, dev := range t.DeviceIDs {
		s.SetCredential(dev, apiKey)
	}
	return apiKey
}

func (s *Service) runManual(ctx context.Context, t model.Task, fn func(ctx context.Context) error) error {
	executedAt := s.clock.Now()
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	started := time.Now()
	err := fn(execCtx)
	elapsed := time.Since(started)
	cancel()

	s.log.Info("task executed manually",
		logx.String("task", t.ID),
		logx.Bool("success", err == nil),
		logx.Duration("took", elapsed),
		logx.Err(err),
	)
	s.record(ctx, t.ID, executedAt, elapsed, err, false)
	return err
}

// record appends the execution log and updates task stats. consumeFixed
// clears fixed_at so a one-shot task never fires again; a task with no
// other schedule is disabled as well.
func (s *Service) record(ctx context.Context, taskID string, at time.Time, elapsed time.Duration, execErr error, consumeFixed bool) {
	entry := model.TaskExecutionLog{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		ExecutedAt: at,
		Success:    execErr == nil,
		DurationMS: uint64(elapsed.Milliseconds()),
	}
	if execErr != nil {
		msg := execErr.Error()
		entry.ErrorMessage = &msg
	}
	logs := s.appendLog(entry)

	s.tmu.Lock()
	var snapshot []model.Task
	if t, ok := s.tasks[taskID]; ok {
		lastRun := at
		t.LastRun = &lastRun
		t.RunCount++
		if execErr != nil {
			t.ErrorCount++
		}
		if consumeFixed && t.FixedAt != nil {
			// Without another schedule an empty cron would fall back to hourly.
			if len(t.ShadowedSchedules()) == 0 {
				t.Enabled = false
			}
			t.FixedAt = nil
		}
		s.tasks[taskID] = t
		snapshot = s.snapshotTasksLocked()
	}
	s.tmu.Unlock()

	if snapshot != nil {
		s.persistTasks(ctx, snapshot)
	}
	if err := s.store.SaveLogs(ctx, logs); err != nil {
		s.log.Error("persist logs failed", logx.Err(err))
	}
}
