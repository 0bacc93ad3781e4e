package app

import (
	"context"
	"fmt"
	"time"

	"taskmind/internal/task"
	"taskmind/internal/workflow"
	logx "taskmind/pkg/logx"
)

// CreateTask validates and persists a new task and seeds its first run
// time from the schedule. The stored task (with ID) is written back into t.
func (a *App) CreateTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Status = task.StatusActive
	if t.NextRunAt.IsZero() {
		next, err := t.Schedule.Next(time.Now(), time.Local)
		if err != nil {
			return fmt.Errorf("seed next run: %w", err)
		}
		t.NextRunAt = next
	}
	if err := a.store.Create(ctx, t); err != nil {
		return err
	}
	a.log.Info("task created",
		logx.String("task_id", t.ID),
		logx.String("user_id", t.UserID),
		logx.String("kind", string(t.Kind)),
		logx.Time("next_run_at", t.NextRunAt))
	return nil
}

func (a *App) GetTask(ctx context.Context, id string) (task.Task, error) {
	return a.store.Get(ctx, id)
}

func (a *App) ListTasks(ctx context.Context, userID string, f task.Filter) ([]task.Task, error) {
	return a.store.ListByUser(ctx, userID, f)
}

func (a *App) ListChildren(ctx context.Context, parentID string) ([]task.Task, error) {
	return a.store.ListChildren(ctx, parentID)
}

func (a *App) PauseTask(ctx context.Context, id string) error {
	if err := a.store.Pause(ctx, id); err != nil {
		return err
	}
	a.log.Info("task paused", logx.String("task_id", id))
	return nil
}

// CancelTask marks the task cancelled. An execution already in flight is
// not interrupted; the worker discards its result.
func (a *App) CancelTask(ctx context.Context, id string) error {
	if err := a.store.Cancel(ctx, id); err != nil {
		return err
	}
	a.log.Info("task cancelled", logx.String("task_id", id))
	return nil
}

// ResumeTask puts a paused task back on the schedule at its next
// occurrence.
func (a *App) ResumeTask(ctx context.Context, id string) error {
	t, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := t.Schedule.Next(time.Now(), time.Local)
	if err != nil {
		return err
	}
	if err := a.store.Reactivate(ctx, id, next); err != nil {
		return err
	}
	a.log.Info("task resumed", logx.String("task_id", id), logx.Time("next_run_at", next))
	return nil
}

func (a *App) TaskRuns(ctx context.Context, taskID string, limit int) ([]task.RunRecord, error) {
	return a.store.ListRuns(ctx, taskID, limit)
}

// Workflows exposes the conversation dependency graphs.
func (a *App) Workflows() *workflow.Manager { return a.flows }

// Channels lists the registered notification channel names.
func (a *App) Channels() []string { return a.notif.Channels() }

// QueueDepth reports the current backlog of one queue, for introspection.
func (a *App) QueueDepth(name string) int { return a.router.Depth(name) }
