// Package escalate tracks consecutive missed due cycles and hands
// repeatedly missed tasks over for segmentation once a threshold is hit.
package escalate

import (
	"context"
	"errors"
	"time"

	"taskmind/internal/eventbus"
	"taskmind/internal/segment"
	"taskmind/internal/task"
	logx "taskmind/pkg/logx"
)

// Config tunes escalation.
type Config struct {
	// Threshold is how many consecutive misses trigger segmentation.
	Threshold int `json:"threshold"`
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	return c
}

// Segmenter is what escalation calls once the threshold is reached.
type Segmenter interface {
	Segment(ctx context.Context, parent task.Task, misses int) ([]task.Task, error)
}

// Engine owns the miss counter lifecycle.
type Engine struct {
	cfg   Config
	store task.Store
	seg   Segmenter
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, store task.Store, seg Segmenter, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg.withDefaults(), store: store, seg: seg, bus: bus, log: log}
}

// Threshold reports the configured miss threshold.
func (e *Engine) Threshold() int { return e.cfg.Threshold }

// MissEvent is the bus payload for a recorded miss.
type MissEvent struct {
	TaskID string    `json:"task_id"`
	UserID string    `json:"user_id"`
	Misses int       `json:"misses"`
	At     time.Time `json:"at"`
}

// RecordMiss bumps the task's consecutive miss counter. One call per due
// cycle whose retries were exhausted, never per attempt.
func (e *Engine) RecordMiss(ctx context.Context, t task.Task) (int, error) {
	now := time.Now()
	count, err := e.store.RecordMiss(ctx, t.ID, now)
	if err != nil {
		return 0, err
	}
	e.log.Warn("task missed its due cycle",
		logx.String("task_id", t.ID),
		logx.String("user_id", t.UserID),
		logx.Int("misses", count),
		logx.Int("threshold", e.cfg.Threshold))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskMissed, Time: now, Data: MissEvent{
			TaskID: t.ID, UserID: t.UserID, Misses: count, At: now,
		}})
	}
	return count, nil
}

// MaybeSegment segments the task when the miss count has reached the
// threshold. A rejected proposal is not an error here: the counter keeps
// growing and the next miss tries again.
func (e *Engine) MaybeSegment(ctx context.Context, t task.Task, misses int) (bool, error) {
	if misses < e.cfg.Threshold || t.Segmented || e.seg == nil {
		return false, nil
	}

	_, err := e.seg.Segment(ctx, t, misses)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, task.ErrAlreadySegmented):
		return false, nil
	case errors.Is(err, segment.ErrRejected):
		e.log.Warn("segmentation proposal rejected, will retry on next miss",
			logx.String("task_id", t.ID),
			logx.Err(err))
		return false, nil
	default:
		return false, err
	}
}
